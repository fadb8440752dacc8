package logger

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger and redirects the standard
// library logger into it, so the [Component.Method] lines from the
// handshake path come out structured like everything else.
func Init(levelStr string, appEnv string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level := zerolog.InfoLevel
	if levelStr != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(levelStr))
		if err != nil {
			log.Warn().Err(err).Msgf("Invalid log level '%s', defaulting to 'info'", levelStr)
		} else {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	switch strings.ToLower(appEnv) {
	case "development", "dev":
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Str("app", "pggate").Logger()

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}
