package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GeneralConfig covers the proxy listener and the handshake/pool knobs
// shared by every database.
type GeneralConfig struct {
	ListenAddr           string
	DefaultPoolSize      int
	MinPoolSize          int
	CheckoutTimeout      time.Duration
	IdleTimeout          time.Duration
	ConnectTimeout       time.Duration
	MaxServerAge         time.Duration
	HandshakeStepTimeout time.Duration
	EagerConnect         bool
	// AuthPepper keys the decoy challenges served for unknown users. An
	// empty value gets a random ephemeral pepper, which changes the decoy
	// salts on every restart.
	AuthPepper      string
	ScramIterations int
}

// AuthConfig selects where client credentials come from.
type AuthConfig struct {
	Source         string // "local" or "passthrough"
	Store          string // "file" or "sqlite"
	UsersFile      string
	SQLitePath     string
	WatchUsersFile bool
}

// PassthroughConfig describes the privileged catalog-lookup credential and
// the verifier cache used when auth.source is "passthrough".
type PassthroughConfig struct {
	User     string
	Password string
	// Database overrides the database the lookup connection logs in to.
	// Empty means the database the client asked for, which always lands
	// on the right cluster. Overrides must be routable via [[databases]].
	Database      string
	Cache         string // "memory" or "redis"
	CacheTTL      time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// AdminConfig covers the HTTP admin/metrics listener.
type AdminConfig struct {
	ListenAddr string
	Password   string
	JWTSecret  string
	TokenTTL   time.Duration
}

// DatabaseConfig maps one database name clients may request to a backend
// address. Repeating a name gives that database a failover address list in
// file order.
type DatabaseConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the dialable host:port of this backend.
func (d DatabaseConfig) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

type Config struct {
	General     GeneralConfig
	Auth        AuthConfig
	Passthrough PassthroughConfig
	Admin       AdminConfig
	Databases   []DatabaseConfig
}

// BackendAddrs returns every configured address for a database, in file
// order. An empty result means the database is not routable.
func (c *Config) BackendAddrs(database string) []string {
	var addrs []string
	for _, db := range c.Databases {
		if db.Name == database {
			addrs = append(addrs, db.Addr())
		}
	}
	return addrs
}

// HasDatabase reports whether at least one backend is configured under the
// given database name.
func (c *Config) HasDatabase(database string) bool {
	for _, db := range c.Databases {
		if db.Name == database {
			return true
		}
	}
	return false
}

// LoadConfig reads pggate.toml (searched in ., ./config and /etc/pggate)
// plus PGGATE_* environment overrides, applying defaults with a warning
// wherever a value is missing or out of range.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("pggate")
	viper.SetConfigType("toml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/pggate")
	viper.SetEnvPrefix("PGGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		General: GeneralConfig{
			ListenAddr:           stringOr("general.listen_addr", "0.0.0.0:6432"),
			DefaultPoolSize:      viper.GetInt("general.default_pool_size"),
			MinPoolSize:          viper.GetInt("general.min_pool_size"),
			CheckoutTimeout:      millisOr("general.checkout_timeout_ms", 5000),
			IdleTimeout:          millisOr("general.idle_timeout_ms", 60000),
			ConnectTimeout:       millisOr("general.connect_timeout_ms", 5000),
			MaxServerAge:         millisOr("general.max_server_age_ms", 86400000),
			HandshakeStepTimeout: millisOr("general.handshake_step_timeout_ms", 5000),
			EagerConnect:         viper.GetBool("general.eager_connect"),
			AuthPepper:           viper.GetString("general.auth_pepper"),
			ScramIterations:      viper.GetInt("general.scram_iterations"),
		},
		Auth: AuthConfig{
			Source:         stringOr("auth.source", "local"),
			Store:          stringOr("auth.store", "file"),
			UsersFile:      stringOr("auth.users_file", "users.toml"),
			SQLitePath:     viper.GetString("auth.sqlite_path"),
			WatchUsersFile: viper.GetBool("auth.watch_users_file"),
		},
		Passthrough: PassthroughConfig{
			User:          viper.GetString("passthrough.user"),
			Password:      viper.GetString("passthrough.password"),
			Database:      viper.GetString("passthrough.database"),
			Cache:         stringOr("passthrough.cache", "memory"),
			CacheTTL:      millisOr("passthrough.cache_ttl_ms", 300000),
			RedisAddr:     viper.GetString("passthrough.redis_addr"),
			RedisPassword: viper.GetString("passthrough.redis_password"),
			RedisDB:       viper.GetInt("passthrough.redis_db"),
		},
		Admin: AdminConfig{
			ListenAddr: stringOr("admin.listen_addr", "127.0.0.1:8432"),
			Password:   viper.GetString("admin.password"),
			JWTSecret:  viper.GetString("admin.jwt_secret"),
			TokenTTL:   minutesOr("admin.token_ttl_minutes", 60),
		},
	}

	if err := viper.UnmarshalKey("databases", &cfg.Databases); err != nil {
		return nil, fmt.Errorf("failed to parse databases: %w", err)
	}

	if cfg.General.DefaultPoolSize <= 0 {
		if viper.IsSet("general.default_pool_size") {
			log.Printf("Invalid default_pool_size %d, defaulting to 10", cfg.General.DefaultPoolSize)
		}
		cfg.General.DefaultPoolSize = 10
	}
	if cfg.General.MinPoolSize < 0 {
		log.Printf("Invalid min_pool_size %d, defaulting to 1", cfg.General.MinPoolSize)
		cfg.General.MinPoolSize = 1
	}
	if cfg.General.MinPoolSize > cfg.General.DefaultPoolSize {
		log.Printf("min_pool_size %d exceeds default_pool_size %d, clamping", cfg.General.MinPoolSize, cfg.General.DefaultPoolSize)
		cfg.General.MinPoolSize = cfg.General.DefaultPoolSize
	}
	if cfg.General.ScramIterations < 4096 {
		if viper.IsSet("general.scram_iterations") {
			log.Printf("scram_iterations %d below the interoperable minimum, defaulting to 4096", cfg.General.ScramIterations)
		}
		cfg.General.ScramIterations = 4096
	}
	switch cfg.Auth.Source {
	case "local", "passthrough":
	default:
		log.Printf("Unknown auth.source '%s', defaulting to 'local'", cfg.Auth.Source)
		cfg.Auth.Source = "local"
	}
	switch cfg.Auth.Store {
	case "file", "sqlite":
	default:
		log.Printf("Unknown auth.store '%s', defaulting to 'file'", cfg.Auth.Store)
		cfg.Auth.Store = "file"
	}
	switch cfg.Passthrough.Cache {
	case "memory", "redis":
	default:
		log.Printf("Unknown passthrough.cache '%s', defaulting to 'memory'", cfg.Passthrough.Cache)
		cfg.Passthrough.Cache = "memory"
	}
	if cfg.Auth.Source == "passthrough" && cfg.Passthrough.User == "" {
		return nil, fmt.Errorf("auth.source is 'passthrough' but passthrough.user is empty")
	}

	if cfg.General.AuthPepper == "" {
		cfg.General.AuthPepper = randomSecret()
		log.Println("Warning: general.auth_pepper not set, using a random ephemeral pepper")
	}
	if cfg.Admin.JWTSecret == "" {
		cfg.Admin.JWTSecret = randomSecret()
		log.Println("Warning: admin.jwt_secret not set, using a random ephemeral secret")
	}

	return cfg, nil
}

func stringOr(key, fallback string) string {
	if v := viper.GetString(key); v != "" {
		return v
	}
	return fallback
}

func millisOr(key string, fallback int) time.Duration {
	ms := viper.GetInt(key)
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func minutesOr(key string, fallback int) time.Duration {
	m := viper.GetInt(key)
	if m <= 0 {
		m = fallback
	}
	return time.Duration(m) * time.Minute
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random secret: %v", err))
	}
	return hex.EncodeToString(buf)
}
