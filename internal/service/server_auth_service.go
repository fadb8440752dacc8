package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/SimpnicServerTeam/scs-pggate/internal/config"
	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/pool"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

var (
	_ ServerAuthenticator = (*ServerAuthService)(nil)
	_ pool.Connector      = (*ServerAuthService)(nil)
)

// NewServerAuthService creates a ServerAuthService routing over the
// configured database addresses.
func NewServerAuthService(cfg *config.Config, m *metrics.Metrics) *ServerAuthService {
	return &ServerAuthService{
		cfg:         cfg,
		stepTimeout: cfg.General.HandshakeStepTimeout,
		metrics:     m,
	}
}

// Connect dials and authenticates one backend connection for the key,
// trying each address configured for the database in order. Credential
// details never travel back to the client on failure; callers get the
// taxonomy error only.
func (s *ServerAuthService) Connect(ctx context.Context, key models.BackendKey, auth models.BackendAuth) (*pool.ServerConn, error) {
	addrs := s.cfg.BackendAddrs(key.Database)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no backend configured for database %q", key.Database)
	}
	var lastErr error
	for _, addr := range addrs {
		conn, err := s.connectAddr(ctx, addr, key, auth)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Printf("[ServerAuth.Connect] Backend %s failed for %s: %v", addr, key, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (s *ServerAuthService) connectAddr(ctx context.Context, addr string, key models.BackendKey, auth models.BackendAuth) (*pool.ServerConn, error) {
	start := time.Now()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s: %w", addr, err)
	}
	sc, err := s.handshake(ctx, conn, addr, key, auth)
	s.metrics.HandshakeDuration.WithLabelValues(metrics.RoleServer).Observe(time.Since(start).Seconds())
	if err != nil {
		conn.Close()
		s.metrics.AuthAttempts.WithLabelValues(metrics.RoleServer, outcomeOf(err)).Inc()
		return nil, err
	}
	s.metrics.AuthAttempts.WithLabelValues(metrics.RoleServer, metrics.OutcomeVerified).Inc()
	return sc, nil
}

// handshake drives startup and authentication until the backend reports
// ReadyForQuery. The conversation runs from the plaintext password or,
// when none ever reached the gateway, from recovered key material.
func (s *ServerAuthService) handshake(ctx context.Context, conn net.Conn, addr string, key models.BackendKey, auth models.BackendAuth) (*pool.ServerConn, error) {
	fe := pgproto3.NewFrontend(conn, conn)
	fe.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":             key.User,
			"database":         key.Database,
			"application_name": "pggate",
		},
	})
	if err := fe.Flush(); err != nil {
		return nil, fmt.Errorf("sending startup to %s: %w", addr, err)
	}

	var conv *scram.ClientConversation
	params := make(map[string]string)
	var cancel models.CancelKey

	for {
		if err := ctx.Err(); err != nil {
			return nil, asTimeout(err)
		}
		msg, err := s.receive(conn, fe)
		if err != nil {
			return nil, err
		}

		switch m := msg.(type) {
		case *pgproto3.AuthenticationSASL:
			if conv != nil {
				return nil, fmt.Errorf("%w: repeated SASL offer from %s", ErrProtocol, addr)
			}
			if !offersMechanism(m.AuthMechanisms, scram.MechanismName) {
				return nil, fmt.Errorf("%w: backend %s offers no %s", ErrProtocol, addr, scram.MechanismName)
			}
			if auth.Keys != nil {
				conv = scram.NewKeyClientConversation(key.User, *auth.Keys)
			} else {
				conv = scram.NewClientConversation(key.User, auth.Password)
			}
			fe.Send(&pgproto3.SASLInitialResponse{
				AuthMechanism: scram.MechanismName,
				Data:          []byte(conv.ClientFirst()),
			})
			if err := fe.Flush(); err != nil {
				return nil, fmt.Errorf("sending client-first to %s: %w", addr, err)
			}

		case *pgproto3.AuthenticationSASLContinue:
			if conv == nil {
				return nil, fmt.Errorf("%w: SASL continue before offer from %s", ErrProtocol, addr)
			}
			final, err := conv.HandleServerFirst(string(m.Data))
			if err != nil {
				if errors.Is(err, scram.ErrChallengeMismatch) {
					// Recovered keys are bound to one salt and iteration
					// count; this backend presented another.
					return nil, fmt.Errorf("%w: %v", ErrPassthroughUnavailable, err)
				}
				return nil, fmt.Errorf("%w: server-first from %s: %v", ErrProtocol, addr, err)
			}
			fe.Send(&pgproto3.SASLResponse{Data: []byte(final)})
			if err := fe.Flush(); err != nil {
				return nil, fmt.Errorf("sending client-final to %s: %w", addr, err)
			}

		case *pgproto3.AuthenticationSASLFinal:
			if conv == nil {
				return nil, fmt.Errorf("%w: SASL final before offer from %s", ErrProtocol, addr)
			}
			if err := conv.HandleServerFinal(string(m.Data)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBackendAuthRejected, err)
			}

		case *pgproto3.AuthenticationOk:
			// Acceptable bare (trust) or as the end of a verified SASL
			// exchange. A SASL exchange without a verified signature means
			// the peer never proved it holds the server key.
			if conv != nil && !conv.Verified() {
				return nil, fmt.Errorf("%w: backend %s skipped the server signature", ErrBackendAuthRejected, addr)
			}

		case *pgproto3.AuthenticationCleartextPassword, *pgproto3.AuthenticationMD5Password:
			return nil, fmt.Errorf("%w: backend %s requires an unsupported authentication method", ErrProtocol, addr)

		case *pgproto3.ParameterStatus:
			params[m.Name] = m.Value

		case *pgproto3.BackendKeyData:
			cancel = models.CancelKey{ProcessID: m.ProcessID, SecretKey: m.SecretKey}

		case *pgproto3.NoticeResponse:
			// Startup notices carry nothing the gateway acts on.

		case *pgproto3.ErrorResponse:
			return nil, fmt.Errorf("%w: %s (SQLSTATE %s)", ErrBackendAuthRejected, m.Message, m.Code)

		case *pgproto3.ReadyForQuery:
			if err := conn.SetReadDeadline(time.Time{}); err != nil {
				return nil, err
			}
			return pool.NewServerConn(conn, fe, key, addr, params, cancel), nil

		default:
			return nil, fmt.Errorf("%w: unexpected %T from %s during handshake", ErrProtocol, msg, addr)
		}
	}
}

func (s *ServerAuthService) receive(conn net.Conn, fe *pgproto3.Frontend) (pgproto3.BackendMessage, error) {
	if s.stepTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.stepTimeout)); err != nil {
			return nil, err
		}
	}
	msg, err := fe.Receive()
	if err != nil {
		return nil, asTimeout(err)
	}
	return msg, nil
}

func offersMechanism(mechanisms []string, want string) bool {
	for _, m := range mechanisms {
		if m == want {
			return true
		}
	}
	return false
}
