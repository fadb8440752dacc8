package service

import (
	"context"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/SimpnicServerTeam/scs-pggate/internal/config"
	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/pool"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
)

// ClientAuthService runs the server role of SCRAM-SHA-256 toward
// connecting clients.
type ClientAuthService struct {
	resolver    repository.CredentialResolver
	pepper      []byte
	iterations  int
	stepTimeout time.Duration
	metrics     *metrics.Metrics
}

// ServerAuthService runs the client role of SCRAM-SHA-256 toward backend
// servers and produces pooled connections.
type ServerAuthService struct {
	cfg         *config.Config
	stepTimeout time.Duration
	metrics     *metrics.Metrics
}

// BridgeService pairs the two authenticators for one client connection and
// enforces that the backend verifies before the client is told anything.
type BridgeService struct {
	clientAuth  ClientAuthenticator
	pools       BackendAcquirer
	registry    SessionRegistrar
	invalidator VerifierInvalidator
	eager       bool
	metrics     *metrics.Metrics
}

// PassthroughService resolves client credentials live from the backend's
// system catalog instead of a local store.
type PassthroughService struct {
	cache         repository.VerifierCache
	pools         BackendAcquirer
	user          string
	password      string
	loginDatabase string
	metrics       *metrics.Metrics
}

// AdminService backs the admin HTTP surface.
type AdminService struct {
	store    repository.CredentialStore
	pools    PoolInspector
	sessions SessionLister
	cfg      *config.Config
	metrics  *metrics.Metrics
}

// TokenService handles JWT generation
type TokenService struct {
	jwtSecret []byte
	ttl       time.Duration
}

// ClientAuthenticator drives the SCRAM exchange with a connecting client
// over its socket. The exchange is split so a caller can gate the final
// messages on backend-side success.
type ClientAuthenticator interface {
	// Negotiate runs the exchange through proof verification and stops
	// before anything observable is sent about the outcome. onResolved,
	// when non-nil, fires as soon as the credential lookup succeeds.
	Negotiate(ctx context.Context, conn net.Conn, fe *pgproto3.Backend, startup models.StartupInfo, onResolved func(*models.UserCredential)) (*ClientVerdict, error)
	// Complete releases the withheld tail of a verified exchange:
	// server-final, AuthenticationOk, parameter statuses, the cancel key
	// and ReadyForQuery.
	Complete(conn net.Conn, fe *pgproto3.Backend, verdict *ClientVerdict, params map[string]string, cancel models.CancelKey) error
	// Reject sends the one generic authentication failure. Every failure
	// class looks identical on the wire.
	Reject(conn net.Conn, fe *pgproto3.Backend, username string)
}

// ServerAuthenticator opens and authenticates one backend connection.
// It doubles as the pool's Connector.
type ServerAuthenticator interface {
	Connect(ctx context.Context, key models.BackendKey, auth models.BackendAuth) (*pool.ServerConn, error)
}

// SessionBridge authenticates a client connection end to end and owns the
// resulting session's lifecycle bookkeeping.
type SessionBridge interface {
	Establish(ctx context.Context, conn net.Conn, fe *pgproto3.Backend, startup models.StartupInfo) (*AuthenticatedSession, error)
	// Finish releases the session's backend connection and registry entry.
	// healthy reports whether the backend is still usable for pooling.
	Finish(session *AuthenticatedSession, healthy bool)
}

// BackendAcquirer checks backend connections in and out of their keyed
// pools. pool.Manager satisfies it.
type BackendAcquirer interface {
	Acquire(ctx context.Context, key models.BackendKey, auth models.BackendAuth) (*pool.ServerConn, error)
	Release(conn *pool.ServerConn)
	Discard(conn *pool.ServerConn)
}

// PoolInspector exposes point-in-time pool statistics. pool.Manager
// satisfies it.
type PoolInspector interface {
	Stats() []models.PoolStats
}

// SessionRegistrar issues gateway cancel keys and tracks live sessions by
// them.
type SessionRegistrar interface {
	Register(session *AuthenticatedSession) models.CancelKey
	Unregister(id string)
}

// SessionLister enumerates live sessions for the admin surface.
type SessionLister interface {
	Sessions() []*models.ClientSession
}

// VerifierInvalidator drops cached passthrough state after a failed proof,
// so a password change on the backend is picked up on the next attempt.
type VerifierInvalidator interface {
	InvalidateVerifier(ctx context.Context, name, database string) error
}

// GatewayAdmin serves the authenticated admin API.
type GatewayAdmin interface {
	Pools() models.GetPoolStatsResponse
	Clients() models.GetClientSessionsResponse
	ReloadUsers(ctx context.Context) (models.ReloadResponse, error)
	Summary() models.ConfigSummary
}

type TokenGenerator interface {
	GenerateToken(username string) (string, time.Time, error)
	ValidateToken(tokenString string) (string, error)
}

var (
	_ BackendAcquirer = (*pool.Manager)(nil)
	_ PoolInspector   = (*pool.Manager)(nil)
)
