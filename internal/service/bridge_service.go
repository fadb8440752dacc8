package service

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/pool"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

var _ SessionBridge = (*BridgeService)(nil)

// AuthenticatedSession ties a verified client to its verified backend
// connection for the lifetime of the relay.
type AuthenticatedSession struct {
	ID         string
	User       string
	Database   string
	Origin     string
	RemoteAddr string
	StartedAt  time.Time

	Credential *models.UserCredential
	CancelKey  models.CancelKey
	Server     *pool.ServerConn
}

// ClientInfo renders the session for the admin surface.
func (s *AuthenticatedSession) ClientInfo() *models.ClientSession {
	return &models.ClientSession{
		SessionID:   s.ID,
		User:        s.User,
		Database:    s.Database,
		BackendUser: s.Credential.BackendUser(),
		Host:        s.RemoteAddr,
		Origin:      s.Origin,
		CreatedAt:   s.StartedAt,
	}
}

// NewBridgeService creates a BridgeService. invalidator may be nil when the
// credential source has no cache to flush.
func NewBridgeService(clientAuth ClientAuthenticator, pools BackendAcquirer, registry SessionRegistrar, invalidator VerifierInvalidator, eager bool, m *metrics.Metrics) *BridgeService {
	return &BridgeService{
		clientAuth:  clientAuth,
		pools:       pools,
		registry:    registry,
		invalidator: invalidator,
		eager:       eager,
		metrics:     m,
	}
}

type backendResult struct {
	conn *pool.ServerConn
	err  error
}

// Establish runs both handshakes for one client connection and joins them.
// The client's success messages are withheld until its backend connection
// is verified; a backend failure reads exactly like a bad password.
func (b *BridgeService) Establish(ctx context.Context, conn net.Conn, fe *pgproto3.Backend, startup models.StartupInfo) (*AuthenticatedSession, error) {
	eagerCh := make(chan backendResult, 1)
	eagerLaunched := false

	onResolved := func(cred *models.UserCredential) {
		// Keyed reuse needs material recovered from the client proof, so
		// only plaintext-backed credentials can warm up early.
		if !b.eager || cred.BackendPassword() == "" {
			return
		}
		eagerLaunched = true
		key, auth := backendTarget(cred, nil)
		go func() {
			sc, err := b.pools.Acquire(ctx, key, auth)
			eagerCh <- backendResult{conn: sc, err: err}
		}()
	}

	verdict, err := b.clientAuth.Negotiate(ctx, conn, fe, startup, onResolved)
	if err != nil {
		if eagerLaunched {
			go b.reapEager(eagerCh)
		}
		if errors.Is(err, scram.ErrProofMismatch) && b.invalidator != nil {
			// The cached verifier may predate a password change; drop it
			// so the next attempt resolves live.
			b.invalidate(startup.User, startup.Database)
		}
		b.clientAuth.Reject(conn, fe, startup.User)
		return nil, err
	}

	var res backendResult
	if eagerLaunched {
		res = <-eagerCh
	} else {
		key, auth := backendTarget(verdict.Credential, verdict.Keys)
		res.conn, res.err = b.pools.Acquire(ctx, key, auth)
	}
	if res.err != nil {
		log.Printf("[Bridge.Establish] ERROR: Backend side failed for user '%s' database '%s': %v",
			startup.User, startup.Database, res.err)
		b.clientAuth.Reject(conn, fe, startup.User)
		return nil, res.err
	}

	session := &AuthenticatedSession{
		ID:         uuid.NewString(),
		User:       startup.User,
		Database:   startup.Database,
		Origin:     verdict.Credential.Origin,
		RemoteAddr: startup.RemoteAddr,
		StartedAt:  time.Now(),
		Credential: verdict.Credential,
		Server:     res.conn,
	}
	session.CancelKey = b.registry.Register(session)

	if err := b.clientAuth.Complete(conn, fe, verdict, res.conn.Parameters(), session.CancelKey); err != nil {
		log.Printf("[Bridge.Establish] ERROR: Completing client handshake for user '%s': %v", startup.User, err)
		b.registry.Unregister(session.ID)
		b.pools.Release(res.conn)
		return nil, err
	}

	b.metrics.ClientSessions.Inc()
	log.Printf("[Bridge.Establish] SUCCESS: Session %s established for user '%s' database '%s' via %s",
		session.ID, session.User, session.Database, res.conn.Addr())
	return session, nil
}

// Finish tears down an established session. A healthy backend is reset and
// pooled for reuse; anything else is discarded.
func (b *BridgeService) Finish(session *AuthenticatedSession, healthy bool) {
	b.registry.Unregister(session.ID)
	b.metrics.ClientSessions.Dec()

	if !healthy {
		b.pools.Discard(session.Server)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Server.Reset(ctx); err != nil {
		log.Printf("[Bridge.Finish] Backend reset failed for session %s, discarding: %v", session.ID, err)
		b.pools.Discard(session.Server)
		return
	}
	b.pools.Release(session.Server)
}

// reapEager disposes of a warm-up backend whose client never made it.
func (b *BridgeService) reapEager(ch <-chan backendResult) {
	if res := <-ch; res.conn != nil {
		b.pools.Discard(res.conn)
	}
}

func (b *BridgeService) invalidate(name, database string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.invalidator.InvalidateVerifier(ctx, name, database); err != nil {
		log.Printf("[Bridge.Establish] Verifier invalidation failed for '%s': %v", name, err)
	}
}

// backendTarget derives the pool key and handshake material a credential
// resolves to. keys substitute for a missing plaintext.
func backendTarget(cred *models.UserCredential, keys *scram.KeyCredential) (models.BackendKey, models.BackendAuth) {
	key := models.BackendKeyFor(cred)
	auth := models.BackendAuth{Password: cred.BackendPassword()}
	if auth.Password == "" {
		auth.Keys = keys
	}
	return key, auth
}
