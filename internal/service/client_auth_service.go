package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

var _ ClientAuthenticator = (*ClientAuthService)(nil)

// ClientVerdict is the outcome of a verified client handshake. The
// server-final message stays off the wire until Complete runs, so the
// client cannot observe success before its backend is ready.
type ClientVerdict struct {
	Startup    models.StartupInfo
	Credential *models.UserCredential
	// Keys is the client-side key set recovered from the verified proof.
	// It can drive a backend handshake when no plaintext is configured.
	Keys *scram.KeyCredential

	serverFinal string
}

// NewClientAuthService creates a ClientAuthService. The pepper keys the
// decoy challenges served for unknown users and should be stable across
// restarts.
func NewClientAuthService(resolver repository.CredentialResolver, pepper string, iterations int, stepTimeout time.Duration, m *metrics.Metrics) *ClientAuthService {
	if iterations < scram.DefaultIterations {
		iterations = scram.DefaultIterations
	}
	return &ClientAuthService{
		resolver:    resolver,
		pepper:      []byte(pepper),
		iterations:  iterations,
		stepTimeout: stepTimeout,
		metrics:     m,
	}
}

// Negotiate runs SCRAM-SHA-256 with the client up to proof verification.
// Nothing about the outcome reaches the wire: a verified exchange waits for
// Complete, a failed one for Reject.
func (s *ClientAuthService) Negotiate(ctx context.Context, conn net.Conn, fe *pgproto3.Backend, startup models.StartupInfo, onResolved func(*models.UserCredential)) (*ClientVerdict, error) {
	start := time.Now()
	verdict, err := s.negotiate(ctx, conn, fe, startup, onResolved)
	s.metrics.HandshakeDuration.WithLabelValues(metrics.RoleClient).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.AuthAttempts.WithLabelValues(metrics.RoleClient, outcomeOf(err)).Inc()
		log.Printf("[ClientAuth.Negotiate] Authentication failed for user '%s' database '%s' from %s: %v",
			startup.User, startup.Database, startup.RemoteAddr, err)
		return nil, err
	}
	s.metrics.AuthAttempts.WithLabelValues(metrics.RoleClient, metrics.OutcomeVerified).Inc()
	log.Printf("[ClientAuth.Negotiate] Verified user '%s' database '%s' from %s (origin %s)",
		startup.User, startup.Database, startup.RemoteAddr, verdict.Credential.Origin)
	return verdict, nil
}

func (s *ClientAuthService) negotiate(ctx context.Context, conn net.Conn, fe *pgproto3.Backend, startup models.StartupInfo, onResolved func(*models.UserCredential)) (*ClientVerdict, error) {
	fe.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{scram.MechanismName}})
	if err := fe.Flush(); err != nil {
		return nil, fmt.Errorf("sending SASL offer: %w", err)
	}

	if err := fe.SetAuthType(pgproto3.AuthTypeSASL); err != nil {
		return nil, err
	}
	msg, err := s.receive(conn, fe)
	if err != nil {
		return nil, err
	}
	initial, ok := msg.(*pgproto3.SASLInitialResponse)
	if !ok {
		return nil, unexpectedClientMessage(msg)
	}
	if initial.AuthMechanism != scram.MechanismName {
		return nil, fmt.Errorf("%w: client selected mechanism %q", ErrProtocol, initial.AuthMechanism)
	}
	first, err := scram.ParseClientFirst(string(initial.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: client-first: %v", ErrProtocol, err)
	}
	// PostgreSQL authenticates the startup-packet user; the SASL header
	// name is informational at best and most clients leave it empty.
	if first.Username != "" && first.Username != startup.User {
		log.Printf("[ClientAuth.Negotiate] SASL username '%s' differs from startup user '%s', using startup user",
			first.Username, startup.User)
	}

	cred, verifier, err := s.resolveVerifier(ctx, startup, onResolved)
	if err != nil {
		return nil, err
	}

	conv := scram.NewServerConversation(first, *verifier)
	fe.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(conv.ServerFirst())})
	if err := fe.Flush(); err != nil {
		return nil, fmt.Errorf("sending server-first: %w", err)
	}

	if err := fe.SetAuthType(pgproto3.AuthTypeSASLContinue); err != nil {
		return nil, err
	}
	msg, err = s.receive(conn, fe)
	if err != nil {
		return nil, err
	}
	response, ok := msg.(*pgproto3.SASLResponse)
	if !ok {
		return nil, unexpectedClientMessage(msg)
	}
	serverFinal, err := conv.HandleClientFinal(string(response.Data))
	if cred == nil {
		// Decoy exchange for an unknown user. The proof can never verify
		// against pepper-derived keys; fold whatever happened into the
		// not-found outcome.
		return nil, fmt.Errorf("%w: user %q database %q", repository.ErrCredentialNotFound, startup.User, startup.Database)
	}
	if err != nil {
		return nil, err
	}

	return &ClientVerdict{
		Startup:    startup,
		Credential: cred,
		Keys: &scram.KeyCredential{
			ClientKey:  conv.RecoveredClientKey(),
			StoredKey:  verifier.StoredKey,
			ServerKey:  verifier.ServerKey,
			Salt:       verifier.Salt,
			Iterations: verifier.Iterations,
		},
		serverFinal: serverFinal,
	}, nil
}

// resolveVerifier looks up the credential for the startup user. Unknown
// users get a nil credential and a decoy verifier so the exchange runs its
// full course and fails indistinguishably.
func (s *ClientAuthService) resolveVerifier(ctx context.Context, startup models.StartupInfo, onResolved func(*models.UserCredential)) (*models.UserCredential, *scram.Verifier, error) {
	cred, err := s.resolver.Resolve(ctx, startup.User, startup.Database)
	switch {
	case err == nil:
		if cred.Verifier == nil {
			return nil, nil, fmt.Errorf("credential for %q has no verifier", startup.User)
		}
		if onResolved != nil {
			onResolved(cred)
		}
		return cred, cred.Verifier, nil
	case errors.Is(err, repository.ErrCredentialNotFound), errors.Is(err, ErrPassthroughUnavailable):
		log.Printf("[ClientAuth.Negotiate] No credential for user '%s' database '%s', serving decoy challenge: %v",
			startup.User, startup.Database, err)
		verifier, derr := s.decoyVerifier(startup.User)
		if derr != nil {
			return nil, nil, derr
		}
		return nil, verifier, nil
	default:
		return nil, nil, fmt.Errorf("resolving credential for %q: %w", startup.User, err)
	}
}

// decoyVerifier builds a stable pepper-keyed verifier for an unknown user.
// The salt is a pure function of the username, so repeated probes observe
// the same challenge a real entry would produce.
func (s *ClientAuthService) decoyVerifier(username string) (*scram.Verifier, error) {
	salt := hmacSHA256(s.pepper, "salt:"+username)[:16]
	secret := hex.EncodeToString(hmacSHA256(s.pepper, "secret:"+username))
	verifier, err := scram.NewVerifier(secret, salt, s.iterations)
	if err != nil {
		return nil, fmt.Errorf("deriving decoy verifier: %w", err)
	}
	return &verifier, nil
}

// Complete releases the withheld tail of a verified exchange and hands the
// socket over in a ready state.
func (s *ClientAuthService) Complete(conn net.Conn, fe *pgproto3.Backend, verdict *ClientVerdict, params map[string]string, cancel models.CancelKey) error {
	fe.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(verdict.serverFinal)})
	fe.Send(&pgproto3.AuthenticationOk{})
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fe.Send(&pgproto3.ParameterStatus{Name: name, Value: params[name]})
	}
	fe.Send(&pgproto3.BackendKeyData{ProcessID: cancel.ProcessID, SecretKey: cancel.SecretKey})
	fe.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := fe.Flush(); err != nil {
		return fmt.Errorf("completing client handshake: %w", err)
	}
	return conn.SetReadDeadline(time.Time{})
}

// Reject reports the one generic authentication failure, regardless of
// what actually went wrong.
func (s *ClientAuthService) Reject(conn net.Conn, fe *pgproto3.Backend, username string) {
	fe.Send(&pgproto3.ErrorResponse{
		Severity:            "FATAL",
		SeverityUnlocalized: "FATAL",
		Code:                pgerrcode.InvalidPassword,
		Message:             fmt.Sprintf("password authentication failed for user %q", username),
	})
	if err := fe.Flush(); err != nil {
		log.Printf("[ClientAuth.Reject] Failed to notify client: %v", err)
	}
}

func (s *ClientAuthService) receive(conn net.Conn, fe *pgproto3.Backend) (pgproto3.FrontendMessage, error) {
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

func unexpectedClientMessage(msg pgproto3.FrontendMessage) error {
	if _, ok := msg.(*pgproto3.Terminate); ok {
		return fmt.Errorf("%w: client terminated during authentication", ErrProtocol)
	}
	return fmt.Errorf("%w: unexpected %T during authentication", ErrProtocol, msg)
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
