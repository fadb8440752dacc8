package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpnicServerTeam/scs-pggate/internal/config"
	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// fakeBackendOpts scripts the server side of one backend handshake.
type fakeBackendOpts struct {
	verifier      *scram.Verifier
	trust         bool
	mechanisms    []string
	rejectStartup bool
	skipFinal     bool
	garbleFinal   bool
	md5           bool
	params        map[string]string
	cancel        models.CancelKey
}

// startFakeBackend listens for a single connection and plays a PostgreSQL
// server per opts. Startup parameters received from the gateway are posted to
// the returned channel.
func startFakeBackend(t *testing.T, opts fakeBackendOpts) (string, <-chan map[string]string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	quit := make(chan struct{})
	t.Cleanup(func() {
		close(quit)
		ln.Close()
	})

	startups := make(chan map[string]string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if err := runFakeExchange(conn, opts, startups); err != nil {
			return
		}
		// Hold the socket open so a successful handshake yields a usable
		// connection for the rest of the test.
		<-quit
	}()
	return ln.Addr().String(), startups
}

func runFakeExchange(conn net.Conn, opts fakeBackendOpts, startups chan<- map[string]string) error {
	be := pgproto3.NewBackend(conn, conn)
	raw, err := be.ReceiveStartupMessage()
	if err != nil {
		return err
	}
	startup, ok := raw.(*pgproto3.StartupMessage)
	if !ok {
		return fmt.Errorf("expected StartupMessage, got %T", raw)
	}
	startups <- startup.Parameters

	if opts.rejectStartup {
		be.Send(&pgproto3.ErrorResponse{
			Severity: "FATAL",
			Code:     "28000",
			Message:  fmt.Sprintf("pg_hba.conf rejects connection for user %q", startup.Parameters["user"]),
		})
		return be.Flush()
	}
	if opts.md5 {
		be.Send(&pgproto3.AuthenticationMD5Password{Salt: [4]byte{1, 2, 3, 4}})
		return be.Flush()
	}

	if !opts.trust {
		mechanisms := opts.mechanisms
		if mechanisms == nil {
			mechanisms = []string{scram.MechanismName}
		}
		be.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: mechanisms})
		if err := be.Flush(); err != nil {
			return err
		}

		if err := be.SetAuthType(pgproto3.AuthTypeSASL); err != nil {
			return err
		}
		raw, err := be.Receive()
		if err != nil {
			return err
		}
		initial, ok := raw.(*pgproto3.SASLInitialResponse)
		if !ok {
			return fmt.Errorf("expected SASLInitialResponse, got %T", raw)
		}
		first, err := scram.ParseClientFirst(string(initial.Data))
		if err != nil {
			return err
		}

		conv := scram.NewServerConversation(first, *opts.verifier)
		be.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(conv.ServerFirst())})
		if err := be.Flush(); err != nil {
			return err
		}

		if err := be.SetAuthType(pgproto3.AuthTypeSASLContinue); err != nil {
			return err
		}
		raw, err = be.Receive()
		if err != nil {
			return err
		}
		response, ok := raw.(*pgproto3.SASLResponse)
		if !ok {
			return fmt.Errorf("expected SASLResponse, got %T", raw)
		}
		final, err := conv.HandleClientFinal(string(response.Data))
		if err != nil {
			be.Send(&pgproto3.ErrorResponse{
				Severity: "FATAL",
				Code:     "28P01",
				Message:  fmt.Sprintf("password authentication failed for user %q", startup.Parameters["user"]),
			})
			return be.Flush()
		}
		switch {
		case opts.skipFinal:
		case opts.garbleFinal:
			garbage := base64.StdEncoding.EncodeToString([]byte("not-the-real-server-signature"))
			be.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte("v=" + garbage)})
		default:
			be.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(final)})
		}
	}

	be.Send(&pgproto3.AuthenticationOk{})
	for name, value := range opts.params {
		be.Send(&pgproto3.ParameterStatus{Name: name, Value: value})
	}
	be.Send(&pgproto3.BackendKeyData{ProcessID: opts.cancel.ProcessID, SecretKey: opts.cancel.SecretKey})
	be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return be.Flush()
}

// backendConfig routes database to the given addresses in order.
func backendConfig(t *testing.T, database string, addrs ...string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.General.HandshakeStepTimeout = 2 * time.Second
	for _, addr := range addrs {
		host, portStr, err := net.SplitHostPort(addr)
		require.NoError(t, err)
		port, err := strconv.Atoi(portStr)
		require.NoError(t, err)
		cfg.Databases = append(cfg.Databases, config.DatabaseConfig{Name: database, Host: host, Port: port})
	}
	return cfg
}

func TestServerAuthService_Connect(t *testing.T) {
	salt := []byte("fedcba9876543210")
	verifier, err := scram.NewVerifier("hunter2", salt, scram.DefaultIterations)
	require.NoError(t, err)
	key := models.BackendKey{User: "pgdog", Password: "hunter2", Database: "pgdog"}

	t.Run("PasswordHandshake", func(t *testing.T) {
		addr, startups := startFakeBackend(t, fakeBackendOpts{
			verifier: &verifier,
			params:   map[string]string{"server_version": "16.3", "client_encoding": "UTF8"},
			cancel:   models.CancelKey{ProcessID: 4242, SecretKey: 0xfeedface},
		})
		svc := NewServerAuthService(backendConfig(t, "pgdog", addr), newTestMetrics())

		conn, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		require.NoError(t, err)
		defer conn.Close()

		assert.Equal(t, key, conn.Key())
		assert.Equal(t, addr, conn.Addr())
		assert.Equal(t, "16.3", conn.Parameters()["server_version"])
		assert.Equal(t, models.CancelKey{ProcessID: 4242, SecretKey: 0xfeedface}, conn.CancelInfo())

		startup := <-startups
		assert.Equal(t, "pgdog", startup["user"])
		assert.Equal(t, "pgdog", startup["database"])
		assert.Equal(t, "pggate", startup["application_name"])
	})

	t.Run("KeyedHandshake", func(t *testing.T) {
		addr, _ := startFakeBackend(t, fakeBackendOpts{verifier: &verifier})
		svc := NewServerAuthService(backendConfig(t, "pgdog", addr), newTestMetrics())

		// No plaintext anywhere: the conversation runs on key material alone.
		salted, err := scram.SaltedPassword("hunter2", salt, scram.DefaultIterations)
		require.NoError(t, err)
		keys := scram.DeriveKeyCredential(salted, salt, scram.DefaultIterations)

		conn, err := svc.Connect(context.Background(), key, models.BackendAuth{Keys: &keys})
		require.NoError(t, err)
		conn.Close()
	})

	t.Run("KeyedHandshakeSaltMismatch", func(t *testing.T) {
		otherSalt := []byte("0000000000000000")
		otherVerifier, err := scram.NewVerifier("hunter2", otherSalt, scram.DefaultIterations)
		require.NoError(t, err)
		addr, _ := startFakeBackend(t, fakeBackendOpts{verifier: &otherVerifier})
		svc := NewServerAuthService(backendConfig(t, "pgdog", addr), newTestMetrics())

		salted, err := scram.SaltedPassword("hunter2", salt, scram.DefaultIterations)
		require.NoError(t, err)
		keys := scram.DeriveKeyCredential(salted, salt, scram.DefaultIterations)

		_, err = svc.Connect(context.Background(), key, models.BackendAuth{Keys: &keys})
		assert.ErrorIs(t, err, ErrPassthroughUnavailable,
			"recovered keys cannot answer a challenge with a different salt")
	})

	t.Run("WrongPassword", func(t *testing.T) {
		addr, _ := startFakeBackend(t, fakeBackendOpts{verifier: &verifier})
		svc := NewServerAuthService(backendConfig(t, "pgdog", addr), newTestMetrics())

		_, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "letmein"})
		require.ErrorIs(t, err, ErrBackendAuthRejected)
		assert.Contains(t, err.Error(), "28P01")
	})

	t.Run("TrustBackend", func(t *testing.T) {
		addr, _ := startFakeBackend(t, fakeBackendOpts{trust: true, params: map[string]string{"server_version": "16.3"}})
		svc := NewServerAuthService(backendConfig(t, "pgdog", addr), newTestMetrics())

		conn, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		require.NoError(t, err)
		conn.Close()
	})

	t.Run("GarbledServerSignature", func(t *testing.T) {
		addr, _ := startFakeBackend(t, fakeBackendOpts{verifier: &verifier, garbleFinal: true})
		svc := NewServerAuthService(backendConfig(t, "pgdog", addr), newTestMetrics())

		_, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		assert.ErrorIs(t, err, ErrBackendAuthRejected)
	})

	t.Run("SkippedServerSignature", func(t *testing.T) {
		addr, _ := startFakeBackend(t, fakeBackendOpts{verifier: &verifier, skipFinal: true})
		svc := NewServerAuthService(backendConfig(t, "pgdog", addr), newTestMetrics())

		_, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		require.ErrorIs(t, err, ErrBackendAuthRejected)
		assert.Contains(t, err.Error(), "skipped the server signature")
	})

	t.Run("UnsupportedAuthRequest", func(t *testing.T) {
		addr, _ := startFakeBackend(t, fakeBackendOpts{md5: true})
		svc := NewServerAuthService(backendConfig(t, "pgdog", addr), newTestMetrics())

		_, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("OfferWithoutScram", func(t *testing.T) {
		addr, _ := startFakeBackend(t, fakeBackendOpts{verifier: &verifier, mechanisms: []string{"SCRAM-SHA-256-PLUS"}})
		svc := NewServerAuthService(backendConfig(t, "pgdog", addr), newTestMetrics())

		_, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("FailoverToSecondAddress", func(t *testing.T) {
		// A listener that is already closed again yields a dial failure.
		dead, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		deadAddr := dead.Addr().String()
		dead.Close()

		addr, _ := startFakeBackend(t, fakeBackendOpts{verifier: &verifier})
		svc := NewServerAuthService(backendConfig(t, "pgdog", deadAddr, addr), newTestMetrics())

		conn, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, addr, conn.Addr())
	})

	t.Run("FailoverAfterStartupReject", func(t *testing.T) {
		rejecting, _ := startFakeBackend(t, fakeBackendOpts{rejectStartup: true})
		healthy, _ := startFakeBackend(t, fakeBackendOpts{verifier: &verifier})
		svc := NewServerAuthService(backendConfig(t, "pgdog", rejecting, healthy), newTestMetrics())

		conn, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, healthy, conn.Addr())
	})

	t.Run("NoAddressesConfigured", func(t *testing.T) {
		svc := NewServerAuthService(backendConfig(t, "other"), newTestMetrics())

		_, err := svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no backend configured")
	})

	t.Run("DialFailure", func(t *testing.T) {
		dead, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		deadAddr := dead.Addr().String()
		dead.Close()

		svc := NewServerAuthService(backendConfig(t, "pgdog", deadAddr), newTestMetrics())
		_, err = svc.Connect(context.Background(), key, models.BackendAuth{Password: "hunter2"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dialing backend")
	})
}
