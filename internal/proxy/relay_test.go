package proxy

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/pool"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

// startRelayedSession runs a relay between two scripted peers over in-memory
// pipes. The client script speaks the frontend protocol, the backend script
// the backend protocol; each reports its outcome on its channel.
func startRelayedSession(t *testing.T,
	clientScript func(conn net.Conn, fe *pgproto3.Frontend) error,
	backendScript func(conn net.Conn, be *pgproto3.Backend) error) (<-chan bool, <-chan error, <-chan error) {
	t.Helper()

	clientNet, gatewayClient := net.Pipe()
	backendNet, gatewayBackend := net.Pipe()
	t.Cleanup(func() {
		clientNet.Close()
		gatewayClient.Close()
		backendNet.Close()
		gatewayBackend.Close()
	})

	session := &service.AuthenticatedSession{
		ID:         "relay-test",
		User:       "pgdog",
		Database:   "pgdog",
		Origin:     models.OriginLocal,
		Credential: &models.UserCredential{Name: "pgdog", Database: "pgdog", Origin: models.OriginLocal},
		Server: pool.NewServerConn(gatewayBackend, pgproto3.NewFrontend(gatewayBackend, gatewayBackend),
			models.BackendKey{User: "pgdog", Database: "pgdog"}, "127.0.0.1:5432", nil, models.CancelKey{}),
	}

	healthy := make(chan bool, 1)
	clientErrs := make(chan error, 1)
	backendErrs := make(chan error, 1)
	go func() {
		healthy <- newRelay(gatewayClient, pgproto3.NewBackend(gatewayClient, gatewayClient), session).run()
	}()
	go func() { clientErrs <- clientScript(clientNet, pgproto3.NewFrontend(clientNet, clientNet)) }()
	go func() { backendErrs <- backendScript(backendNet, pgproto3.NewBackend(backendNet, backendNet)) }()
	return healthy, clientErrs, backendErrs
}

func recvHealthy(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("relay never finished")
		return false
	}
}

func recvScript(t *testing.T, ch <-chan error, who string) {
	t.Helper()
	select {
	case err := <-ch:
		require.NoError(t, err, "%s script failed", who)
	case <-time.After(3 * time.Second):
		t.Fatalf("%s script never finished", who)
	}
}

// expectQuery reads one message and checks it is the given simple query.
func expectQuery(be *pgproto3.Backend, sql string) error {
	msg, err := be.Receive()
	if err != nil {
		return fmt.Errorf("reading query: %w", err)
	}
	q, ok := msg.(*pgproto3.Query)
	if !ok {
		return fmt.Errorf("expected Query, got %T", msg)
	}
	if q.String != sql {
		return fmt.Errorf("expected %q, got %q", sql, q.String)
	}
	return nil
}

// readToReady drains backend messages until ReadyForQuery, returning its
// transaction status.
func readToReady(fe *pgproto3.Frontend) (byte, []pgproto3.BackendMessage, error) {
	var seen []pgproto3.BackendMessage
	for {
		msg, err := fe.Receive()
		if err != nil {
			return 0, seen, err
		}
		if ready, ok := msg.(*pgproto3.ReadyForQuery); ok {
			return ready.TxStatus, seen, nil
		}
		seen = append(seen, msg)
	}
}

func TestRelay_TerminateLeavesIdleBackendHealthy(t *testing.T) {
	healthy, clientErrs, backendErrs := startRelayedSession(t,
		func(conn net.Conn, fe *pgproto3.Frontend) error {
			fe.Send(&pgproto3.Query{String: "SELECT 1"})
			if err := fe.Flush(); err != nil {
				return err
			}
			var sawRow bool
			for {
				msg, err := fe.Receive()
				if err != nil {
					return fmt.Errorf("reading response: %w", err)
				}
				switch m := msg.(type) {
				case *pgproto3.DataRow:
					if len(m.Values) == 1 && string(m.Values[0]) == "1" {
						sawRow = true
					}
				case *pgproto3.ReadyForQuery:
					if m.TxStatus != 'I' {
						return fmt.Errorf("expected idle status, got %c", m.TxStatus)
					}
					if !sawRow {
						return errors.New("data row never arrived")
					}
					fe.Send(&pgproto3.Terminate{})
					return fe.Flush()
				}
			}
		},
		func(conn net.Conn, be *pgproto3.Backend) error {
			if err := expectQuery(be, "SELECT 1"); err != nil {
				return err
			}
			be.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
				{Name: []byte("?column?"), DataTypeOID: 23, DataTypeSize: 4, TypeModifier: -1},
			}})
			be.Send(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}})
			be.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
			be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := be.Flush(); err != nil {
				return err
			}
			// Terminate must never arrive here; the connection is being
			// kept for the pool.
			conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			if _, err := be.Receive(); err == nil {
				return errors.New("received a message after the client terminated")
			} else if !isDeadlineErr(err) {
				return fmt.Errorf("expected a quiet line, got: %w", err)
			}
			return nil
		})

	assert.True(t, recvHealthy(t, healthy))
	recvScript(t, clientErrs, "client")
	recvScript(t, backendErrs, "backend")
}

func TestRelay_TerminateMidTransactionIsUnhealthy(t *testing.T) {
	healthy, clientErrs, backendErrs := startRelayedSession(t,
		func(conn net.Conn, fe *pgproto3.Frontend) error {
			fe.Send(&pgproto3.Query{String: "BEGIN"})
			if err := fe.Flush(); err != nil {
				return err
			}
			status, _, err := readToReady(fe)
			if err != nil {
				return err
			}
			if status != 'T' {
				return fmt.Errorf("expected in-transaction status, got %c", status)
			}
			fe.Send(&pgproto3.Terminate{})
			return fe.Flush()
		},
		func(conn net.Conn, be *pgproto3.Backend) error {
			if err := expectQuery(be, "BEGIN"); err != nil {
				return err
			}
			be.Send(&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")})
			be.Send(&pgproto3.ReadyForQuery{TxStatus: 'T'})
			return be.Flush()
		})

	assert.False(t, recvHealthy(t, healthy), "a backend abandoned mid-transaction must not be pooled")
	recvScript(t, clientErrs, "client")
	recvScript(t, backendErrs, "backend")
}

func TestRelay_NonFatalErrorFlowsThrough(t *testing.T) {
	healthy, clientErrs, backendErrs := startRelayedSession(t,
		func(conn net.Conn, fe *pgproto3.Frontend) error {
			fe.Send(&pgproto3.Query{String: "SELECT * FROM missing"})
			if err := fe.Flush(); err != nil {
				return err
			}
			status, seen, err := readToReady(fe)
			if err != nil {
				return err
			}
			if status != 'I' {
				return fmt.Errorf("expected idle status, got %c", status)
			}
			for _, msg := range seen {
				if e, ok := msg.(*pgproto3.ErrorResponse); ok && e.Code == "42P01" {
					fe.Send(&pgproto3.Terminate{})
					return fe.Flush()
				}
			}
			return errors.New("error response never arrived")
		},
		func(conn net.Conn, be *pgproto3.Backend) error {
			if err := expectQuery(be, "SELECT * FROM missing"); err != nil {
				return err
			}
			be.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42P01", Message: `relation "missing" does not exist`})
			be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			return be.Flush()
		})

	assert.True(t, recvHealthy(t, healthy), "an ordinary query error leaves the backend reusable")
	recvScript(t, clientErrs, "client")
	recvScript(t, backendErrs, "backend")
}

func TestRelay_BackendFatalErrorEndsSession(t *testing.T) {
	healthy, clientErrs, backendErrs := startRelayedSession(t,
		func(conn net.Conn, fe *pgproto3.Frontend) error {
			fe.Send(&pgproto3.Query{String: "SELECT pg_sleep(60)"})
			if err := fe.Flush(); err != nil {
				return err
			}
			msg, err := fe.Receive()
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			e, ok := msg.(*pgproto3.ErrorResponse)
			if !ok {
				return fmt.Errorf("expected ErrorResponse, got %T", msg)
			}
			if e.Severity != "FATAL" || e.Code != "57P01" {
				return fmt.Errorf("unexpected error %s/%s", e.Severity, e.Code)
			}
			// The relay closes the client socket after relaying the fatal.
			conn.SetReadDeadline(time.Now().Add(time.Second))
			if _, err := fe.Receive(); err == nil {
				return errors.New("connection stayed open after a fatal backend error")
			}
			return nil
		},
		func(conn net.Conn, be *pgproto3.Backend) error {
			if err := expectQuery(be, "SELECT pg_sleep(60)"); err != nil {
				return err
			}
			be.Send(&pgproto3.ErrorResponse{
				Severity: "FATAL",
				Code:     "57P01",
				Message:  "terminating connection due to administrator command",
			})
			if err := be.Flush(); err != nil {
				return err
			}
			return conn.Close()
		})

	assert.False(t, recvHealthy(t, healthy))
	recvScript(t, clientErrs, "client")
	recvScript(t, backendErrs, "backend")
}

func TestRelay_ClientDisconnectWhileIdleKeepsBackend(t *testing.T) {
	healthy, clientErrs, backendErrs := startRelayedSession(t,
		func(conn net.Conn, fe *pgproto3.Frontend) error {
			return conn.Close()
		},
		func(conn net.Conn, be *pgproto3.Backend) error {
			conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
			if _, err := be.Receive(); err == nil {
				return errors.New("backend was touched by a client that sent nothing")
			} else if !isDeadlineErr(err) {
				return fmt.Errorf("expected a quiet line, got: %w", err)
			}
			return nil
		})

	assert.True(t, recvHealthy(t, healthy), "a client that vanished while idle leaves the backend clean")
	recvScript(t, clientErrs, "client")
	recvScript(t, backendErrs, "backend")
}

func TestRelay_ClientVanishesMidQueryDiscardsBackend(t *testing.T) {
	healthy, clientErrs, backendErrs := startRelayedSession(t,
		func(conn net.Conn, fe *pgproto3.Frontend) error {
			fe.Send(&pgproto3.Query{String: "UPDATE stock SET n = n - 1"})
			if err := fe.Flush(); err != nil {
				return err
			}
			return conn.Close()
		},
		func(conn net.Conn, be *pgproto3.Backend) error {
			// Receive the query but never answer; the response is still
			// outstanding when the client goes away.
			return expectQuery(be, "UPDATE stock SET n = n - 1")
		})

	assert.False(t, recvHealthy(t, healthy), "a backend with a response in flight must not be pooled")
	recvScript(t, clientErrs, "client")
	recvScript(t, backendErrs, "backend")
}
