package pool

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
)

const cancelRequestCode = 80877102

// ServerConn is one authenticated physical connection to a backend server.
// It is owned by at most one session at a time; the pool enforces exclusive
// checkout, so methods are not concurrency-safe.
type ServerConn struct {
	id       string
	key      models.BackendKey
	addr     string
	conn     net.Conn
	frontend *pgproto3.Frontend

	// Session facts collected during the handshake. Parameters are the
	// ParameterStatus values the backend reported; cancel is its
	// BackendKeyData, used to abort queries out of band.
	parameters map[string]string
	cancel     models.CancelKey

	createdAt  time.Time
	returnedAt time.Time
}

// NewServerConn wraps an already authenticated backend socket. The caller
// hands over the frontend it ran the handshake on.
func NewServerConn(conn net.Conn, frontend *pgproto3.Frontend, key models.BackendKey, addr string,
	parameters map[string]string, cancel models.CancelKey) *ServerConn {
	if parameters == nil {
		parameters = make(map[string]string)
	}
	return &ServerConn{
		id:         uuid.NewString(),
		key:        key,
		addr:       addr,
		conn:       conn,
		frontend:   frontend,
		parameters: parameters,
		cancel:     cancel,
		createdAt:  time.Now(),
	}
}

func (c *ServerConn) ID() string                    { return c.id }
func (c *ServerConn) Key() models.BackendKey        { return c.key }
func (c *ServerConn) Addr() string                  { return c.addr }
func (c *ServerConn) Conn() net.Conn                { return c.conn }
func (c *ServerConn) Frontend() *pgproto3.Frontend  { return c.frontend }
func (c *ServerConn) Parameters() map[string]string { return c.parameters }
func (c *ServerConn) CancelInfo() models.CancelKey  { return c.cancel }
func (c *ServerConn) Age() time.Duration            { return time.Since(c.createdAt) }

// IdleSince returns when the connection was last returned to the pool, or
// the zero time if it has never been pooled.
func (c *ServerConn) IdleSince() time.Time { return c.returnedAt }

// Exec runs one simple-protocol statement and drains the response through
// ReadyForQuery. A backend error surfaces after the drain completes, so the
// connection stays usable.
func (c *ServerConn) Exec(ctx context.Context, sql string) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := c.sendQuery(sql); err != nil {
		return err
	}
	var execErr error
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return fmt.Errorf("reading %q response: %w", sql, err)
		}
		switch msg := msg.(type) {
		case *pgproto3.ErrorResponse:
			execErr = fmt.Errorf("backend error %s: %s", msg.Code, msg.Message)
		case *pgproto3.ReadyForQuery:
			return execErr
		}
	}
}

// QueryRowString runs one simple-protocol query and returns the first
// column of the first row. A NULL value or an empty result set yields
// ErrNoRows.
func (c *ServerConn) QueryRowString(ctx context.Context, sql string) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := c.sendQuery(sql); err != nil {
		return "", err
	}
	var (
		value    string
		seenRow  bool
		queryErr error
	)
	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			return "", fmt.Errorf("reading %q response: %w", sql, err)
		}
		switch msg := msg.(type) {
		case *pgproto3.DataRow:
			if !seenRow && len(msg.Values) > 0 && msg.Values[0] != nil {
				value = string(msg.Values[0])
				seenRow = true
			}
		case *pgproto3.ErrorResponse:
			queryErr = fmt.Errorf("backend error %s: %s", msg.Code, msg.Message)
		case *pgproto3.ReadyForQuery:
			if queryErr != nil {
				return "", queryErr
			}
			if !seenRow {
				return "", ErrNoRows
			}
			return value, nil
		}
	}
}

func (c *ServerConn) sendQuery(sql string) error {
	c.frontend.Send(&pgproto3.Query{String: sql})
	if err := c.frontend.Flush(); err != nil {
		return fmt.Errorf("sending %q: %w", sql, err)
	}
	return nil
}

// Reset clears session state left behind by the previous owner before the
// connection is pooled for reuse.
func (c *ServerConn) Reset(ctx context.Context) error {
	return c.Exec(ctx, "DISCARD ALL")
}

// Cancel opens a throwaway connection to the backend and sends the
// out-of-band CancelRequest frame for this connection's key data. The
// frame predates the message framing of the normal protocol, so it is
// written raw.
func (c *ServerConn) Cancel(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing %s for cancel: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], c.cancel.ProcessID)
	binary.BigEndian.PutUint32(buf[12:16], c.cancel.SecretKey)
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("writing cancel request: %w", err)
	}
	return nil
}

// Close terminates the connection, telling the backend first when it is
// still listening.
func (c *ServerConn) Close() error {
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.frontend.Send(&pgproto3.Terminate{})
	_ = c.frontend.Flush()
	return c.conn.Close()
}
