package proxy

import (
	"errors"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/SimpnicServerTeam/scs-pggate/internal/pool"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

// relay pumps protocol messages between an authenticated client and its
// backend connection until one side ends the session. Frames pass through
// message-wise; only client Terminate and fatal backend errors are acted on.
type relay struct {
	client   net.Conn
	clientFE *pgproto3.Backend
	server   *pool.ServerConn
	session  *service.AuthenticatedSession

	// ready tracks whether the backend sits at ReadyForQuery with nothing
	// in flight; tx holds the transaction status byte it reported last.
	// Only a quiet backend in an idle transaction state can return to the
	// pool.
	ready    atomic.Bool
	tx       atomic.Int32
	stopping atomic.Bool
}

type pumpResult struct {
	fromClient bool
	stopped    bool // halted by the owner's deadline abort, stream intact
	err        error
}

func newRelay(client net.Conn, clientFE *pgproto3.Backend, session *service.AuthenticatedSession) *relay {
	r := &relay{
		client:   client,
		clientFE: clientFE,
		server:   session.Server,
		session:  session,
	}
	// The session starts with the backend idle at ReadyForQuery.
	r.ready.Store(true)
	r.tx.Store('I')
	return r
}

// run relays until the session ends and reports whether the backend came out
// of it fit for pooling.
func (r *relay) run() (healthy bool) {
	results := make(chan pumpResult, 2)
	go func() { results <- r.pumpClient() }()
	go func() { results <- r.pumpServer() }()

	first := <-results
	var serverRes pumpResult
	if first.fromClient {
		// Stop reading the backend before judging it. A past deadline kicks
		// the blocked Receive loose without touching the socket state; a
		// pump caught mid-forward fails its write instead and reports the
		// backend dirty.
		r.stopping.Store(true)
		r.client.SetWriteDeadline(time.Now())
		r.server.Conn().SetReadDeadline(time.Now())
		serverRes = <-results
		r.server.Conn().SetReadDeadline(time.Time{})
	} else {
		serverRes = first
		// Unblock the client pump; its socket is going away regardless.
		r.client.Close()
		<-results
	}

	healthy = serverRes.stopped && r.ready.Load() && r.tx.Load() == 'I'
	if first.err != nil {
		log.Printf("[Relay] Session %s ended: %v (backend healthy=%t)", r.session.ID, first.err, healthy)
	}
	return healthy
}

// pumpClient forwards client traffic to the backend. Terminate ends the
// session without reaching the backend, which stays alive for reuse.
func (r *relay) pumpClient() pumpResult {
	for {
		msg, err := r.clientFE.Receive()
		if err != nil {
			return pumpResult{fromClient: true, err: err}
		}
		if _, ok := msg.(*pgproto3.Terminate); ok {
			return pumpResult{fromClient: true}
		}
		r.ready.Store(false)
		r.server.Frontend().Send(msg)
		if err := r.server.Frontend().Flush(); err != nil {
			return pumpResult{fromClient: true, err: err}
		}
	}
}

// pumpServer forwards backend traffic to the client, tracking readiness and
// cutting the session on a fatal backend error.
func (r *relay) pumpServer() pumpResult {
	for {
		msg, err := r.server.Frontend().Receive()
		if err != nil {
			if r.stopping.Load() && isDeadlineErr(err) {
				return pumpResult{stopped: true}
			}
			return pumpResult{err: err}
		}
		if ready, ok := msg.(*pgproto3.ReadyForQuery); ok {
			r.tx.Store(int32(ready.TxStatus))
			r.ready.Store(true)
		}
		r.clientFE.Send(msg)
		if err := r.clientFE.Flush(); err != nil {
			return pumpResult{err: err}
		}
		if fatal, ok := msg.(*pgproto3.ErrorResponse); ok && fatal.Severity == "FATAL" {
			// The backend is closing this connection; the relayed error is
			// the client's teardown notice.
			return pumpResult{err: errors.New("backend terminated the session: " + fatal.Message)}
		}
	}
}

func isDeadlineErr(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
