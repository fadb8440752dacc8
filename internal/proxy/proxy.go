package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/SimpnicServerTeam/scs-pggate/internal/config"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

// maxStartupNegotiations bounds how many SSL/GSS probes one connection may
// send before the real startup packet.
const maxStartupNegotiations = 4

// Proxy accepts client connections and walks each one through startup
// dispatch, the authentication bridge, and the relay.
type Proxy struct {
	cfg      *config.Config
	bridge   service.SessionBridge
	registry *SessionRegistry

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewProxy(cfg *config.Config, bridge service.SessionBridge, registry *SessionRegistry) *Proxy {
	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		cfg:        cfg,
		bridge:     bridge,
		registry:   registry,
		baseCtx:    ctx,
		cancelBase: cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (p *Proxy) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.cfg.General.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", p.cfg.General.ListenAddr, err)
	}
	return p.Serve(ln)
}

// Serve accepts clients from ln until the listener closes. Each connection
// runs in its own goroutine.
func (p *Proxy) Serve(ln net.Listener) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ln.Close()
		return errors.New("proxy is shut down")
	}
	p.listener = ln
	p.mu.Unlock()

	log.Printf("[Proxy] Listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting client: %w", err)
		}
		p.track(conn)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.untrack(conn)
			defer conn.Close()
			p.handleConn(p.baseCtx, conn)
		}()
	}
}

// Shutdown closes the listener, cancels in-flight handshakes, and waits for
// sessions to drain. When ctx expires first, remaining client sockets are
// closed forcibly.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	ln := p.listener
	p.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	p.cancelBase()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.closeAll()
		<-done
		return ctx.Err()
	}
}

func (p *Proxy) handleConn(ctx context.Context, conn net.Conn) {
	fe := pgproto3.NewBackend(conn, conn)
	startup, ok := p.acceptStartup(conn, fe)
	if !ok {
		return
	}

	session, err := p.bridge.Establish(ctx, conn, fe, startup)
	if err != nil {
		// The bridge already rejected the client and logged the cause.
		return
	}
	healthy := newRelay(conn, fe, session).run()
	p.bridge.Finish(session, healthy)
}

// acceptStartup answers negotiation probes and returns the validated startup
// facts. ok is false when the connection was dispatched or rejected.
func (p *Proxy) acceptStartup(conn net.Conn, fe *pgproto3.Backend) (models.StartupInfo, bool) {
	for i := 0; i < maxStartupNegotiations; i++ {
		if p.cfg.General.HandshakeStepTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(p.cfg.General.HandshakeStepTimeout))
		}
		raw, err := fe.ReceiveStartupMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return models.StartupInfo{}, false
			}
			log.Printf("[Proxy] Bad startup packet from %s: %v", conn.RemoteAddr(), err)
			p.rejectStartup(fe, pgerrcode.ProtocolViolation, "invalid startup packet")
			return models.StartupInfo{}, false
		}
		switch msg := raw.(type) {
		case *pgproto3.SSLRequest:
			// TLS is not terminated here; the client retries in plaintext.
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return models.StartupInfo{}, false
			}
		case *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return models.StartupInfo{}, false
			}
		case *pgproto3.CancelRequest:
			p.dispatchCancel(msg)
			return models.StartupInfo{}, false
		case *pgproto3.StartupMessage:
			return p.validateStartup(conn, fe, msg)
		default:
			log.Printf("[Proxy] Unexpected %T during startup from %s", raw, conn.RemoteAddr())
			p.rejectStartup(fe, pgerrcode.ProtocolViolation, fmt.Sprintf("unexpected %T during startup", raw))
			return models.StartupInfo{}, false
		}
	}
	p.rejectStartup(fe, pgerrcode.ProtocolViolation, "too many negotiation requests")
	return models.StartupInfo{}, false
}

func (p *Proxy) validateStartup(conn net.Conn, fe *pgproto3.Backend, msg *pgproto3.StartupMessage) (models.StartupInfo, bool) {
	user := msg.Parameters["user"]
	if user == "" {
		p.rejectStartup(fe, pgerrcode.InvalidAuthorizationSpecification,
			"no PostgreSQL user name specified in startup packet")
		return models.StartupInfo{}, false
	}
	database := msg.Parameters["database"]
	if database == "" {
		database = user
	}
	if !p.cfg.HasDatabase(database) {
		log.Printf("[Proxy] No route for database '%s' requested by '%s' from %s", database, user, conn.RemoteAddr())
		p.rejectStartup(fe, pgerrcode.InvalidCatalogName, fmt.Sprintf("database %q does not exist", database))
		return models.StartupInfo{}, false
	}
	return models.StartupInfo{
		User:       user,
		Database:   database,
		Parameters: msg.Parameters,
		RemoteAddr: conn.RemoteAddr().String(),
	}, true
}

// dispatchCancel forwards an out-of-band CancelRequest. The protocol has no
// acknowledgement; the connection just closes.
func (p *Proxy) dispatchCancel(msg *pgproto3.CancelRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := models.CancelKey{ProcessID: msg.ProcessID, SecretKey: msg.SecretKey}
	if err := p.registry.Dispatch(ctx, key); err != nil {
		log.Printf("[Proxy] Cancel request dropped: %v", err)
	}
}

func (p *Proxy) rejectStartup(fe *pgproto3.Backend, code, message string) {
	fe.Send(&pgproto3.ErrorResponse{
		Severity:            "FATAL",
		SeverityUnlocalized: "FATAL",
		Code:                code,
		Message:             message,
	})
	if err := fe.Flush(); err != nil {
		log.Printf("[Proxy] Failed to send startup rejection: %v", err)
	}
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Proxy) track(conn net.Conn) {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Proxy) untrack(conn net.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
}

func (p *Proxy) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.conns {
		conn.Close()
	}
}
