package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
)

var (
	ErrPoolClosed      = errors.New("pool is closed")
	ErrCheckoutTimeout = errors.New("timed out waiting for a backend connection")
	ErrNoRows          = errors.New("query returned no rows")
)

// Connector dials and authenticates one backend connection for a key. The
// pool calls it on checkout misses; implementations run the full client-role
// handshake before returning.
type Connector interface {
	Connect(ctx context.Context, key models.BackendKey, auth models.BackendAuth) (*ServerConn, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, key models.BackendKey, auth models.BackendAuth) (*ServerConn, error)

func (f ConnectorFunc) Connect(ctx context.Context, key models.BackendKey, auth models.BackendAuth) (*ServerConn, error) {
	return f(ctx, key, auth)
}

// Config bounds one pool partition. Zero values fall back to defaults,
// except MinSize, whose zero means no idle floor.
type Config struct {
	// MinSize is the idle-connection floor the reaper will not go below.
	MinSize int
	// MaxSize caps open connections per partition.
	MaxSize int
	// CheckoutTimeout bounds how long Acquire waits for a free connection.
	CheckoutTimeout time.Duration
	// ConnectTimeout bounds one dial-and-authenticate attempt.
	ConnectTimeout time.Duration
	// IdleTimeout closes connections pooled longer than this.
	IdleTimeout time.Duration
	// MaxAge closes connections regardless of use, bounding credential
	// lifetime on long-lived sockets.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 10
	}
	if c.MinSize < 0 {
		c.MinSize = 0
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	return c
}

type waiter struct {
	// ch delivers either a pooled connection, or nil as permission to dial
	// within the slot the sender freed. Closed when the pool shuts down.
	ch chan *ServerConn
}

// keyedPool is the state of one partition. Invariant: waiters is non-empty
// only while idle is empty, because Release hands connections to waiters
// before pooling and Acquire drains idle before waiting.
type keyedPool struct {
	idle        []*ServerConn
	open        int
	totalOpened uint64
	waiters     []*waiter
}

// Manager pools authenticated backend connections, partitioned by the
// resolved credential key. A connection checked out under one key is never
// handed to a session resolved to a different key.
type Manager struct {
	cfg       Config
	connector Connector
	metrics   *metrics.Metrics

	mu     sync.Mutex
	pools  map[models.BackendKey]*keyedPool
	closed bool

	done chan struct{}
}

func NewManager(cfg Config, connector Connector, m *metrics.Metrics) *Manager {
	mgr := &Manager{
		cfg:       cfg.withDefaults(),
		connector: connector,
		metrics:   m,
		pools:     make(map[models.BackendKey]*keyedPool),
		done:      make(chan struct{}),
	}
	go mgr.reapLoop()
	return mgr
}

// Acquire checks out a connection for the key: a pooled one when available,
// a fresh dial while under MaxSize, otherwise it waits for a release until
// CheckoutTimeout or ctx expiry. auth carries the secret material the
// connector needs on a dial; pooled hits never touch it.
func (m *Manager) Acquire(ctx context.Context, key models.BackendKey, auth models.BackendAuth) (*ServerConn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p := m.pools[key]
	if p == nil {
		p = &keyedPool{}
		m.pools[key] = p
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		m.syncGauges(key, p)
		m.mu.Unlock()
		return conn, nil
	}

	if p.open < m.cfg.MaxSize {
		p.open++
		p.totalOpened++
		m.syncGauges(key, p)
		m.mu.Unlock()
		return m.dial(ctx, key, auth)
	}

	w := &waiter{ch: make(chan *ServerConn, 1)}
	p.waiters = append(p.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.CheckoutTimeout)
	defer timer.Stop()

	select {
	case conn, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		if conn != nil {
			return conn, nil
		}
		// A releaser discarded its connection and transferred the slot.
		return m.dial(ctx, key, auth)
	case <-ctx.Done():
		return nil, m.abandonWait(key, w, ctx.Err())
	case <-timer.C:
		return nil, m.abandonWait(key, w, ErrCheckoutTimeout)
	}
}

// Release returns a connection to its partition: directly to a waiter when
// one is queued, otherwise to the idle set.
func (m *Manager) Release(conn *ServerConn) {
	m.mu.Lock()
	p := m.pools[conn.Key()]
	if m.closed || p == nil {
		m.mu.Unlock()
		conn.Close()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		m.mu.Unlock()
		w.ch <- conn
		return
	}
	conn.returnedAt = time.Now()
	p.idle = append(p.idle, conn)
	m.syncGauges(conn.Key(), p)
	m.mu.Unlock()
}

// Discard closes a checked-out connection instead of pooling it, freeing
// its slot for the next dial.
func (m *Manager) Discard(conn *ServerConn) {
	m.mu.Lock()
	if p := m.pools[conn.Key()]; p != nil && !m.closed {
		m.slotFreed(p)
		m.syncGauges(conn.Key(), p)
	}
	m.mu.Unlock()
	conn.Close()
}

// Stats snapshots every partition, ordered by (database, user).
func (m *Manager) Stats() []models.PoolStats {
	m.mu.Lock()
	out := make([]models.PoolStats, 0, len(m.pools))
	for key, p := range m.pools {
		out = append(out, models.PoolStats{
			User:      key.User,
			Database:  key.Database,
			Idle:      len(p.idle),
			Active:    p.open - len(p.idle),
			Waiting:   len(p.waiters),
			MaxSize:   m.cfg.MaxSize,
			TotalOpen: p.totalOpened,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Database != out[j].Database {
			return out[i].Database < out[j].Database
		}
		return out[i].User < out[j].User
	})
	return out
}

// Close drains every partition and fails all queued waiters. In-flight
// checked-out connections are closed by their owners on Release.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	var victims []*ServerConn
	for key, p := range m.pools {
		victims = append(victims, p.idle...)
		p.open -= len(p.idle)
		p.idle = nil
		for _, w := range p.waiters {
			close(w.ch)
		}
		p.waiters = nil
		m.syncGauges(key, p)
	}
	m.mu.Unlock()

	for _, conn := range victims {
		conn.Close()
	}
}

func (m *Manager) dial(ctx context.Context, key models.BackendKey, auth models.BackendAuth) (*ServerConn, error) {
	dialCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := m.connector.Connect(dialCtx, key, auth)
	if err != nil {
		m.mu.Lock()
		if p := m.pools[key]; p != nil && !m.closed {
			m.slotFreed(p)
			m.syncGauges(key, p)
		}
		m.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// slotFreed releases one open slot: queued waiters inherit it as a dial
// grant, otherwise the open count drops. Callers hold m.mu.
func (m *Manager) slotFreed(p *keyedPool) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.totalOpened++
		w.ch <- nil
		return
	}
	p.open--
}

// abandonWait removes w from the queue after a timeout or cancellation.
// When a releaser popped w first, the hand-off already happened or is in
// flight; whatever arrives is put back so nothing leaks.
func (m *Manager) abandonWait(key models.BackendKey, w *waiter, cause error) error {
	m.mu.Lock()
	p := m.pools[key]
	if p != nil {
		for i, cand := range p.waiters {
			if cand == w {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				m.mu.Unlock()
				return cause
			}
		}
	}
	m.mu.Unlock()

	conn, ok := <-w.ch
	if !ok {
		return cause
	}
	if conn != nil {
		m.Release(conn)
		return cause
	}
	m.mu.Lock()
	if p := m.pools[key]; p != nil && !m.closed {
		m.slotFreed(p)
		m.syncGauges(key, p)
	}
	m.mu.Unlock()
	return cause
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.reapOnce(now)
		}
	}
}

// reapOnce closes idle connections past IdleTimeout (respecting the
// MinSize floor) and any connection past MaxAge. Idle connections are kept
// oldest-first at the head, so floor accounting walks front to back.
func (m *Manager) reapOnce(now time.Time) {
	m.mu.Lock()
	var victims []*ServerConn
	for key, p := range m.pools {
		if len(p.idle) == 0 {
			continue
		}
		remaining := len(p.idle)
		keep := p.idle[:0]
		for _, conn := range p.idle {
			ageExpired := now.Sub(conn.createdAt) >= m.cfg.MaxAge
			idleExpired := now.Sub(conn.returnedAt) >= m.cfg.IdleTimeout
			if ageExpired || (idleExpired && remaining > m.cfg.MinSize) {
				victims = append(victims, conn)
				p.open--
				remaining--
				continue
			}
			keep = append(keep, conn)
		}
		p.idle = keep
		m.syncGauges(key, p)
	}
	m.mu.Unlock()

	for _, conn := range victims {
		conn.Close()
	}
}

// syncGauges republishes the partition gauges. Callers hold m.mu.
func (m *Manager) syncGauges(key models.BackendKey, p *keyedPool) {
	if m.metrics == nil {
		return
	}
	idle := float64(len(p.idle))
	m.metrics.BackendConnections.WithLabelValues(key.Database, key.User, "idle").Set(idle)
	m.metrics.BackendConnections.WithLabelValues(key.Database, key.User, "active").Set(float64(p.open) - idle)
}
