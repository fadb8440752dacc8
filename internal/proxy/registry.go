package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

var (
	_ service.SessionRegistrar = (*SessionRegistry)(nil)
	_ service.SessionLister    = (*SessionRegistry)(nil)
)

// SessionRegistry tracks live sessions under gateway-issued cancel keys.
// Clients only ever see keys minted here; the backend's own key data stays
// inside the ServerConn it belongs to.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[models.CancelKey]*service.AuthenticatedSession
	byID     map[string]models.CancelKey
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[models.CancelKey]*service.AuthenticatedSession),
		byID:     make(map[string]models.CancelKey),
	}
}

// Register mints a fresh cancel key for the session and indexes it.
func (r *SessionRegistry) Register(session *service.AuthenticatedSession) models.CancelKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		key := newCancelKey()
		if _, taken := r.sessions[key]; taken {
			continue
		}
		r.sessions[key] = session
		r.byID[session.ID] = key
		return key
	}
}

// Unregister drops the session's key. Unknown ids are ignored; teardown may
// race a dispatched cancel.
func (r *SessionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	delete(r.sessions, key)
}

// Dispatch forwards a client CancelRequest to the backend of the session
// holding the key, using the backend's own key data. An unknown key is a
// no-op error; the protocol gives the client no acknowledgement either way.
func (r *SessionRegistry) Dispatch(ctx context.Context, key models.CancelKey) error {
	r.mu.RLock()
	session, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no session holds cancel key (pid %d)", key.ProcessID)
	}
	return session.Server.Cancel(ctx)
}

// Sessions lists the live sessions for the admin surface.
func (r *SessionRegistry) Sessions() []*models.ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ClientSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session.ClientInfo())
	}
	return out
}

// Len reports the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// newCancelKey draws a random (pid, secret) pair. The pid is synthetic;
// zero is avoided so the pair never looks like an unset key.
func newCancelKey() models.CancelKey {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("reading cancel key entropy: %v", err))
	}
	key := models.CancelKey{
		ProcessID: binary.BigEndian.Uint32(raw[0:4]),
		SecretKey: binary.BigEndian.Uint32(raw[4:8]),
	}
	if key.ProcessID == 0 {
		key.ProcessID = 1
	}
	return key
}
