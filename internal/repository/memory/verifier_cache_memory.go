package memory

import (
	"context"
	"sync"
	"time"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

// MemoryVerifierCache implements VerifierCache in process memory, for
// single-instance deployments that run without Redis.
type MemoryVerifierCache struct {
	ttl   time.Duration
	items map[models.CredentialKey]cachedVerifier
	mutex sync.RWMutex
}

type cachedVerifier struct {
	verifier scram.Verifier
	expiry   time.Time
}

func NewMemoryVerifierCache(ttl time.Duration) repository.VerifierCache {
	return &MemoryVerifierCache{
		ttl:   ttl,
		items: make(map[models.CredentialKey]cachedVerifier),
	}
}

func (c *MemoryVerifierCache) GetVerifier(ctx context.Context, name, database string) (*scram.Verifier, error) {
	key := models.CredentialKey{Name: name, Database: database}

	c.mutex.RLock()
	item, exists := c.items[key]
	c.mutex.RUnlock()

	if !exists || time.Now().After(item.expiry) {
		// Clean up expired entry if found
		if exists {
			go c.DeleteVerifier(context.WithoutCancel(ctx), name, database)
		}
		return nil, repository.ErrVerifierNotCached
	}
	verifier := item.verifier
	return &verifier, nil
}

func (c *MemoryVerifierCache) StoreVerifier(_ context.Context, name, database string, verifier *scram.Verifier) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.items[models.CredentialKey{Name: name, Database: database}] = cachedVerifier{
		verifier: *verifier,
		expiry:   time.Now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryVerifierCache) DeleteVerifier(_ context.Context, name, database string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.items, models.CredentialKey{Name: name, Database: database})
	return nil
}
