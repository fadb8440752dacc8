package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

// RedisVerifierCache implements VerifierCache using Redis, so a fleet of
// gateway instances shares passthrough lookups. Verifiers are stored in
// their PostgreSQL textual form and expire via Redis TTL.
type RedisVerifierCache struct {
	client *redis.Client
	ttl    time.Duration
}

// Helper to construct verifier key
func makeVerifierKey(name, database string) string {
	return fmt.Sprintf("pggate:verifier:%s/%s", database, name)
}

func NewRedisVerifierCache(client *redis.Client, ttl time.Duration) repository.VerifierCache {
	return &RedisVerifierCache{client: client, ttl: ttl}
}

// GetVerifier retrieves and re-parses a cached verifier.
// It returns ErrVerifierNotCached when the key is absent (expiry is handled
// by Redis TTL) and drops entries that no longer parse.
func (c *RedisVerifierCache) GetVerifier(ctx context.Context, name, database string) (*scram.Verifier, error) {
	raw, err := c.client.Get(ctx, makeVerifierKey(name, database)).Result()
	if err == redis.Nil {
		return nil, repository.ErrVerifierNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	verifier, err := scram.ParseVerifier(raw)
	if err != nil {
		c.client.Del(ctx, makeVerifierKey(name, database))
		return nil, fmt.Errorf("cached verifier is corrupt (key deleted): %w", err)
	}
	return &verifier, nil
}

func (c *RedisVerifierCache) StoreVerifier(ctx context.Context, name, database string, verifier *scram.Verifier) error {
	err := c.client.Set(ctx, makeVerifierKey(name, database), verifier.String(), c.ttl).Err()
	if err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (c *RedisVerifierCache) DeleteVerifier(ctx context.Context, name, database string) error {
	if err := c.client.Del(ctx, makeVerifierKey(name, database)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}
