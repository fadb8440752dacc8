package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

func newTestVerifierCache(t *testing.T, ttl time.Duration) (repository.VerifierCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	require.NoError(t, client.Ping(context.Background()).Err())

	return NewRedisVerifierCache(client, ttl), mr
}

func testVerifier(t *testing.T) *scram.Verifier {
	t.Helper()
	verifier, err := scram.NewVerifier("hunter2", scram.RandomSalt(), scram.DefaultIterations)
	require.NoError(t, err)
	return &verifier
}

func TestRedisVerifierCache_StoreAndGet(t *testing.T) {
	cache, mr := newTestVerifierCache(t, 15*time.Minute)
	ctx := context.Background()
	verifier := testVerifier(t)

	require.NoError(t, cache.StoreVerifier(ctx, "pgdog", "pgdog", verifier))

	// The entry lives under the expected key with the expected TTL.
	stored, err := mr.Get(makeVerifierKey("pgdog", "pgdog"))
	require.NoError(t, err)
	assert.Equal(t, verifier.String(), stored)
	assert.InDelta(t, (15 * time.Minute).Seconds(), mr.TTL(makeVerifierKey("pgdog", "pgdog")).Seconds(), 5)

	got, err := cache.GetVerifier(ctx, "pgdog", "pgdog")
	require.NoError(t, err)
	assert.Equal(t, verifier.StoredKey, got.StoredKey)
	assert.Equal(t, verifier.ServerKey, got.ServerKey)
	assert.Equal(t, verifier.Iterations, got.Iterations)
}

func TestRedisVerifierCache_Miss(t *testing.T) {
	cache, _ := newTestVerifierCache(t, 15*time.Minute)

	_, err := cache.GetVerifier(context.Background(), "nobody", "pgdog")
	assert.ErrorIs(t, err, repository.ErrVerifierNotCached)
}

func TestRedisVerifierCache_Expiry(t *testing.T) {
	cache, mr := newTestVerifierCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.StoreVerifier(ctx, "pgdog", "pgdog", testVerifier(t)))
	mr.FastForward(2 * time.Minute)

	_, err := cache.GetVerifier(ctx, "pgdog", "pgdog")
	assert.ErrorIs(t, err, repository.ErrVerifierNotCached)
}

func TestRedisVerifierCache_CorruptEntryDropped(t *testing.T) {
	cache, mr := newTestVerifierCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, mr.Set(makeVerifierKey("pgdog", "pgdog"), "not-a-verifier"))

	_, err := cache.GetVerifier(ctx, "pgdog", "pgdog")
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrVerifierNotCached)

	// The corrupt key must be gone so the next lookup resolves live.
	assert.False(t, mr.Exists(makeVerifierKey("pgdog", "pgdog")))
}

func TestRedisVerifierCache_Delete(t *testing.T) {
	cache, mr := newTestVerifierCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.StoreVerifier(ctx, "pgdog", "pgdog", testVerifier(t)))
	require.NoError(t, cache.DeleteVerifier(ctx, "pgdog", "pgdog"))
	assert.False(t, mr.Exists(makeVerifierKey("pgdog", "pgdog")))

	// Deleting an absent entry is not an error.
	assert.NoError(t, cache.DeleteVerifier(ctx, "pgdog", "pgdog"))
}
