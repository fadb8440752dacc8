package repository

import (
	"context"
	"errors"

	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

// ErrVerifierNotCached is returned when a verifier is absent or expired.
var ErrVerifierNotCached = errors.New("verifier not cached or expired")

// VerifierCache holds passthrough-resolved SCRAM verifiers for a bounded
// time, so each client connection does not cost a catalog round trip.
type VerifierCache interface {
	// GetVerifier retrieves a cached verifier.
	// It should return ErrVerifierNotCached if the entry is missing or expired.
	GetVerifier(ctx context.Context, name, database string) (*scram.Verifier, error)

	// StoreVerifier caches a verifier under the pair, replacing any
	// previous entry and restarting its TTL.
	StoreVerifier(ctx context.Context, name, database string, verifier *scram.Verifier) error

	// DeleteVerifier drops a cached verifier, forcing the next lookup to
	// resolve live. Deleting an absent entry is not an error.
	DeleteVerifier(ctx context.Context, name, database string) error
}
