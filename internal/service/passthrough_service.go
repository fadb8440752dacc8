package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/SimpnicServerTeam/scs-pggate/internal/config"
	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/pool"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

var (
	_ repository.CredentialResolver = (*PassthroughService)(nil)
	_ VerifierInvalidator           = (*PassthroughService)(nil)
)

// NewPassthroughService creates a PassthroughService. Lookups run over a
// reserved pooled connection authenticated as pcfg.User against the cluster
// serving the requested database.
func NewPassthroughService(cache repository.VerifierCache, pools BackendAcquirer, pcfg config.PassthroughConfig, m *metrics.Metrics) *PassthroughService {
	return &PassthroughService{
		cache:         cache,
		pools:         pools,
		user:          pcfg.User,
		password:      pcfg.Password,
		loginDatabase: pcfg.Database,
		metrics:       m,
	}
}

// Resolve returns the credential for one (name, database) pair, served
// from the verifier cache when fresh and from the backend's catalog
// otherwise. The result never carries a plaintext; the backend side of
// such sessions runs on recovered key material.
func (s *PassthroughService) Resolve(ctx context.Context, name, database string) (*models.UserCredential, error) {
	if verifier, err := s.cache.GetVerifier(ctx, name, database); err == nil {
		s.metrics.PassthroughLookups.WithLabelValues(metrics.LookupHit).Inc()
		return passthroughCredential(name, database, verifier), nil
	} else if !errors.Is(err, repository.ErrVerifierNotCached) {
		log.Printf("[Passthrough.Resolve] Cache read failed for user '%s': %v", name, err)
	}

	verifier, err := s.fetchVerifier(ctx, name, database)
	if err != nil {
		s.metrics.PassthroughLookups.WithLabelValues(metrics.LookupFailed).Inc()
		return nil, err
	}
	if err := s.cache.StoreVerifier(ctx, name, database, verifier); err != nil {
		log.Printf("[Passthrough.Resolve] Cache store failed for user '%s': %v", name, err)
	}
	s.metrics.PassthroughLookups.WithLabelValues(metrics.LookupResolved).Inc()
	return passthroughCredential(name, database, verifier), nil
}

// InvalidateVerifier drops the cached verifier for the pair so the next
// lookup resolves live.
func (s *PassthroughService) InvalidateVerifier(ctx context.Context, name, database string) error {
	return s.cache.DeleteVerifier(ctx, name, database)
}

// fetchVerifier reads the role's stored secret from pg_shadow. Roles
// without a secret, and roles with a non-SCRAM one, count as not found;
// only infrastructure trouble maps to ErrPassthroughUnavailable.
func (s *PassthroughService) fetchVerifier(ctx context.Context, name, database string) (*scram.Verifier, error) {
	loginDB := s.loginDatabase
	if loginDB == "" {
		loginDB = database
	}
	key := models.BackendKey{User: s.user, Password: s.password, Database: loginDB}
	conn, err := s.pools.Acquire(ctx, key, models.BackendAuth{Password: s.password})
	if err != nil {
		return nil, fmt.Errorf("%w: reserved connection: %v", ErrPassthroughUnavailable, err)
	}

	secret, err := conn.QueryRowString(ctx, "SELECT passwd FROM pg_shadow WHERE usename = "+quoteLiteral(name))
	if err != nil {
		if errors.Is(err, pool.ErrNoRows) {
			s.pools.Release(conn)
			return nil, fmt.Errorf("%w: role %q has no stored secret", repository.ErrCredentialNotFound, name)
		}
		s.pools.Discard(conn)
		return nil, fmt.Errorf("%w: catalog query: %v", ErrPassthroughUnavailable, err)
	}
	s.pools.Release(conn)

	verifier, err := scram.ParseVerifier(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: role %q does not hold a SCRAM-SHA-256 secret", repository.ErrCredentialNotFound, name)
	}
	return &verifier, nil
}

func passthroughCredential(name, database string, verifier *scram.Verifier) *models.UserCredential {
	return &models.UserCredential{
		Name:     name,
		Database: database,
		Verifier: verifier,
		Origin:   models.OriginPassthrough,
	}
}

// quoteLiteral renders a value as a single-quoted SQL literal. Catalog
// lookups run over the simple query protocol, which has no bind
// parameters.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
