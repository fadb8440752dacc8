package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/SimpnicServerTeam/scs-pggate/internal/config"
	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/repository"
)

var _ GatewayAdmin = (*AdminService)(nil)

// NewAdminService creates an AdminService. store may be nil when the
// credential source is passthrough, in which case there is no snapshot to
// reload or count.
func NewAdminService(store repository.CredentialStore, pools PoolInspector, sessions SessionLister, cfg *config.Config, m *metrics.Metrics) *AdminService {
	return &AdminService{
		store:    store,
		pools:    pools,
		sessions: sessions,
		cfg:      cfg,
		metrics:  m,
	}
}

// Pools reports a point-in-time snapshot of every pool partition.
func (s *AdminService) Pools() models.GetPoolStatsResponse {
	return models.GetPoolStatsResponse{Pools: s.pools.Stats()}
}

// Clients lists live authenticated sessions, oldest first.
func (s *AdminService) Clients() models.GetClientSessionsResponse {
	sessions := s.sessions.Sessions()
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].SessionID < sessions[j].SessionID
	})
	return models.GetClientSessionsResponse{Sessions: sessions}
}

// ReloadUsers swaps in a fresh credential snapshot.
func (s *AdminService) ReloadUsers(ctx context.Context) (models.ReloadResponse, error) {
	if s.store == nil {
		return models.ReloadResponse{}, fmt.Errorf("%w: credential source is passthrough", ErrNoLocalStore)
	}
	n, err := s.store.Reload(ctx)
	if err != nil {
		log.Printf("[Admin.ReloadUsers] ERROR: Reload failed, previous snapshot stays active: %v", err)
		return models.ReloadResponse{}, fmt.Errorf("reloading credentials: %w", err)
	}
	s.metrics.CredentialReloads.Inc()
	log.Printf("[Admin.ReloadUsers] SUCCESS: %d credential entries loaded", n)
	return models.ReloadResponse{Users: n, ReloadedAt: time.Now()}, nil
}

// Summary returns the redacted effective configuration. No secret material
// ever appears here.
func (s *AdminService) Summary() models.ConfigSummary {
	seen := make(map[string]bool)
	var databases []string
	for _, db := range s.cfg.Databases {
		if !seen[db.Name] {
			seen[db.Name] = true
			databases = append(databases, db.Name)
		}
	}
	users := 0
	if s.store != nil {
		users = len(s.store.Entries())
	}
	return models.ConfigSummary{
		ListenAddr:      s.cfg.General.ListenAddr,
		AdminAddr:       s.cfg.Admin.ListenAddr,
		Databases:       databases,
		Users:           users,
		PassthroughAuth: s.cfg.Auth.Source == "passthrough",
		PoolMaxSize:     s.cfg.General.DefaultPoolSize,
	}
}
