package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/SimpnicServerTeam/scs-pggate/internal/config"
	"github.com/SimpnicServerTeam/scs-pggate/internal/mocks"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

type stubPoolInspector struct {
	stats []models.PoolStats
}

func (s stubPoolInspector) Stats() []models.PoolStats { return s.stats }

func adminTestConfig() *config.Config {
	return &config.Config{
		General: config.GeneralConfig{ListenAddr: "0.0.0.0:6432", DefaultPoolSize: 10},
		Auth:    config.AuthConfig{Source: "local", Store: "file"},
		Admin:   config.AdminConfig{ListenAddr: "127.0.0.1:8432"},
		Databases: []config.DatabaseConfig{
			{Name: "pgdog", Host: "10.0.0.1", Port: 5432},
			{Name: "pgdog", Host: "10.0.0.2", Port: 5432},
			{Name: "analytics", Host: "10.0.0.3", Port: 5433},
		},
	}
}

func TestAdminService_Pools(t *testing.T) {
	stats := []models.PoolStats{
		{User: "pgdog", Database: "pgdog", Idle: 3, Active: 2, MaxSize: 10, TotalOpen: 17},
		{User: "bob", Database: "pgdog", Idle: 1, Active: 0, MaxSize: 10, TotalOpen: 4},
	}
	svc := service.NewAdminService(nil, stubPoolInspector{stats: stats}, nil, adminTestConfig(), newTestMetrics())

	resp := svc.Pools()
	assert.Equal(t, stats, resp.Pools)
}

func TestAdminService_Clients(t *testing.T) {
	now := time.Now()
	lister := new(mocks.MockSessionLister)
	lister.On("Sessions").Return([]*models.ClientSession{
		{SessionID: "c", User: "pgdog", CreatedAt: now},
		{SessionID: "a", User: "bob", CreatedAt: now.Add(-time.Minute)},
		{SessionID: "b", User: "pgdog", CreatedAt: now},
	}).Once()
	svc := service.NewAdminService(nil, stubPoolInspector{}, lister, adminTestConfig(), newTestMetrics())

	resp := svc.Clients()
	require.Len(t, resp.Sessions, 3)
	// Oldest first; identical timestamps fall back to the session id.
	assert.Equal(t, "a", resp.Sessions[0].SessionID)
	assert.Equal(t, "b", resp.Sessions[1].SessionID)
	assert.Equal(t, "c", resp.Sessions[2].SessionID)
}

func TestAdminService_ReloadUsers(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		store := new(mocks.MockCredentialStore)
		store.On("Reload", mock.Anything).Return(42, nil).Once()
		svc := service.NewAdminService(store, stubPoolInspector{}, nil, adminTestConfig(), newTestMetrics())

		resp, err := svc.ReloadUsers(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 42, resp.Users)
		assert.WithinDuration(t, time.Now(), resp.ReloadedAt, time.Second)
		store.AssertExpectations(t)
	})

	t.Run("FailureKeepsPreviousSnapshot", func(t *testing.T) {
		store := new(mocks.MockCredentialStore)
		store.On("Reload", mock.Anything).Return(0, errors.New("users.toml: duplicate entry")).Once()
		svc := service.NewAdminService(store, stubPoolInspector{}, nil, adminTestConfig(), newTestMetrics())

		_, err := svc.ReloadUsers(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reloading credentials")
	})

	t.Run("PassthroughSourceHasNoSnapshot", func(t *testing.T) {
		svc := service.NewAdminService(nil, stubPoolInspector{}, nil, adminTestConfig(), newTestMetrics())

		_, err := svc.ReloadUsers(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "passthrough")
	})
}

func TestAdminService_Summary(t *testing.T) {
	t.Run("LocalSource", func(t *testing.T) {
		store := new(mocks.MockCredentialStore)
		store.On("Entries").Return([]*models.UserCredential{
			{Name: "pgdog", Database: "pgdog"},
			{Name: "bob", Database: "pgdog"},
			{Name: "etl", Database: "analytics"},
		}).Once()
		svc := service.NewAdminService(store, stubPoolInspector{}, nil, adminTestConfig(), newTestMetrics())

		summary := svc.Summary()
		assert.Equal(t, "0.0.0.0:6432", summary.ListenAddr)
		assert.Equal(t, "127.0.0.1:8432", summary.AdminAddr)
		assert.Equal(t, []string{"pgdog", "analytics"}, summary.Databases, "duplicate failover entries collapse")
		assert.Equal(t, 3, summary.Users)
		assert.False(t, summary.PassthroughAuth)
		assert.Equal(t, 10, summary.PoolMaxSize)
	})

	t.Run("PassthroughSource", func(t *testing.T) {
		cfg := adminTestConfig()
		cfg.Auth.Source = "passthrough"
		svc := service.NewAdminService(nil, stubPoolInspector{}, nil, cfg, newTestMetrics())

		summary := svc.Summary()
		assert.True(t, summary.PassthroughAuth)
		assert.Zero(t, summary.Users, "no local snapshot to count under passthrough")
	})
}
