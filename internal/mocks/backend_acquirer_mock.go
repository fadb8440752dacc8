package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/pool"
)

type MockBackendAcquirer struct {
	mock.Mock
}

func (m *MockBackendAcquirer) Acquire(ctx context.Context, key models.BackendKey, auth models.BackendAuth) (*pool.ServerConn, error) {
	args := m.Called(ctx, key, auth)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pool.ServerConn), args.Error(1)
}

func (m *MockBackendAcquirer) Release(conn *pool.ServerConn) {
	m.Called(conn)
}

func (m *MockBackendAcquirer) Discard(conn *pool.ServerConn) {
	m.Called(conn)
}
