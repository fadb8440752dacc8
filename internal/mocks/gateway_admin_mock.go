package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
)

type MockGatewayAdmin struct {
	mock.Mock
}

func (m *MockGatewayAdmin) Pools() models.GetPoolStatsResponse {
	args := m.Called()
	return args.Get(0).(models.GetPoolStatsResponse)
}

func (m *MockGatewayAdmin) Clients() models.GetClientSessionsResponse {
	args := m.Called()
	return args.Get(0).(models.GetClientSessionsResponse)
}

func (m *MockGatewayAdmin) ReloadUsers(ctx context.Context) (models.ReloadResponse, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.ReloadResponse), args.Error(1)
}

func (m *MockGatewayAdmin) Summary() models.ConfigSummary {
	args := m.Called()
	return args.Get(0).(models.ConfigSummary)
}
