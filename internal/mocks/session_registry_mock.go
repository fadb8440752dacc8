package mocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

type MockSessionRegistrar struct {
	mock.Mock
}

func (m *MockSessionRegistrar) Register(session *service.AuthenticatedSession) models.CancelKey {
	args := m.Called(session)
	return args.Get(0).(models.CancelKey)
}

func (m *MockSessionRegistrar) Unregister(id string) {
	m.Called(id)
}

type MockSessionLister struct {
	mock.Mock
}

func (m *MockSessionLister) Sessions() []*models.ClientSession {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*models.ClientSession)
}
