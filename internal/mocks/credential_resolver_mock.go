package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
)

type MockCredentialResolver struct {
	mock.Mock
}

func (m *MockCredentialResolver) Resolve(ctx context.Context, name, database string) (*models.UserCredential, error) {
	args := m.Called(ctx, name, database)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserCredential), args.Error(1)
}

type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) Resolve(ctx context.Context, name, database string) (*models.UserCredential, error) {
	args := m.Called(ctx, name, database)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UserCredential), args.Error(1)
}

func (m *MockCredentialStore) Entries() []*models.UserCredential {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*models.UserCredential)
}

func (m *MockCredentialStore) Reload(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
