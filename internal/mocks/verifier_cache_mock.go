package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/SimpnicServerTeam/scs-pggate/internal/scram"
)

type MockVerifierCache struct {
	mock.Mock
}

func (m *MockVerifierCache) GetVerifier(ctx context.Context, name, database string) (*scram.Verifier, error) {
	args := m.Called(ctx, name, database)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scram.Verifier), args.Error(1)
}

func (m *MockVerifierCache) StoreVerifier(ctx context.Context, name, database string, verifier *scram.Verifier) error {
	args := m.Called(ctx, name, database, verifier)
	return args.Error(0)
}

func (m *MockVerifierCache) DeleteVerifier(ctx context.Context, name, database string) error {
	args := m.Called(ctx, name, database)
	return args.Error(0)
}
