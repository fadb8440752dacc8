package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockVerifierInvalidator struct {
	mock.Mock
}

func (m *MockVerifierInvalidator) InvalidateVerifier(ctx context.Context, name, database string) error {
	args := m.Called(ctx, name, database)
	return args.Error(0)
}
