package mocks

import (
	"context"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/mock"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

// MockClientAuthenticator is a mock type for the ClientAuthenticator type
type MockClientAuthenticator struct {
	mock.Mock
}

func (m *MockClientAuthenticator) Negotiate(ctx context.Context, conn net.Conn, fe *pgproto3.Backend, startup models.StartupInfo, onResolved func(*models.UserCredential)) (*service.ClientVerdict, error) {
	args := m.Called(ctx, conn, fe, startup, onResolved)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ClientVerdict), args.Error(1)
}

func (m *MockClientAuthenticator) Complete(conn net.Conn, fe *pgproto3.Backend, verdict *service.ClientVerdict, params map[string]string, cancel models.CancelKey) error {
	args := m.Called(conn, fe, verdict, params, cancel)
	return args.Error(0)
}

func (m *MockClientAuthenticator) Reject(conn net.Conn, fe *pgproto3.Backend, username string) {
	m.Called(conn, fe, username)
}
