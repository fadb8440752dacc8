package mocks

import (
	"context"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/mock"

	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/service"
)

type MockSessionBridge struct {
	mock.Mock
}

func (m *MockSessionBridge) Establish(ctx context.Context, conn net.Conn, fe *pgproto3.Backend, startup models.StartupInfo) (*service.AuthenticatedSession, error) {
	args := m.Called(ctx, conn, fe, startup)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.AuthenticatedSession), args.Error(1)
}

func (m *MockSessionBridge) Finish(session *service.AuthenticatedSession, healthy bool) {
	m.Called(session, healthy)
}
