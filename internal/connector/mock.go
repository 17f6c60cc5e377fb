package connector

import (
	"context"

	"github.com/spinelabs/spine/internal/config"
)

type MockDialer struct {
	DialFunc func(ctx context.Context, target Target, timeouts config.SSHTimeouts) (Conn, error)
}

func (m *MockDialer) Dial(ctx context.Context, target Target, timeouts config.SSHTimeouts) (Conn, error) {
	return m.DialFunc(ctx, target, timeouts)
}

type MockConn struct {
	RunFunc   func(ctx context.Context, command string) Result
	CloseFunc func() error
}

func (m *MockConn) Run(ctx context.Context, command string) Result {
	return m.RunFunc(ctx, command)
}

func (m *MockConn) Close() error {
	if m.CloseFunc == nil {
		return nil
	}
	return m.CloseFunc()
}
