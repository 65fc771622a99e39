package cmd

import (
	"context"

	"github.com/stretchr/testify/mock"

	"firestige.xyz/udprec/internal/command"
	"firestige.xyz/udprec/internal/session"
	"firestige.xyz/udprec/internal/trace"
)

// MockClient implements ClientInterface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CaptureStart(ctx context.Context, port *int) (command.CaptureStartResult, error) {
	args := m.Called(ctx, port)
	return args.Get(0).(command.CaptureStartResult), args.Error(1)
}

func (m *MockClient) CaptureStop(ctx context.Context) (trace.Summary, error) {
	args := m.Called(ctx)
	return args.Get(0).(trace.Summary), args.Error(1)
}

func (m *MockClient) ReplayStart(ctx context.Context, host string, port int) (command.ReplayStartResult, error) {
	args := m.Called(ctx, host, port)
	return args.Get(0).(command.ReplayStartResult), args.Error(1)
}

func (m *MockClient) ReplayStop(ctx context.Context) (session.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(session.Status), args.Error(1)
}

func (m *MockClient) Stop(ctx context.Context) (session.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(session.Status), args.Error(1)
}

func (m *MockClient) SessionStatus(ctx context.Context) (session.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(session.Status), args.Error(1)
}

func (m *MockClient) TraceLoad(ctx context.Context, path string) (trace.Summary, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(trace.Summary), args.Error(1)
}

func (m *MockClient) TraceImport(ctx context.Context, path string, port int) (trace.Summary, error) {
	args := m.Called(ctx, path, port)
	return args.Get(0).(trace.Summary), args.Error(1)
}

func (m *MockClient) TraceSave(ctx context.Context, path string) (command.TraceFileResult, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(command.TraceFileResult), args.Error(1)
}

func (m *MockClient) TraceExport(ctx context.Context, path string, port int) (command.TraceFileResult, error) {
	args := m.Called(ctx, path, port)
	return args.Get(0).(command.TraceFileResult), args.Error(1)
}

func (m *MockClient) TraceInfo(ctx context.Context) (trace.Summary, error) {
	args := m.Called(ctx)
	return args.Get(0).(trace.Summary), args.Error(1)
}

func (m *MockClient) ConfigReload(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockClient) DaemonStatus(ctx context.Context) (command.DaemonStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(command.DaemonStatus), args.Error(1)
}

func (m *MockClient) DaemonShutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
