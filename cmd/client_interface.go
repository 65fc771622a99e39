package cmd

import (
	"context"

	"firestige.xyz/udprec/internal/command"
	"firestige.xyz/udprec/internal/session"
	"firestige.xyz/udprec/internal/trace"
)

// ClientInterface is the daemon control surface the CLI commands use.
type ClientInterface interface {
	CaptureStart(ctx context.Context, port *int) (command.CaptureStartResult, error)
	CaptureStop(ctx context.Context) (trace.Summary, error)
	ReplayStart(ctx context.Context, host string, port int) (command.ReplayStartResult, error)
	ReplayStop(ctx context.Context) (session.Status, error)
	Stop(ctx context.Context) (session.Status, error)
	SessionStatus(ctx context.Context) (session.Status, error)
	TraceLoad(ctx context.Context, path string) (trace.Summary, error)
	TraceImport(ctx context.Context, path string, port int) (trace.Summary, error)
	TraceSave(ctx context.Context, path string) (command.TraceFileResult, error)
	TraceExport(ctx context.Context, path string, port int) (command.TraceFileResult, error)
	TraceInfo(ctx context.Context) (trace.Summary, error)
	ConfigReload(ctx context.Context) error
	DaemonStatus(ctx context.Context) (command.DaemonStatus, error)
	DaemonShutdown(ctx context.Context) error
}

var _ ClientInterface = (*command.UDSClient)(nil)

// newClient is replaced in tests.
var newClient = func() ClientInterface {
	return command.NewUDSClient(resolveSocket(), rpcTimeout)
}
