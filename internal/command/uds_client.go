package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/udprec/internal/session"
	"firestige.xyz/udprec/internal/trace"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second // Default timeout
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	// Create connection with timeout
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	// Set deadline
	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	// Marshal params
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	// Create JSON-RPC request
	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano()) // Use string ID
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}

	// Send request
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	// Read response
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	// Parse JSON-RPC response
	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Verify response ID matches (convert both to string for comparison)
	respIDStr := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respIDStr != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respIDStr)
	}

	// Convert to internal Response format
	resp := &Response{
		ID:     fmt.Sprintf("%v", jsonrpcResp.ID),
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}

	return resp, nil
}

// decodeResult copies a generic JSON result into out, honoring json tags and
// text-encoded enums such as session.State.
func decodeResult(result interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// invoke calls method and decodes a successful result into out.
// A server-side failure is returned as *ErrorInfo.
func (c *UDSClient) invoke(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return decodeResult(resp.Result, out)
}

// CaptureStart starts recording on port. A nil port uses the daemon's configured port.
func (c *UDSClient) CaptureStart(ctx context.Context, port *int) (CaptureStartResult, error) {
	var res CaptureStartResult
	err := c.invoke(ctx, "capture_start", CaptureStartParams{Port: port}, &res)
	return res, err
}

// CaptureStop ends recording and returns a summary of the captured trace.
func (c *UDSClient) CaptureStop(ctx context.Context) (trace.Summary, error) {
	var res trace.Summary
	err := c.invoke(ctx, "capture_stop", nil, &res)
	return res, err
}

func (c *UDSClient) ReplayStart(ctx context.Context, host string, port int) (ReplayStartResult, error) {
	var res ReplayStartResult
	err := c.invoke(ctx, "replay_start", ReplayStartParams{Host: host, Port: port}, &res)
	return res, err
}

func (c *UDSClient) ReplayStop(ctx context.Context) (session.Status, error) {
	var res session.Status
	err := c.invoke(ctx, "replay_stop", nil, &res)
	return res, err
}

// Stop ends whatever the session is doing.
func (c *UDSClient) Stop(ctx context.Context) (session.Status, error) {
	var res session.Status
	err := c.invoke(ctx, "session_stop", nil, &res)
	return res, err
}

func (c *UDSClient) SessionStatus(ctx context.Context) (session.Status, error) {
	var res session.Status
	err := c.invoke(ctx, "session_status", nil, &res)
	return res, err
}

func (c *UDSClient) TraceLoad(ctx context.Context, path string) (trace.Summary, error) {
	var res trace.Summary
	err := c.invoke(ctx, "trace_load", TraceFileParams{Path: path}, &res)
	return res, err
}

func (c *UDSClient) TraceImport(ctx context.Context, path string, port int) (trace.Summary, error) {
	var res trace.Summary
	err := c.invoke(ctx, "trace_import", TraceFileParams{Path: path, Port: port}, &res)
	return res, err
}

func (c *UDSClient) TraceSave(ctx context.Context, path string) (TraceFileResult, error) {
	var res TraceFileResult
	err := c.invoke(ctx, "trace_save", TraceFileParams{Path: path}, &res)
	return res, err
}

func (c *UDSClient) TraceExport(ctx context.Context, path string, port int) (TraceFileResult, error) {
	var res TraceFileResult
	err := c.invoke(ctx, "trace_export", TraceFileParams{Path: path, Port: port}, &res)
	return res, err
}

func (c *UDSClient) TraceInfo(ctx context.Context) (trace.Summary, error) {
	var res trace.Summary
	err := c.invoke(ctx, "trace_info", nil, &res)
	return res, err
}

// ConfigReload asks the daemon to re-read its configuration file.
func (c *UDSClient) ConfigReload(ctx context.Context) error {
	return c.invoke(ctx, "config_reload", nil, nil)
}

func (c *UDSClient) DaemonStatus(ctx context.Context) (DaemonStatus, error) {
	var res DaemonStatus
	err := c.invoke(ctx, "daemon_status", nil, &res)
	return res, err
}

func (c *UDSClient) DaemonShutdown(ctx context.Context) error {
	return c.invoke(ctx, "daemon_shutdown", nil, nil)
}

// Ping checks that the daemon is alive.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}
