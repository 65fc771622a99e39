package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"firestige.xyz/udprec/internal/log"
	"firestige.xyz/udprec/internal/metrics"
)

const (
	jsonrpcVersion = "2.0"
	// maxRequestSize bounds a single request line.
	maxRequestSize = 1 << 20
)

// Dispatcher executes one decoded control request.
type Dispatcher interface {
	Handle(ctx context.Context, cmd Command) Response
}

// UDSServer serves line-delimited JSON-RPC 2.0 over a Unix domain socket.
// Each connection is served by its own goroutine and may carry any number
// of requests; responses are written in request order.
type UDSServer struct {
	socketPath string
	dispatcher Dispatcher
	listener   net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

func NewUDSServer(socketPath string, d Dispatcher) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		dispatcher: d,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start listens on the socket path, replacing a stale socket file, and
// serves until ctx is cancelled. The socket is owner-only.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.socketPath, err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict socket %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.GetLogger().WithField("socket", s.socketPath).Info("control socket listening")
	go s.accept(ctx, ln)

	<-ctx.Done()
	return s.Stop()
}

func (s *UDSServer) accept(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() {
				return
			}
			log.GetLogger().WithError(err).Error("failed to accept control connection")
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *UDSServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// track registers conn for shutdown. It reports false once stopped.
func (s *UDSServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *UDSServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *UDSServer) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		resp := s.serveLine(ctx, scanner.Bytes())
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			log.GetLogger().WithError(err).Warn("failed to write control response")
			return
		}
	}
	if err := scanner.Err(); err != nil && !s.isStopped() {
		log.GetLogger().WithError(err).Warn("control connection failed")
	}
}

// serveLine decodes and dispatches one request line. It returns nil for
// notifications, which get no response.
func (s *UDSServer) serveLine(ctx context.Context, line []byte) *JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		observe("", ErrCodeParseError)
		return errorResponse(nil, ErrCodeParseError, fmt.Sprintf("parse error: %v", err))
	}
	if req.JSONRPC != jsonrpcVersion {
		observe("", ErrCodeInvalidRequest)
		return errorResponse(req.ID, ErrCodeInvalidRequest,
			fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC))
	}
	if req.Method == "" {
		observe("", ErrCodeInvalidRequest)
		return errorResponse(req.ID, ErrCodeInvalidRequest, "method is required")
	}

	start := time.Now()
	resp := s.dispatcher.Handle(ctx, Command{
		Method: req.Method,
		Params: req.Params,
		ID:     requestID(req.ID),
	})
	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	observe(req.Method, code)
	log.GetLogger().WithFields(map[string]interface{}{
		"method":   req.Method,
		"code":     code,
		"duration": time.Since(start),
	}).Debug("control request served")

	if req.ID == nil {
		return nil
	}
	return &JSONRPCResponse{
		JSONRPC: jsonrpcVersion,
		ID:      req.ID,
		Result:  resp.Result,
		Error:   resp.Error,
	}
}

// observe counts a request. Unknown and undecodable methods share one label.
func observe(method string, code int) {
	if method == "" || code == ErrCodeMethodNotFound {
		method = "invalid"
	}
	metrics.ControlRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

func errorResponse(id interface{}, code int, msg string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &ErrorInfo{Code: code, Message: msg},
	}
}

// requestID renders a JSON-RPC id, a string or a number, for logging and
// handler responses.
func requestID(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Stop closes the listener and every open connection, waits for their
// goroutines, and removes the socket file. It is idempotent.
func (s *UDSServer) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	os.RemoveAll(s.socketPath)
	log.GetLogger().WithField("socket", s.socketPath).Info("control socket closed")
	return nil
}

// JSONRPCRequest is one request line. A request without an id is a
// notification.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// JSONRPCResponse is one response line.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}
