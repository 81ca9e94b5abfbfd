package uds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc serves one command. The returned value is marshalled as the
// response data; an error is classified by ErrorResponse.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server accepts requests on a Unix socket.
type Server struct {
	socketPath  string
	connTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer returns a server for socketPath with the built-in "ping"
// command registered.
func NewServer(socketPath string) *Server {
	s := &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		handlers:    make(map[string]HandlerFunc),
	}
	s.Handle(CmdPing, func(context.Context, json.RawMessage) (any, error) {
		return Pong{PID: os.Getpid()}, nil
	})
	return s
}

// CmdPing checks that a daemon is serving.
const CmdPing = "ping"

// Pong answers CmdPing.
type Pong struct {
	PID int `json:"pid"`
}

// SetConnTimeout bounds one request/response exchange.
func (s *Server) SetConnTimeout(d time.Duration) { s.connTimeout = d }

// Handle registers handler for command, replacing any earlier one.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Listen binds the socket, replacing a stale socket file. The socket is
// only accessible to the owner.
func (s *Server) Listen() error {
	_ = os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight requests and removes the socket. It calls Listen if needed.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.RLock()
		l = s.listener
		s.mu.RUnlock()
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	slog.Info("socket listening", "path", s.socketPath)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}

	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	slog.Info("socket closed", "path", s.socketPath)
	return ctx.Err()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic serving request", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		slog.Warn("read request failed", "error", err)
		return
	}
	resp := s.process(ctx, &req)
	if err := WriteFrame(conn, resp); err != nil {
		slog.Warn("write response failed", "command", req.Command, "error", err)
	}
}

func (s *Server) process(ctx context.Context, req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(&RemoteError{
			Kind:    KindProtocol,
			Code:    CodeProtocolMismatch,
			Message: fmt.Sprintf("protocol version %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		})
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(&RemoteError{
			Kind:    KindProtocol,
			Code:    CodeUnknownCommand,
			Message: fmt.Sprintf("unknown command %q", req.Command),
		})
	}

	data, err := handler(ctx, req.Params)
	if err != nil {
		slog.Debug("request failed", "command", req.Command, "error", err)
		return ErrorResponse(err)
	}
	resp, err := SuccessResponse(data)
	if err != nil {
		return ErrorResponse(err)
	}
	return resp
}

// DecodeParams unmarshals params into v, reporting BAD_PARAMS on failure.
func DecodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &RemoteError{Kind: KindProtocol, Code: CodeBadParams, Message: err.Error()}
	}
	return nil
}
