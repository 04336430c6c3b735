package ipc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/dlbridge/internal/value"
)

// Handler handles one request and returns the response payload.
type Handler func(msgType uint16, payload []byte) ([]byte, error)

// Server accepts connections from bridge clients. Each connection is served
// on its own goroutine; requests on one connection are handled in order.
type Server struct {
	listener   net.Listener
	socketPath string
	handler    Handler
	log        *slog.Logger
	closed     atomic.Bool
	wg         sync.WaitGroup
	conns      map[net.Conn]struct{}
	connsMu    sync.Mutex
}

// NewServer creates a new IPC server listening on the given Unix socket path.
// A stale socket file at that path is removed first.
func NewServer(socketPath string, handler Handler, log *slog.Logger) (*Server, error) {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		handler:    handler,
		log:        log,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// SocketPath returns the path to the Unix socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Serve accepts connections and handles requests.
// This blocks until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConn(conn)
	}
}

// ServeOne accepts a single connection and handles requests on it until the
// peer disconnects.
func (s *Server) ServeOne() error {
	conn, err := s.listener.Accept()
	if err != nil {
		if s.closed.Load() {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}
	if !s.track(conn) {
		conn.Close()
		return nil
	}
	s.handleConn(conn)
	return nil
}

func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
	}()

	for {
		if s.closed.Load() {
			return
		}

		header, payload, err := ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				return
			}
			s.log.Warn("ipc read failed", "error", err)
			s.sendError(conn, &IPCError{Code: ErrCodeIO, Message: err.Error()})
			return
		}

		resp, err := s.handler(header.Type, payload)
		if err != nil {
			s.sendError(conn, FromError(err))
			continue
		}
		if err := WriteMessage(conn, MsgResponse, resp); err != nil {
			s.log.Debug("ipc write failed", "error", err)
			return
		}
	}
}

func (s *Server) sendError(conn net.Conn, e *IPCError) {
	enc := NewEncoder()
	EncodeError(enc, e)
	WriteMessage(conn, MsgError, enc.Bytes())
}

// Close shuts down the server.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Stop accepting first so no connection is tracked after this point.
	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
	return nil
}

// Mux is a message type multiplexer for the server.
type Mux struct {
	handlers map[uint16]MuxHandler
	mu       sync.RWMutex
}

// MuxHandler handles a specific message type.
type MuxHandler func(dec *Decoder) ([]byte, error)

// NewMux creates a new message multiplexer.
func NewMux() *Mux {
	return &Mux{
		handlers: make(map[uint16]MuxHandler),
	}
}

// Handle registers a handler for a message type.
func (m *Mux) Handle(msgType uint16, handler MuxHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = handler
}

// Handler returns a Handler function for use with Server.
func (m *Mux) Handler() Handler {
	return func(msgType uint16, payload []byte) ([]byte, error) {
		m.mu.RLock()
		handler, ok := m.handlers[msgType]
		m.mu.RUnlock()

		if !ok {
			return nil, &IPCError{
				Code:    ErrCodeProtocol,
				Message: fmt.Sprintf("unknown message type: 0x%04x", msgType),
			}
		}
		return handler(NewDecoder(payload))
	}
}

// ResponseBuilder helps build response payloads.
type ResponseBuilder struct {
	enc *Encoder
}

// NewResponseBuilder creates a new response builder.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{enc: NewEncoder()}
}

// Success marks the response as successful (error code 0).
func (r *ResponseBuilder) Success() *ResponseBuilder {
	r.enc.Uint8(ErrCodeOK)
	return r
}

// Uint32 appends a uint32.
func (r *ResponseBuilder) Uint32(v uint32) *ResponseBuilder {
	r.enc.Uint32(v)
	return r
}

// Uint64 appends a uint64.
func (r *ResponseBuilder) Uint64(v uint64) *ResponseBuilder {
	r.enc.Uint64(v)
	return r
}

// String appends a string.
func (r *ResponseBuilder) String(s string) *ResponseBuilder {
	r.enc.String(s)
	return r
}

// Bytes appends bytes.
func (r *ResponseBuilder) Bytes(b []byte) *ResponseBuilder {
	r.enc.WriteBytes(b)
	return r
}

// Value appends a tagged value.
func (r *ResponseBuilder) Value(v value.Value) *ResponseBuilder {
	r.enc.Value(v)
	return r
}

// Encoder exposes the underlying encoder for repeated fields.
func (r *ResponseBuilder) Encoder() *Encoder {
	return r.enc
}

// Build returns the encoded response bytes.
func (r *ResponseBuilder) Build() []byte {
	return r.enc.Bytes()
}
