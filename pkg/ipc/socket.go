package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/multierr"

	"github.com/billm/baaaht/extipc/internal/logger"
	"github.com/billm/baaaht/extipc/pkg/types"
)

// Socket is a Unix domain socket listener handing out one StreamChannel per
// accepted peer.
type Socket struct {
	path     string
	listener net.Listener
	cfg      StreamConfig
	logger   *logger.Logger

	mu       sync.Mutex
	closed   bool
	accepted int
	channels []*StreamChannel
}

// SocketStats represents socket statistics
type SocketStats struct {
	Path     string `json:"path"`
	Accepted int    `json:"accepted"`
	Closed   bool   `json:"closed"`
}

// String returns a string representation of the stats
func (s SocketStats) String() string {
	return fmt.Sprintf("SocketStats{Path: %s, Accepted: %d, Closed: %v}", s.Path, s.Accepted, s.Closed)
}

// Listen creates a Unix domain socket at path, replacing a stale socket file
func Listen(path string, cfg StreamConfig, log *logger.Logger) (*Socket, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
	}

	log, err := defaultLogger(log)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
	}

	// Remove existing socket file if it exists
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
		}
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to listen on socket", err)
	}

	s := &Socket{
		path:     path,
		listener: listener,
		cfg:      cfg,
		logger:   log.With("component", "ipc_socket", "socket_path", path),
	}

	s.logger.Info("IPC socket listening", "path", path)
	return s, nil
}

// Accept waits for the next peer and returns a channel over its connection.
// The channel is not started.
func (s *Socket) Accept(ctx context.Context) (*StreamChannel, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)

	go func() {
		conn, err := s.listener.Accept()
		accepted <- result{conn: conn, err: err}
	}()

	var r result
	select {
	case r = <-accepted:
	case <-ctx.Done():
		// Unblock the pending Accept; the listener cannot be reused
		if err := s.Close(); err != nil {
			s.logger.Debug("Close after cancellation failed", "error", err)
		}
		if r := <-accepted; r.conn != nil {
			r.conn.Close()
		}
		return nil, types.WrapError(types.ErrCodeCanceled, "accept canceled", ctx.Err())
	}

	if r.err != nil {
		if errors.Is(r.err, net.ErrClosed) {
			return nil, types.NewError(types.ErrCodeUnavailable, "socket is closed")
		}
		return nil, types.WrapError(types.ErrCodeInternal, "failed to accept connection", r.err)
	}

	ch, err := s.track(r.conn)
	if err != nil {
		r.conn.Close()
		return nil, err
	}

	s.logger.Debug("Connection accepted", "accepted", s.Stats().Accepted)
	return ch, nil
}

func (s *Socket) track(conn net.Conn) (*StreamChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, types.NewError(types.ErrCodeUnavailable, "socket is closed")
	}

	cfg := s.cfg
	cfg.Closer = conn
	ch, err := NewStreamChannel(conn, conn, cfg, s.logger)
	if err != nil {
		return nil, err
	}

	s.accepted++
	s.channels = append(s.channels, ch)
	return ch, nil
}

// Dial connects to the Unix domain socket at path
func Dial(ctx context.Context, path string, cfg StreamConfig, log *logger.Logger) (*StreamChannel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to dial socket "+path, err)
	}

	cfg.Closer = conn
	ch, err := NewStreamChannel(conn, conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}

// Path returns the socket path
func (s *Socket) Path() string {
	return s.path
}

// Close closes the listener and every accepted channel, and removes the socket file
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	channels := s.channels
	s.channels = nil
	s.mu.Unlock()

	var errs error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = multierr.Append(errs, err)
	}
	for _, ch := range channels {
		errs = multierr.Append(errs, ch.Close())
	}

	// Remove socket file
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove socket file", "path", s.path, "error", err)
	}

	s.logger.Info("IPC socket closed", "path", s.path)
	if errs != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close socket", errs)
	}
	return nil
}

// Stats returns socket statistics
func (s *Socket) Stats() SocketStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SocketStats{
		Path:     s.path,
		Accepted: s.accepted,
		Closed:   s.closed,
	}
}

// String returns a string representation of the socket
func (s *Socket) String() string {
	stats := s.Stats()
	return fmt.Sprintf("Socket{Path: %s, Accepted: %d}", stats.Path, stats.Accepted)
}
