package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/billm/baaaht/extipc/internal/config"
	"github.com/billm/baaaht/extipc/internal/logger"
	"github.com/billm/baaaht/extipc/pkg/metrics"
	"github.com/billm/baaaht/extipc/pkg/types"
)

// NodeChannelFDEnv names the variable through which a Node.js parent passes
// the file descriptor of its IPC channel ('json' serialization).
const NodeChannelFDEnv = "NODE_CHANNEL_FD"

const readBufferSize = 64 * 1024

// StreamConfig configures a StreamChannel
type StreamConfig struct {
	// MaxMessageSize bounds a single encoded frame in bytes. Zero uses the default.
	MaxMessageSize int
	// Closer is closed by Close to stop the reader. Optional.
	Closer io.Closer
}

// StreamConfigFrom builds a StreamConfig from channel configuration
func StreamConfigFrom(cfg config.ChannelConfig) StreamConfig {
	return StreamConfig{MaxMessageSize: cfg.MaxMessageSize}
}

// StreamStats represents stream channel statistics
type StreamStats struct {
	FramesIn  int64 `json:"frames_in"`
	FramesOut int64 `json:"frames_out"`
	BytesIn   int64 `json:"bytes_in"`
	BytesOut  int64 `json:"bytes_out"`
}

// StreamChannel is a Channel framing one JSON document per line over a byte
// stream. Inbound frames are delivered from a single reader goroutine, in
// order.
type StreamChannel struct {
	r       io.Reader
	w       io.Writer
	closer  io.Closer
	maxSize int
	logger  *logger.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func(raw json.RawMessage)

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	stopCh    chan struct{}
	err       error

	framesIn  atomic.Int64
	framesOut atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

// NewStreamChannel creates a channel reading frames from r and writing them to w
func NewStreamChannel(r io.Reader, w io.Writer, cfg StreamConfig, log *logger.Logger) (*StreamChannel, error) {
	log, err := defaultLogger(log)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
	}

	maxSize := cfg.MaxMessageSize
	if maxSize <= 0 {
		maxSize = config.DefaultMaxMessageSize
	}

	return &StreamChannel{
		r:       r,
		w:       w,
		closer:  cfg.Closer,
		maxSize: maxSize,
		logger:  log.With("component", "ipc_stream"),
		done:    make(chan struct{}),
		stopCh:  make(chan struct{}),
	}, nil
}

// NewStdioChannel creates a channel over the process's stdin and stdout. Its
// reader stops only at the end of stdin.
func NewStdioChannel(cfg StreamConfig, log *logger.Logger) (*StreamChannel, error) {
	return NewStreamChannel(os.Stdin, os.Stdout, cfg, log)
}

// OpenNodeChannel creates a channel over the descriptor named by NODE_CHANNEL_FD
func OpenNodeChannel(cfg StreamConfig, log *logger.Logger) (*StreamChannel, error) {
	value := os.Getenv(NodeChannelFDEnv)
	if value == "" {
		return nil, types.NewError(types.ErrCodeConfiguration, NodeChannelFDEnv+" is not set")
	}

	fd, err := strconv.Atoi(value)
	if err != nil || fd < 0 {
		return nil, types.NewError(types.ErrCodeConfiguration, fmt.Sprintf("invalid %s: %q", NodeChannelFDEnv, value))
	}

	f := os.NewFile(uintptr(fd), "node-ipc")
	if f == nil {
		return nil, types.NewError(types.ErrCodeConfiguration, fmt.Sprintf("invalid file descriptor %d", fd))
	}

	cfg.Closer = f
	return NewStreamChannel(f, f, cfg, log)
}

// Subscribe installs the inbound message handler, replacing any previous one
func (c *StreamChannel) Subscribe(handler func(raw json.RawMessage)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = handler
}

// Send encodes msg as a single frame and writes it. Safe for concurrent use.
func (c *StreamChannel) Send(msg any) error {
	if c.closed.Load() {
		return types.NewError(types.ErrCodeUnavailable, "channel is closed")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "failed to encode message", err)
	}
	if len(data) > c.maxSize {
		return types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("message of %d bytes exceeds maximum of %d", len(data), c.maxSize))
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.w.Write(data); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to write frame", err)
	}

	c.framesOut.Inc()
	c.bytesOut.Add(int64(len(data)))
	metrics.Frames.WithLabelValues(metrics.DirectionOut).Inc()
	metrics.FrameBytes.WithLabelValues(metrics.DirectionOut).Add(float64(len(data)))
	return nil
}

// Start launches the reader. It returns once the reader is running; the
// reader stops at end of stream, on a read error, on Close, or when ctx is
// cancelled.
func (c *StreamChannel) Start(ctx context.Context) error {
	if c.closed.Load() {
		return types.NewError(types.ErrCodeUnavailable, "channel is closed")
	}
	if !c.started.CompareAndSwap(false, true) {
		return types.NewError(types.ErrCodeInvalid, "channel already started")
	}

	go c.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			if err := c.Close(); err != nil {
				c.logger.Debug("Close after cancellation failed", "error", err)
			}
		case <-c.done:
		case <-c.stopCh:
		}
	}()

	c.logger.Debug("Stream channel started", "max_message_size", c.maxSize)
	return nil
}

func (c *StreamChannel) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 0, min(readBufferSize, c.maxSize+1)), c.maxSize+1)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.framesIn.Inc()
		c.bytesIn.Add(int64(len(line) + 1))
		metrics.Frames.WithLabelValues(metrics.DirectionIn).Inc()
		metrics.FrameBytes.WithLabelValues(metrics.DirectionIn).Add(float64(len(line) + 1))

		c.handlerMu.RLock()
		handler := c.handler
		c.handlerMu.RUnlock()
		if handler == nil {
			continue
		}

		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		handler(raw)
	}

	err := scanner.Err()
	switch {
	case err == nil:
		c.logger.Debug("Stream channel reached end of input")
	case errors.Is(err, bufio.ErrTooLong):
		c.err = types.WrapError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("inbound frame exceeds maximum of %d bytes", c.maxSize), err)
	case c.closed.Load():
		c.logger.Debug("Stream channel reader stopped after close")
	default:
		c.err = types.WrapError(types.ErrCodeUnavailable, "failed to read frame", err)
	}

	if c.err != nil {
		c.logger.Error("Stream channel reader stopped", "error", c.err)
	}
}

// Done is closed when the reader has stopped
func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the reader, if any. Valid after Done is closed.
func (c *StreamChannel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close stops the channel and closes the configured Closer. Sends fail
// afterwards. Close does not wait for the reader; use Done for that. A
// channel that was never started reports Done immediately.
func (c *StreamChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)

		if c.closer != nil {
			c.closeErr = multierr.Append(c.closeErr, c.closer.Close())
		}
		if c.started.CompareAndSwap(false, true) {
			close(c.done)
		}
		c.logger.Debug("Stream channel closed")
	})
	return c.closeErr
}

// Stats returns stream channel statistics
func (c *StreamChannel) Stats() StreamStats {
	return StreamStats{
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
	}
}
