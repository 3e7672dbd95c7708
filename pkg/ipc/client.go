package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/billm/baaaht/extipc/internal/logger"
	"github.com/billm/baaaht/extipc/pkg/metrics"
	"github.com/billm/baaaht/extipc/pkg/overflow"
	"github.com/billm/baaaht/extipc/pkg/types"
)

// replyBuffer bounds the replies queued per request before new ones are dropped
const replyBuffer = 64

// Reply is one reply to a request sent by Client
type Reply struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// IsError reports whether the reply is an error reply
func (r Reply) IsError() bool {
	return r.Type == types.ReplyError
}

// Err converts an error reply into a HANDLER_FAILED error
func (r Reply) Err() error {
	if !r.IsError() {
		return nil
	}
	var msg string
	if err := json.Unmarshal(r.Data, &msg); err != nil {
		msg = string(r.Data)
	}
	return types.NewError(types.ErrCodeHandlerFailed, msg)
}

// RendererHandler processes a renderer message received from the child
type RendererHandler func(topic string, message json.RawMessage)

// ClientStats represents client statistics
type ClientStats struct {
	Pending   int   `json:"pending"`
	Renderers int   `json:"renderers"`
	Requests  int64 `json:"requests"`
	Replies   int64 `json:"replies"`
	Dropped   int64 `json:"dropped"`
}

// Client is the parent side of the channel. It sends topic requests to a
// child Node and routes the replies back by identity.
type Client struct {
	channel Channel
	codec   *overflow.Codec
	logger  *logger.Logger
	newID   func() string

	mu        sync.Mutex
	pending   map[string]chan Reply
	renderers map[string]RendererHandler
	closed    bool

	done      chan struct{}
	closeOnce sync.Once

	requests atomic.Int64
	replies  atomic.Int64
	dropped  atomic.Int64
}

// NewClient creates a client bound to ch and subscribes to its inbound messages
func NewClient(ch Channel, log *logger.Logger, opts ...Option) (*Client, error) {
	if ch == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "channel cannot be nil")
	}

	log, err := defaultLogger(log)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
	}
	o := buildOptions(opts)

	c := &Client{
		channel:   ch,
		codec:     o.codec,
		logger:    log.With("component", "ipc_client"),
		newID:     uuid.NewString,
		pending:   make(map[string]chan Reply),
		renderers: make(map[string]RendererHandler),
		done:      make(chan struct{}),
	}
	ch.Subscribe(c.receive)
	return c, nil
}

// OnRenderer registers the handler for renderer messages on topic
func (c *Client) OnRenderer(topic string, handler RendererHandler) error {
	if handler == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.renderers[topic]; exists {
		return types.NewError(types.ErrCodeDuplicate, fmt.Sprintf("you can not listen a topic twice: %s", topic))
	}
	c.renderers[topic] = handler
	return nil
}

// RemoveRenderer removes the renderer handler for topic
func (c *Client) RemoveRenderer(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.renderers, topic)
}

// Request sends a request without waiting for replies and returns its identity
func (c *Client) Request(topic string, message any) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", errClientClosed()
	}

	identity := c.newID()
	if err := c.send(identity, topic, message); err != nil {
		return "", err
	}
	return identity, nil
}

// Call sends a request and waits for its first reply. An error reply is
// returned as a HANDLER_FAILED error.
func (c *Client) Call(ctx context.Context, topic string, message any) (json.RawMessage, error) {
	identity := c.newID()
	replies, err := c.subscribe(identity)
	if err != nil {
		return nil, err
	}
	defer c.unsubscribe(identity)

	if err := c.send(identity, topic, message); err != nil {
		return nil, err
	}

	select {
	case r, ok := <-replies:
		if !ok {
			return nil, errClientClosed()
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
		return r.Data, nil
	case <-ctx.Done():
		return nil, contextError(ctx, "call "+topic)
	}
}

// Stream sends a request and returns every reply to it until ctx is done or
// the client is closed, at which point the returned channel is closed. Each
// stream holds a goroutine until then.
func (c *Client) Stream(ctx context.Context, topic string, message any) (<-chan Reply, error) {
	identity := c.newID()
	replies, err := c.subscribe(identity)
	if err != nil {
		return nil, err
	}

	if err := c.send(identity, topic, message); err != nil {
		c.unsubscribe(identity)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.unsubscribe(identity)
	}()
	return replies, nil
}

// Close ends every pending Call and Stream and rejects new requests. The
// channel is left open for its owner to close.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for identity, replies := range c.pending {
			delete(c.pending, identity)
			close(replies)
		}
		c.mu.Unlock()

		close(c.done)
		c.logger.Debug("IPC client closed")
	})
	return nil
}

// Stats returns client statistics
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	pending, renderers := len(c.pending), len(c.renderers)
	c.mu.Unlock()

	return ClientStats{
		Pending:   pending,
		Renderers: renderers,
		Requests:  c.requests.Load(),
		Replies:   c.replies.Load(),
		Dropped:   c.dropped.Load(),
	}
}

func (c *Client) send(identity, topic string, message any) error {
	message, err := encodePayload(c.codec, message)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode request payload", err)
	}

	msg := types.NewNodeMessage(identity, types.TopicMessage{Topic: topic, Message: message}, "")
	if err := c.channel.Send(msg); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to send request", err)
	}

	c.requests.Inc()
	metrics.Sent.WithLabelValues(metrics.KindRequest).Inc()
	return nil
}

func (c *Client) subscribe(identity string) (chan Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errClientClosed()
	}
	replies := make(chan Reply, replyBuffer)
	c.pending[identity] = replies
	return replies, nil
}

func (c *Client) unsubscribe(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if replies, ok := c.pending[identity]; ok {
		delete(c.pending, identity)
		close(replies)
	}
}

// receive routes one inbound message. Requests echoed back and untagged
// messages are ignored.
func (c *Client) receive(raw json.RawMessage) {
	env := types.DecodeEnvelope(raw)

	switch {
	case env.Kind == types.KindNode && env.ReplyType != "":
		// Restored before routing so a spilled reply to an unknown request
		// still has its file removed.
		data, err := c.decode(env.Data)
		if err != nil {
			c.logger.Warn("Failed to restore overflow reply", "identity", env.Identity, "error", err)
			data = env.Data
		}
		c.deliver(env.Identity, Reply{Type: env.ReplyType, Data: data})

	case env.Kind == types.KindRenderer:
		c.mu.Lock()
		handler := c.renderers[env.Topic]
		c.mu.Unlock()
		if handler == nil {
			c.dropped.Inc()
			return
		}

		message, err := c.decode(env.Message)
		if err != nil {
			c.logger.Warn("Failed to restore overflow renderer message", "topic", env.Topic, "error", err)
			c.dropped.Inc()
			return
		}
		handler(env.Topic, message)

	default:
		c.dropped.Inc()
	}
}

func (c *Client) deliver(identity string, r Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	replies, ok := c.pending[identity]
	if !ok {
		c.dropped.Inc()
		c.logger.Debug("Reply for unknown request", "identity", identity, "type", r.Type)
		return
	}

	select {
	case replies <- r:
		c.replies.Inc()
	default:
		c.dropped.Inc()
		c.logger.Warn("Reply buffer full, dropping reply", "identity", identity)
	}
}

func (c *Client) decode(raw json.RawMessage) (json.RawMessage, error) {
	if c.codec == nil {
		return raw, nil
	}
	return c.codec.DecodeRaw(raw)
}

func errClientClosed() error {
	return types.NewError(types.ErrCodeUnavailable, "client closed")
}

func contextError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.WrapError(types.ErrCodeTimeout, op+" timed out", ctx.Err())
	}
	return types.WrapError(types.ErrCodeCanceled, op+" canceled", ctx.Err())
}
