package ipc

import (
	"encoding/json"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"

	"go.uber.org/atomic"

	"github.com/billm/baaaht/extipc/internal/logger"
	"github.com/billm/baaaht/extipc/pkg/metrics"
	"github.com/billm/baaaht/extipc/pkg/overflow"
	"github.com/billm/baaaht/extipc/pkg/types"
)

// Handler processes one inbound topic message. message is the raw JSON
// payload the parent sent (null when absent).
type Handler func(sender *Sender, message json.RawMessage)

// Node dispatches inbound requests to topic handlers and sends renderer
// messages to the parent.
//
// A topic is registered in at most one of two registries: persistent (On)
// or one-shot (Once). Handlers run on the goroutine delivering the inbound
// message, may register or remove topics, and may trigger further deliveries
// from inside Send. A one-shot handler fires at most once: deliveries that
// arrive while it runs are dropped.
type Node struct {
	channel Channel
	codec   *overflow.Codec
	logger  *logger.Logger

	mu         sync.RWMutex
	persistent map[string]Handler
	oneShot    map[string]Handler
	// one-shot topics whose handler is running
	firing map[string]struct{}

	dispatched atomic.Int64
	dropped    atomic.Int64
	sent       atomic.Int64
}

// NodeStats represents node statistics
type NodeStats struct {
	Persistent int   `json:"persistent"`
	OneShot    int   `json:"one_shot"`
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
	Sent       int64 `json:"sent"`
}

// NewNode creates a node bound to ch and subscribes to its inbound messages.
// A nil channel yields a node that never receives and whose sends are no-ops.
func NewNode(ch Channel, log *logger.Logger, opts ...Option) (*Node, error) {
	log, err := defaultLogger(log)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
	}
	o := buildOptions(opts)

	n := &Node{
		channel:    ch,
		codec:      o.codec,
		logger:     log.With("component", "ipc_node"),
		persistent: make(map[string]Handler),
		oneShot:    make(map[string]Handler),
		firing:     make(map[string]struct{}),
	}

	if ch != nil {
		ch.Subscribe(n.dispatch)
	}

	n.logger.Debug("IPC node created", "channel", ch != nil, "overflow", o.codec != nil)
	return n, nil
}

// On registers a persistent handler for topic
func (n *Node) On(topic string, handler Handler) error {
	return n.register(topic, handler, false)
}

// Once registers a handler for topic that is removed after its first delivery
func (n *Node) Once(topic string, handler Handler) error {
	return n.register(topic, handler, true)
}

func (n *Node) register(topic string, handler Handler, once bool) error {
	if handler == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}

	mode, registry := metrics.ModeOn, metrics.RegistryPersistent
	if once {
		mode, registry = metrics.ModeOnce, metrics.RegistryOnce
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	_, inPersistent := n.persistent[topic]
	_, inOnce := n.oneShot[topic]
	if inPersistent || inOnce {
		metrics.Registrations.WithLabelValues(mode, metrics.ResultDuplicate).Inc()
		return types.NewError(types.ErrCodeDuplicate, fmt.Sprintf("you can not listen a topic twice: %s", topic))
	}

	if once {
		n.oneShot[topic] = handler
	} else {
		n.persistent[topic] = handler
	}
	metrics.Registrations.WithLabelValues(mode, metrics.ResultOK).Inc()
	metrics.Listeners.WithLabelValues(registry).Inc()

	n.logger.Debug("Handler registered", "topic", topic, "mode", mode)
	return nil
}

// RemoveListener removes topic from both registries. Removing an absent
// topic is a no-op.
func (n *Node) RemoveListener(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.persistent[topic]; ok {
		delete(n.persistent, topic)
		metrics.Listeners.WithLabelValues(metrics.RegistryPersistent).Dec()
		n.logger.Debug("Handler removed", "topic", topic)
	}
	if _, ok := n.oneShot[topic]; ok {
		delete(n.oneShot, topic)
		metrics.Listeners.WithLabelValues(metrics.RegistryOnce).Dec()
		n.logger.Debug("Handler removed", "topic", topic)
	}
}

// RemoveAllListener clears both registries
func (n *Node) RemoveAllListener() {
	n.mu.Lock()
	defer n.mu.Unlock()

	metrics.Listeners.WithLabelValues(metrics.RegistryPersistent).Sub(float64(len(n.persistent)))
	metrics.Listeners.WithLabelValues(metrics.RegistryOnce).Sub(float64(len(n.oneShot)))
	clear(n.persistent)
	clear(n.oneShot)
	n.logger.Debug("All handlers removed")
}

// HasListener reports whether topic is registered in either registry
func (n *Node) HasListener(topic string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	_, inPersistent := n.persistent[topic]
	_, inOnce := n.oneShot[topic]
	return inPersistent || inOnce
}

// Topics returns the registered topics of both registries, sorted
func (n *Node) Topics() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	topics := slices.Collect(maps.Keys(n.persistent))
	topics = slices.AppendSeq(topics, maps.Keys(n.oneShot))
	slices.Sort(topics)
	return topics
}

// Send emits a renderer message to the parent. It is a no-op without a channel.
func (n *Node) Send(topic string, payload any) error {
	if n.channel == nil {
		return nil
	}

	payload, err := encodePayload(n.codec, payload)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode renderer payload", err)
	}

	if err := n.channel.Send(types.NewRendererMessage(topic, payload)); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to send renderer message", err)
	}
	n.sent.Inc()
	metrics.Sent.WithLabelValues(metrics.KindRenderer).Inc()
	return nil
}

// Stats returns node statistics
func (n *Node) Stats() NodeStats {
	n.mu.RLock()
	persistent, oneShot := len(n.persistent), len(n.oneShot)
	n.mu.RUnlock()

	return NodeStats{
		Persistent: persistent,
		OneShot:    oneShot,
		Dispatched: n.dispatched.Load(),
		Dropped:    n.dropped.Load(),
		Sent:       n.sent.Load(),
	}
}

// String returns a string representation of the node
func (n *Node) String() string {
	stats := n.Stats()
	return fmt.Sprintf("Node{persistent: %d, once: %d, dispatched: %d}",
		stats.Persistent, stats.OneShot, stats.Dispatched)
}

// dispatch handles one inbound message. Anything that is not a well formed
// node request for a registered topic is dropped without a reply.
func (n *Node) dispatch(raw json.RawMessage) {
	env := types.DecodeEnvelope(raw)
	if env.Kind != types.KindNode {
		n.drop(metrics.ReasonNotNode)
		return
	}

	topic, message, ok := types.DecodeTopicMessage(env.Data)
	if !ok {
		n.drop(metrics.ReasonMalformed)
		return
	}

	// Restored before the topic lookup, so a spilled payload for an unknown
	// topic still has its file removed.
	if n.codec != nil {
		restored, err := n.codec.DecodeRaw(message)
		if err != nil {
			n.logger.Warn("Failed to restore overflow payload", "topic", topic, "error", err)
			n.drop(metrics.ReasonMalformed)
			return
		}
		message = restored
	}

	handler, registry := n.claim(topic)
	if handler == nil {
		n.drop(metrics.ReasonUnknownTopic)
		return
	}

	// One-shot entries are removed after the handler returns, even if it
	// re-registered the topic in the meantime.
	if registry == metrics.RegistryOnce {
		defer n.removeOnce(topic)
	}

	n.dispatched.Inc()
	metrics.Dispatched.WithLabelValues(registry).Inc()
	n.invoke(topic, handler, newSender(env.Identity, n.channel, n.codec), message)
}

// claim looks up the handler for topic. A one-shot entry is marked as firing
// so that it is not handed out again before removeOnce runs.
func (n *Node) claim(topic string) (Handler, string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if handler, ok := n.persistent[topic]; ok {
		return handler, metrics.RegistryPersistent
	}
	handler, ok := n.oneShot[topic]
	if !ok {
		return nil, ""
	}
	if _, busy := n.firing[topic]; busy {
		return nil, ""
	}
	n.firing[topic] = struct{}{}
	return handler, metrics.RegistryOnce
}

func (n *Node) invoke(topic string, handler Handler, sender *Sender, message json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Handler panicked",
				"topic", topic,
				"identity", sender.Identity(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(sender, message)
}

func (n *Node) removeOnce(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.firing, topic)
	if _, ok := n.oneShot[topic]; !ok {
		return
	}
	delete(n.oneShot, topic)
	metrics.Listeners.WithLabelValues(metrics.RegistryOnce).Dec()
}

func (n *Node) drop(reason string) {
	n.dropped.Inc()
	metrics.Dropped.WithLabelValues(reason).Inc()
}
