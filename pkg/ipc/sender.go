package ipc

import (
	"github.com/billm/baaaht/extipc/pkg/metrics"
	"github.com/billm/baaaht/extipc/pkg/overflow"
	"github.com/billm/baaaht/extipc/pkg/types"
)

// Sender replies to the request that triggered a handler invocation. Every
// reply is a NodeMessage carrying the request's identity.
type Sender struct {
	identity string
	channel  Channel
	codec    *overflow.Codec
}

// NewSender creates a Sender bound to identity. A nil channel makes every
// send a no-op.
func NewSender(identity string, ch Channel) *Sender {
	return &Sender{identity: identity, channel: ch}
}

func newSender(identity string, ch Channel, codec *overflow.Codec) *Sender {
	return &Sender{identity: identity, channel: ch, codec: codec}
}

// Identity returns the identity of the request being answered
func (s *Sender) Identity() string {
	return s.identity
}

// GetMessage builds the reply envelope without sending it. An empty
// replyType leaves the type field off the wire.
func (s *Sender) GetMessage(replyType string, payload any) types.NodeMessage {
	return types.NewNodeMessage(s.identity, payload, replyType)
}

// SendMessageWithType sends a reply of the given type
func (s *Sender) SendMessageWithType(replyType string, payload any) error {
	if s.channel == nil {
		return nil
	}

	payload, err := encodePayload(s.codec, payload)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode reply payload", err)
	}

	if err := s.channel.Send(s.GetMessage(replyType, payload)); err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to send reply", err)
	}
	metrics.Sent.WithLabelValues(metrics.KindReply).Inc()
	return nil
}

// Next sends a successful result. It may be called more than once per
// request to stream partial results.
func (s *Sender) Next(result any) error {
	return s.SendMessageWithType(types.ReplyNext, result)
}

// Error reports a failure. Go error values are sent as their message, since
// they have no JSON form of their own.
func (s *Sender) Error(reason any) error {
	if err, ok := reason.(error); ok {
		reason = err.Error()
	}
	return s.SendMessageWithType(types.ReplyError, reason)
}
