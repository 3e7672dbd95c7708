package ipc

import (
	"encoding/json"

	"github.com/billm/baaaht/extipc/internal/logger"
	"github.com/billm/baaaht/extipc/pkg/overflow"
)

// Channel is the bidirectional message channel between parent and child.
// Send transmits one structured message; Subscribe installs the function
// invoked once per inbound message, in arrival order.
type Channel interface {
	Send(msg any) error
	Subscribe(handler func(raw json.RawMessage))
}

// Option configures a Node or a Client
type Option func(*options)

type options struct {
	codec *overflow.Codec
}

// WithCodec routes payloads through an overflow codec: inbound payloads are
// restored before handlers see them and outbound payloads are spilled when
// they reach the codec's limit.
func WithCodec(codec *overflow.Codec) Option {
	return func(o *options) { o.codec = codec }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func defaultLogger(log *logger.Logger) (*logger.Logger, error) {
	if log != nil {
		return log, nil
	}
	return logger.NewDefault()
}

// encodePayload spills payload through codec when one is configured
func encodePayload(codec *overflow.Codec, payload any) (any, error) {
	if codec == nil {
		return payload, nil
	}
	return codec.Encode(payload)
}
