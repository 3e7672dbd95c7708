// Package builtin provides the topics every served node answers.
package builtin

import (
	"encoding/json"
	"io"
	"os"

	"go.uber.org/multierr"

	"github.com/billm/baaaht/extipc/internal/logger"
	"github.com/billm/baaaht/extipc/pkg/ipc"
)

// Built-in topic names
const (
	TopicPing     = "ping"
	TopicEcho     = "echo"
	TopicCat      = "cat"
	TopicStats    = "stats"
	TopicShutdown = "shutdown"
)

// Option configures the built-in topics
type Option func(*options)

type options struct {
	catRoot string
}

// WithCatRoot confines cat to files below dir. Paths are resolved relative
// to dir and may not escape it.
func WithCatRoot(dir string) Option {
	return func(o *options) {
		o.catRoot = dir
	}
}

// Register installs the built-in topics on node. stop, if not nil, is called
// once when the parent requests a shutdown.
//
// The node trusts its parent: without WithCatRoot, cat reads any file the
// process can read.
func Register(node *ipc.Node, log *logger.Logger, stop func(), opts ...Option) error {
	log = log.With("component", "builtin")

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	err := multierr.Combine(
		node.On(TopicPing, func(s *ipc.Sender, _ json.RawMessage) {
			reply(log, TopicPing, s.Next("pong"))
		}),
		node.On(TopicEcho, func(s *ipc.Sender, msg json.RawMessage) {
			reply(log, TopicEcho, s.Next(msg))
		}),
		node.On(TopicCat, func(s *ipc.Sender, msg json.RawMessage) {
			reply(log, TopicCat, cat(s, o.catRoot, msg))
		}),
		node.On(TopicStats, func(s *ipc.Sender, _ json.RawMessage) {
			reply(log, TopicStats, s.Next(node.Stats()))
		}),
	)
	if stop == nil {
		return err
	}

	return multierr.Append(err, node.Once(TopicShutdown, func(s *ipc.Sender, _ json.RawMessage) {
		reply(log, TopicShutdown, s.Next(true))
		stop()
	}))
}

// cat replies with the content of the file named by msg
func cat(s *ipc.Sender, root string, msg json.RawMessage) error {
	var path string
	if err := json.Unmarshal(msg, &path); err != nil || path == "" {
		return s.Error("cat expects a file path")
	}

	data, err := readFile(root, path)
	if err != nil {
		return s.Error(err)
	}
	return s.Next(string(data))
}

func readFile(root, path string) ([]byte, error) {
	if root == "" {
		return os.ReadFile(path)
	}

	r, err := os.OpenRoot(root)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	f, err := r.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func reply(log *logger.Logger, topic string, err error) {
	if err != nil {
		log.Warn("Failed to send reply", "topic", topic, "error", err)
	}
}
