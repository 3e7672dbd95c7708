package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/billm/baaaht/extipc/internal/config"
	"github.com/billm/baaaht/extipc/pkg/ipc"
	"github.com/billm/baaaht/extipc/pkg/overflow"
	"github.com/billm/baaaht/extipc/pkg/types"
)

var (
	// Call CLI flags
	callTimeout  time.Duration
	childCommand []string
)

var errChildExited = errors.New("child exited before replying")

var callCmd = &cobra.Command{
	Use:   "call TOPIC [MESSAGE]",
	Short: "Send one request to a child node and print its first reply",
	Long: `call acts as the parent side of the channel. With the stdio transport it
spawns the child (by default "extipc serve") and talks to it over its stdin
and stdout; with the unix transport it dials the socket of a running
"extipc serve --transport unix".

MESSAGE is sent as JSON when it parses as JSON and as a string otherwise.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

// runCall executes the parent side
func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()

	topic := args[0]
	var message any
	if len(args) == 2 {
		message = parseMessage(args[1])
	}

	timeout := cfg.Channel.CallTimeout
	if callTimeout > 0 {
		timeout = callTimeout
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []ipc.Option
	if cfg.Overflow.Enabled {
		codec, err := overflow.NewFromConfig(cfg.Overflow, rootLog)
		if err != nil {
			return fmt.Errorf("failed to create overflow codec: %w", err)
		}
		opts = append(opts, ipc.WithCodec(codec))
	}

	var result json.RawMessage
	switch cfg.Channel.Transport {
	case config.TransportUnix:
		result, err = callSocket(ctx, cfg.Channel, topic, message, timeout, opts)
	case config.TransportNode:
		return types.NewError(types.ErrCodeInvalidArgument, "the node transport is only available to serve")
	default:
		result, err = callChild(ctx, cfg.Channel, topic, message, timeout, opts)
	}
	if err != nil {
		return err
	}

	return printResult(cmd.OutOrStdout(), result)
}

// callSocket dials a serving child and calls topic on it
func callSocket(ctx context.Context, cfg config.ChannelConfig, topic string, message any, timeout time.Duration, opts []ipc.Option) (json.RawMessage, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	ch, err := ipc.Dial(dialCtx, cfg.SocketPath, ipc.StreamConfigFrom(cfg), rootLog)
	cancelDial()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	client, err := ipc.NewClient(ch, rootLog, opts...)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	if err := ch.Start(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies, err := client.Stream(callCtx, topic, message)
	if err != nil {
		return nil, err
	}
	return awaitReply(callCtx, replies, ch.Done())
}

// callChild spawns the child, calls topic on it, then closes its stdin and
// waits for it to exit.
func callChild(ctx context.Context, cfg config.ChannelConfig, topic string, message any, timeout time.Duration, opts []ipc.Option) (json.RawMessage, error) {
	argv, err := childArgv()
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)

	child := exec.CommandContext(gctx, argv[0], argv[1:]...)
	child.Stderr = os.Stderr
	stdin, err := child.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open child stdin: %w", err)
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open child stdout: %w", err)
	}

	streamCfg := ipc.StreamConfigFrom(cfg)
	streamCfg.Closer = stdin
	ch, err := ipc.NewStreamChannel(stdout, stdin, streamCfg, rootLog)
	if err != nil {
		return nil, err
	}
	client, err := ipc.NewClient(ch, rootLog, opts...)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("failed to start child %s: %w", argv[0], err)
	}
	rootLog.Debug("Child started", "argv", argv, "pid", child.Process.Pid)

	if err := ch.Start(gctx); err != nil {
		return nil, err
	}

	g.Go(func() error {
		<-ch.Done()
		if err := child.Wait(); err != nil {
			return fmt.Errorf("child failed: %w", err)
		}
		return ch.Err()
	})

	var result json.RawMessage
	g.Go(func() error {
		defer ch.Close()

		callCtx, cancel := context.WithTimeout(gctx, timeout)
		defer cancel()

		replies, err := client.Stream(callCtx, topic, message)
		if err != nil {
			return err
		}
		result, err = awaitReply(callCtx, replies, ch.Done())
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// childArgv returns the command line of the child to spawn
func childArgv() ([]string, error) {
	if len(childCommand) > 0 {
		return childCommand, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}

	argv := []string{exe, "serve", "--transport", config.TransportStdio}
	if cfgFile != "" {
		argv = append(argv, "--config", cfgFile)
	}
	if logLevel != "" {
		argv = append(argv, "--log-level", logLevel)
	}
	if tmpDir != "" {
		argv = append(argv, "--tmp-dir", tmpDir)
	}
	if limitSize > 0 {
		argv = append(argv, "--limit-size", strconv.Itoa(limitSize))
	}
	if maxMessageSize > 0 {
		argv = append(argv, "--max-message-size", strconv.Itoa(maxMessageSize))
	}
	return argv, nil
}

// awaitReply returns the first reply. A reply delivered before the channel
// closed still wins over the closure.
func awaitReply(ctx context.Context, replies <-chan ipc.Reply, done <-chan struct{}) (json.RawMessage, error) {
	select {
	case r, ok := <-replies:
		return replyResult(ctx, r, ok)
	case <-done:
		select {
		case r, ok := <-replies:
			return replyResult(ctx, r, ok)
		default:
			return nil, errChildExited
		}
	case <-ctx.Done():
		return nil, callContextError(ctx)
	}
}

func replyResult(ctx context.Context, r ipc.Reply, ok bool) (json.RawMessage, error) {
	if !ok {
		return nil, callContextError(ctx)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return r.Data, nil
}

func callContextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.WrapError(types.ErrCodeTimeout, "call timed out", ctx.Err())
	}
	return types.WrapError(types.ErrCodeCanceled, "call canceled", ctx.Err())
}

// parseMessage sends valid JSON as is and anything else as a string
func parseMessage(arg string) any {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}

// printResult writes result as indented JSON
func printResult(w io.Writer, result json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		buf.Reset()
		buf.Write(result)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0,
		"How long to wait for the reply (default: from config, 30s)")
	callCmd.Flags().StringArrayVar(&childCommand, "exec", nil,
		"Child command and arguments, one per flag (default: this binary with serve)")
}
