package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/billm/baaaht/extipc/internal/builtin"
	"github.com/billm/baaaht/extipc/internal/config"
	"github.com/billm/baaaht/extipc/internal/logger"
	"github.com/billm/baaaht/extipc/pkg/ipc"
	"github.com/billm/baaaht/extipc/pkg/metrics"
	"github.com/billm/baaaht/extipc/pkg/overflow"
)

const metricsShutdownTimeout = 5 * time.Second

var catRoot string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run as the child side of the channel and answer the built-in topics",
	Long: `serve runs an extension node on the configured transport. It answers the
built-in topics ping, echo, cat, stats and shutdown until the channel closes
or the process receives SIGINT/SIGTERM. SIGHUP reloads the configuration.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&catRoot, "cat-root", "",
		"Directory the cat topic is confined to (default: no restriction)")
}

// runServe executes the child side
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()

	rootLog.Info("Starting extipc node",
		"version", Version,
		"transport", cfg.Channel.Transport,
		"overflow", cfg.Overflow.Enabled)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []ipc.Option
	var codec *overflow.Codec
	if cfg.Overflow.Enabled {
		codec, err = overflow.NewFromConfig(cfg.Overflow, rootLog)
		if err != nil {
			return fmt.Errorf("failed to create overflow codec: %w", err)
		}
		opts = append(opts, ipc.WithCodec(codec))
	}

	ch, closeTransport, err := openChannel(ctx, cfg.Channel, rootLog)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeTransport(); err != nil {
			rootLog.Warn("Failed to close transport", "error", err)
		}
	}()

	node, err := ipc.NewNode(ch, rootLog, opts...)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	var builtins []builtin.Option
	if catRoot != "" {
		builtins = append(builtins, builtin.WithCatRoot(catRoot))
	}
	if err := builtin.Register(node, rootLog, stop, builtins...); err != nil {
		return fmt.Errorf("failed to register built-in topics: %w", err)
	}

	if cfg.Metrics.Enabled {
		shutdownMetrics, err := startMetricsServer(cfg.Metrics, cfg.MetricsAddress())
		if err != nil {
			return err
		}
		defer shutdownMetrics()
	}

	reloader := config.NewReloader(cfgFile, cfg)
	reloader.AddCallback(reloadCallback(codec))
	reloader.Start()
	defer reloader.Stop()

	if err := ch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start channel: %w", err)
	}
	rootLog.Info("Node is running", "topics", node.Topics())

	select {
	case <-ch.Done():
		rootLog.Info("Channel closed by peer")
	case <-ctx.Done():
		rootLog.Info("Shutdown requested")
	}

	stats := node.Stats()
	rootLog.Info("Node stopped",
		"dispatched", stats.Dispatched,
		"dropped", stats.Dropped,
		"sent", stats.Sent)
	return ch.Err()
}

// openChannel opens the configured transport. The returned func releases it.
func openChannel(ctx context.Context, cfg config.ChannelConfig, log *logger.Logger) (*ipc.StreamChannel, func() error, error) {
	streamCfg := ipc.StreamConfigFrom(cfg)

	switch cfg.Transport {
	case config.TransportNode:
		ch, err := ipc.OpenNodeChannel(streamCfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open node channel: %w", err)
		}
		return ch, ch.Close, nil

	case config.TransportUnix:
		sock, err := ipc.Listen(cfg.SocketPath, streamCfg, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Waiting for parent to connect", "path", sock.Path())
		ch, err := sock.Accept(ctx)
		if err != nil {
			sock.Close()
			return nil, nil, fmt.Errorf("failed to accept parent: %w", err)
		}
		return ch, sock.Close, nil

	default:
		ch, err := ipc.NewStdioChannel(streamCfg, log)
		if err != nil {
			return nil, nil, err
		}
		return ch, ch.Close, nil
	}
}

// startMetricsServer serves the collectors on addr. The returned func shuts the server down.
func startMetricsServer(cfg config.MetricsConfig, addr string) (func(), error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := metrics.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler(registry))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		rootLog.Info("Metrics server listening", "address", addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rootLog.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			rootLog.Warn("Failed to shut down metrics server", "error", err)
		}
	}, nil
}

// reloadCallback applies the settings that can change without restarting.
// CLI flags keep precedence over the reloaded file.
func reloadCallback(codec *overflow.Codec) config.ReloadCallback {
	return func(ctx context.Context, newConfig *config.Config) error {
		levelName := newConfig.Logging.Level
		if logLevel != "" {
			levelName = logLevel
		}
		level, err := logger.ParseLevel(levelName)
		if err != nil {
			return err
		}

		limit := newConfig.Overflow.LimitSize
		if limitSize > 0 {
			limit = limitSize
		}

		rootLog.SetLevel(level)
		if codec != nil {
			codec.SetLimitSize(limit)
		}

		rootLog.Info("Configuration reloaded", "log_level", levelName, "limit_size", limit)
		return nil
	}
}
