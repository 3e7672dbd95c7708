package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/extipc/internal/config"
	"github.com/billm/baaaht/extipc/internal/logger"
)

// Version is the extipc release version
const Version = "0.1.0"

var (
	// CLI flags
	cfgFile        string
	logLevel       string
	logFormat      string
	logOutput      string
	transport      string
	socketPath     string
	maxMessageSize int
	tmpDir         string
	limitSize      int

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "extipc",
	Short: "extipc - Topic messaging between a host process and its extensions",
	Long: `extipc connects a host (parent) process with an extension (child) process
over a single message channel: stdio, the Node.js IPC descriptor, or a Unix
domain socket.

The child answers topic requests with one or more replies and may push
renderer messages to the parent. Payloads above a size limit travel through
temporary files instead of the channel.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// initLogger initializes the root logger from config and CLI flags
func initLogger(cfg config.LoggingConfig) error {
	// Override with CLI flags if provided
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	return nil
}

// loadConfig loads the configuration from file, environment variables and CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	// Apply CLI overrides
	if transport != "" {
		cfg.Channel.Transport = transport
	}
	if socketPath != "" {
		cfg.Channel.SocketPath = socketPath
	}
	if maxMessageSize > 0 {
		cfg.Channel.MaxMessageSize = maxMessageSize
	}
	if tmpDir != "" {
		cfg.Overflow.TmpDir = tmpDir
		cfg.Overflow.Enabled = true
	}
	if limitSize > 0 {
		cfg.Overflow.LimitSize = limitSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/extipc/config.yaml if present)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stderr or file path (default: from config or env)")

	// Channel flags
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "",
		"Channel transport: stdio, node, unix (default: stdio)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "",
		"Unix socket path for the unix transport (default: /tmp/extipc.sock)")
	rootCmd.PersistentFlags().IntVar(&maxMessageSize, "max-message-size", 0,
		"Maximum encoded frame size in bytes (default: 1 MiB)")

	// Overflow flags
	rootCmd.PersistentFlags().StringVar(&tmpDir, "tmp-dir", "",
		"Directory for overflow files; enables overflow (default: $PROCESS_MESSAGE_TMP_DIR)")
	rootCmd.PersistentFlags().IntVar(&limitSize, "limit-size", 0,
		"Payload size in bytes at which overflow files are used (default: 8192)")

	rootCmd.AddCommand(serveCmd, callCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
