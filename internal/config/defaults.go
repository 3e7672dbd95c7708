package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the extipc configuration directory
// Uses ~/.config/extipc/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "extipc"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel             = "LOG_LEVEL"
	EnvLogFormat            = "LOG_FORMAT"
	EnvLogOutput            = "LOG_OUTPUT"
	EnvIPCTransport         = "IPC_TRANSPORT"
	EnvIPCSocketPath        = "IPC_SOCKET_PATH"
	EnvIPCMaxMessageSize    = "IPC_MAX_MESSAGE_SIZE"
	EnvProcessMessageTmpDir = "PROCESS_MESSAGE_TMP_DIR"
	EnvProcessMessageLimit  = "PROCESS_MESSAGE_LIMIT_SIZE"
	EnvMetricsEnabled       = "METRICS_ENABLED"
	EnvMetricsPort          = "METRICS_PORT"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	// stdout may carry the channel itself
	DefaultLogOutput = "stderr"

	// Default Channel settings
	DefaultTransport      = TransportStdio
	DefaultSocketPath     = "/tmp/extipc.sock"
	DefaultMaxMessageSize = 1 << 20
	DefaultDialTimeout    = 10 * time.Second
	DefaultCallTimeout    = 30 * time.Second

	// Default Overflow settings
	DefaultOverflowLimitSize = 8 * 1024

	// Default Metrics settings
	DefaultMetricsEnabled = false
	DefaultMetricsPort    = 9090
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultChannelConfig returns the default channel configuration
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Transport:      DefaultTransport,
		SocketPath:     DefaultSocketPath,
		MaxMessageSize: DefaultMaxMessageSize,
		DialTimeout:    DefaultDialTimeout,
		CallTimeout:    DefaultCallTimeout,
	}
}

// DefaultOverflowConfig returns the default overflow configuration. TmpDir is
// left empty so the codec falls back to PROCESS_MESSAGE_TMP_DIR.
func DefaultOverflowConfig() OverflowConfig {
	return OverflowConfig{
		Enabled:   false,
		TmpDir:    "",
		LimitSize: DefaultOverflowLimitSize,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: DefaultMetricsEnabled,
		Port:    DefaultMetricsPort,
		Path:    "/metrics",
	}
}
