package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/billm/baaaht/extipc/pkg/types"
)

// Config represents the extension IPC configuration
type Config struct {
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Channel  ChannelConfig  `json:"channel" yaml:"channel"`
	Overflow OverflowConfig `json:"overflow" yaml:"overflow"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// ChannelConfig contains configuration of the parent/child message channel
type ChannelConfig struct {
	Transport      string        `json:"transport" yaml:"transport"` // stdio, node, unix
	SocketPath     string        `json:"socket_path" yaml:"socket_path"`
	MaxMessageSize int           `json:"max_message_size" yaml:"max_message_size"` // bytes per frame
	DialTimeout    time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	CallTimeout    time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// OverflowConfig contains configuration of the temp-file overflow codec
type OverflowConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	TmpDir    string `json:"tmp_dir" yaml:"tmp_dir"`
	LimitSize int    `json:"limit_size" yaml:"limit_size"` // bytes
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// Transport names accepted by ChannelConfig.Transport
const (
	TransportStdio = "stdio"
	TransportNode  = "node"
	TransportUnix  = "unix"
)

// applyDefaults fills zero-valued fields field-by-field so partial configs work
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultChannel := DefaultChannelConfig()
	if cfg.Channel.Transport == "" {
		cfg.Channel.Transport = defaultChannel.Transport
	}
	if cfg.Channel.SocketPath == "" {
		cfg.Channel.SocketPath = defaultChannel.SocketPath
	}
	if cfg.Channel.MaxMessageSize == 0 {
		cfg.Channel.MaxMessageSize = defaultChannel.MaxMessageSize
	}
	if cfg.Channel.DialTimeout == 0 {
		cfg.Channel.DialTimeout = defaultChannel.DialTimeout
	}
	if cfg.Channel.CallTimeout == 0 {
		cfg.Channel.CallTimeout = defaultChannel.CallTimeout
	}

	if cfg.Overflow.LimitSize == 0 {
		cfg.Overflow.LimitSize = DefaultOverflowLimitSize
	}

	defaultMetrics := DefaultMetricsConfig()
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = defaultMetrics.Port
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetrics.Path
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvIPCTransport); v != "" {
		cfg.Channel.Transport = strings.ToLower(v)
	}
	if v := os.Getenv(EnvIPCSocketPath); v != "" {
		cfg.Channel.SocketPath = v
	}
	if v := os.Getenv(EnvIPCMaxMessageSize); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s value: %s", EnvIPCMaxMessageSize, v), err)
		}
		cfg.Channel.MaxMessageSize = size
	}

	if v := os.Getenv(EnvProcessMessageTmpDir); v != "" {
		cfg.Overflow.TmpDir = v
		cfg.Overflow.Enabled = true
	}
	if v := os.Getenv(EnvProcessMessageLimit); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s value: %s", EnvProcessMessageLimit, v), err)
		}
		cfg.Overflow.LimitSize = size
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvMetricsPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}

	return nil
}

// Default returns a configuration populated with defaults only
func Default() *Config {
	return &Config{
		Logging:  DefaultLoggingConfig(),
		Channel:  DefaultChannelConfig(),
		Overflow: DefaultOverflowConfig(),
		Metrics:  DefaultMetricsConfig(),
	}
}

// Load loads the configuration from path, or from the default config file
// when path is empty. A missing default file is not an error; defaults are
// used instead. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	var cfg *Config

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if configPath, err := GetDefaultConfigPath(); err == nil {
		if _, err := os.Stat(configPath); err == nil {
			loaded, err := LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	switch c.Channel.Transport {
	case TransportStdio, TransportNode:
	case TransportUnix:
		if c.Channel.SocketPath == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "channel socket path cannot be empty for unix transport")
		}
	default:
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid channel transport: %s (must be stdio, node, or unix)", c.Channel.Transport))
	}
	if c.Channel.MaxMessageSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "channel max message size must be positive")
	}
	if c.Channel.DialTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "channel dial timeout cannot be negative")
	}
	if c.Channel.CallTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "channel call timeout cannot be negative")
	}

	if c.Overflow.LimitSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "overflow limit size must be positive")
	}
	if c.Overflow.Enabled && c.Overflow.LimitSize >= c.Channel.MaxMessageSize {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("overflow limit size (%d) must be smaller than channel max message size (%d)",
				c.Overflow.LimitSize, c.Channel.MaxMessageSize))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics port must be between 1 and 65535")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics path must start with /")
		}
	}

	return nil
}

// MetricsAddress returns the listen address of the metrics endpoint
func (c *Config) MetricsAddress() string {
	return fmt.Sprintf(":%d", c.Metrics.Port)
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Channel: %s, Overflow: %s, Metrics: %s}",
		c.Logging, c.Channel, c.Overflow, c.Metrics)
}

// String returns a string representation of the logging config
func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

// String returns a string representation of the channel config
func (c ChannelConfig) String() string {
	return fmt.Sprintf("ChannelConfig{Transport: %s, SocketPath: %s, MaxMessageSize: %d, DialTimeout: %s, CallTimeout: %s}",
		c.Transport, c.SocketPath, c.MaxMessageSize, c.DialTimeout, c.CallTimeout)
}

// String returns a string representation of the overflow config
func (c OverflowConfig) String() string {
	return fmt.Sprintf("OverflowConfig{Enabled: %t, TmpDir: %s, LimitSize: %d}", c.Enabled, c.TmpDir, c.LimitSize)
}

// String returns a string representation of the metrics config
func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %t, Port: %d, Path: %s}", c.Enabled, c.Port, c.Path)
}
