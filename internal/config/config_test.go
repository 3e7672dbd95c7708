package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/billm/baaaht/extipc/pkg/types"
)

// clearEnv unsets every variable applyEnvOverrides reads for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		EnvLogLevel, EnvLogFormat, EnvLogOutput,
		EnvIPCTransport, EnvIPCSocketPath, EnvIPCMaxMessageSize,
		EnvProcessMessageTmpDir, EnvProcessMessageLimit,
		EnvMetricsEnabled, EnvMetricsPort,
	} {
		t.Setenv(name, "")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v, want nil", err)
	}

	if cfg.Overflow.LimitSize != 8192 {
		t.Errorf("Expected default overflow limit 8192, got %d", cfg.Overflow.LimitSize)
	}
	if cfg.Overflow.TmpDir != "" {
		t.Errorf("Expected empty default overflow tmp dir, got %q", cfg.Overflow.TmpDir)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("Expected logging output stderr, got %q", cfg.Logging.Output)
	}
	if cfg.Channel.Transport != TransportStdio {
		t.Errorf("Expected stdio transport, got %q", cfg.Channel.Transport)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "unknown transport",
			mutate:  func(c *Config) { c.Channel.Transport = "tcp" },
			wantErr: true,
		},
		{
			name: "unix transport without socket path",
			mutate: func(c *Config) {
				c.Channel.Transport = TransportUnix
				c.Channel.SocketPath = ""
			},
			wantErr: true,
		},
		{
			name:    "node transport",
			mutate:  func(c *Config) { c.Channel.Transport = TransportNode },
			wantErr: false,
		},
		{
			name:    "zero max message size",
			mutate:  func(c *Config) { c.Channel.MaxMessageSize = 0 },
			wantErr: true,
		},
		{
			name:    "negative call timeout",
			mutate:  func(c *Config) { c.Channel.CallTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero overflow limit",
			mutate:  func(c *Config) { c.Overflow.LimitSize = 0 },
			wantErr: true,
		},
		{
			name: "overflow limit above frame size",
			mutate: func(c *Config) {
				c.Overflow.Enabled = true
				c.Overflow.LimitSize = c.Channel.MaxMessageSize
			},
			wantErr: true,
		},
		{
			name: "metrics port out of range",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "metrics path without slash",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Path = "metrics"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !types.IsErrCode(err, types.ErrCodeInvalidArgument) {
				t.Errorf("Expected INVALID_ARGUMENT error, got %v", err)
			}
		})
	}
}

func TestLoadWithoutConfigFile(t *testing.T) {
	clearEnv(t)
	SetTestConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	defer SetTestConfigPath("")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Channel.MaxMessageSize != DefaultMaxMessageSize {
		t.Errorf("Expected default max message size, got %d", cfg.Channel.MaxMessageSize)
	}
}

func TestLoadWithEnvVarOverride(t *testing.T) {
	clearEnv(t)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	yamlContent := `
logging:
  level: info
  format: json
channel:
  transport: stdio
  max_message_size: 65536
overflow:
  limit_size: 4096
metrics:
  port: 9090
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	tests := []struct {
		name          string
		envVar        string
		envValue      string
		fieldChecker  func(*Config) interface{}
		expectedValue interface{}
	}{
		{
			name:     "LOG_LEVEL overrides YAML logging.level",
			envVar:   EnvLogLevel,
			envValue: "DEBUG",
			fieldChecker: func(cfg *Config) interface{} {
				return cfg.Logging.Level
			},
			expectedValue: "debug",
		},
		{
			name:     "PROCESS_MESSAGE_LIMIT_SIZE overrides YAML overflow.limit_size",
			envVar:   EnvProcessMessageLimit,
			envValue: "2048",
			fieldChecker: func(cfg *Config) interface{} {
				return cfg.Overflow.LimitSize
			},
			expectedValue: 2048,
		},
		{
			name:     "PROCESS_MESSAGE_TMP_DIR enables overflow",
			envVar:   EnvProcessMessageTmpDir,
			envValue: tmpDir,
			fieldChecker: func(cfg *Config) interface{} {
				return cfg.Overflow.Enabled && cfg.Overflow.TmpDir == tmpDir
			},
			expectedValue: true,
		},
		{
			name:     "IPC_TRANSPORT overrides YAML channel.transport",
			envVar:   EnvIPCTransport,
			envValue: "node",
			fieldChecker: func(cfg *Config) interface{} {
				return cfg.Channel.Transport
			},
			expectedValue: TransportNode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.envValue)

			cfg, err := Load(configPath)
			if err != nil {
				t.Fatalf("Load() error = %v, want nil", err)
			}

			actual := tt.fieldChecker(cfg)
			if actual != tt.expectedValue {
				t.Errorf("After env var override, got %v (type %T), want %v (type %T)",
					actual, actual, tt.expectedValue, tt.expectedValue)
			}
		})
	}
}

func TestLoadInvalidEnvValue(t *testing.T) {
	clearEnv(t)
	SetTestConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	defer SetTestConfigPath("")

	t.Setenv(EnvIPCMaxMessageSize, "lots")

	_, err := Load("")
	if err == nil {
		t.Fatal("Load() expected error for non-numeric IPC_MAX_MESSAGE_SIZE, got nil")
	}
	if !strings.Contains(err.Error(), EnvIPCMaxMessageSize) {
		t.Errorf("Expected error to mention %s, got %v", EnvIPCMaxMessageSize, err)
	}
}

func TestConfigString(t *testing.T) {
	s := Default().String()
	for _, want := range []string{"LoggingConfig", "ChannelConfig", "OverflowConfig", "LimitSize: 8192"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, want it to contain %q", s, want)
		}
	}
}
