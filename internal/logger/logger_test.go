package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/billm/baaaht/extipc/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{
			name:    "valid json config to stdout",
			cfg:     config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			wantErr: false,
		},
		{
			name:    "valid text config to stderr",
			cfg:     config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			cfg:     config.LoggingConfig{Level: "invalid", Format: "json", Output: "stderr"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			cfg:     config.LoggingConfig{Level: "info", Format: "invalid", Output: "stderr"},
			wantErr: true,
		},
		{
			name:    "empty output defaults to stderr",
			cfg:     config.LoggingConfig{Level: "info", Format: "json", Output: ""},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger without error")
			}
		})
	}
}

func TestNewDefaultLogger(t *testing.T) {
	logger, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault() error = %v", err)
	}
	if logger.GetLevel() != LevelInfo {
		t.Errorf("NewDefault() level = %v, want %v", logger.GetLevel(), LevelInfo)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"trace", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "json", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}

	logger.With("component", "ipc_node").Info("Listener registered", "topic", "ping")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected exactly one log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	if entry["msg"] != "Listener registered" {
		t.Errorf("msg = %v, want Listener registered", entry["msg"])
	}
	if entry["component"] != "ipc_node" {
		t.Errorf("component = %v, want ipc_node", entry["component"])
	}
	if entry["topic"] != "ping" {
		t.Errorf("topic = %v, want ping", entry["topic"])
	}
}

func TestLoggerSetLevelPropagatesToDerived(t *testing.T) {
	var buf bytes.Buffer
	root, err := NewWithWriter(&buf, "text", LevelInfo)
	if err != nil {
		t.Fatalf("NewWithWriter() error = %v", err)
	}
	child := root.With("component", "codec")

	child.Debug("before")
	if buf.Len() != 0 {
		t.Fatalf("Expected debug to be filtered, got %q", buf.String())
	}

	root.SetLevel(LevelDebug)
	if child.GetLevel() != LevelDebug {
		t.Errorf("Derived logger level = %v, want %v", child.GetLevel(), LevelDebug)
	}

	child.Debug("after")
	if !strings.Contains(buf.String(), "after") {
		t.Errorf("Expected debug output after SetLevel, got %q", buf.String())
	}
	if !child.Enabled(LevelDebug) {
		t.Error("Enabled(LevelDebug) = false after SetLevel(LevelDebug)")
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "extipc.log")
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("Log file missing message: %q", data)
	}
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Error("discarded")
	if logger.Enabled(LevelError) {
		t.Error("Nop logger should not enable error level")
	}
}
