package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"log/slog"

	"github.com/pricewatch/ingestd/internal/config"
)

func TestNewConfiguresSupportedFormats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		level  slog.Level
	}{
		{name: "json", format: "json", level: slog.LevelWarn},
		{name: "text", format: "text", level: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(config.LoggingConfig{Level: tt.level, Format: tt.format})
			if err != nil {
				t.Fatalf("New returned error: %v", err)
			}

			if logger == nil {
				t.Fatal("expected non-nil logger")
			}

			levels := []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError}
			ctx := context.Background()
			for _, lvl := range levels {
				enabled := logger.Enabled(ctx, lvl)
				expected := lvl >= tt.level
				if enabled != expected {
					t.Fatalf("logger level %v enabled(%v)=%t, want %t", tt.level, lvl, enabled, expected)
				}
			}

			if logger.Handler() == nil {
				t.Fatal("expected handler to be configured")
			}
		})
	}
}

func TestNewWithUnsupportedFormat(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: slog.LevelInfo, Format: "pretty"})
	if err == nil {
		t.Fatal("expected error for unsupported format, got nil")
	}

	if !strings.Contains(err.Error(), "unsupported log format") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewWithWritersFansOut(t *testing.T) {
	var out, file bytes.Buffer
	logger, err := NewWithWriters(&out, &file, config.LoggingConfig{Level: slog.LevelInfo, Format: "text"})
	if err != nil {
		t.Fatalf("NewWithWriters returned error: %v", err)
	}

	logger.Debug("dropped")
	logger.Info("run launched", "run_id", "run_1")

	if !strings.Contains(out.String(), "run_id=run_1") {
		t.Errorf("expected text record on primary output, got %q", out.String())
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(file.Bytes()), &record); err != nil {
		t.Fatalf("expected a single JSON record in file, got %q: %v", file.String(), err)
	}
	if record["msg"] != "run launched" || record["run_id"] != "run_1" {
		t.Errorf("unexpected file record: %v", record)
	}
}

func TestOpenWritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingestd.log")
	logger, cleanup, err := Open(config.LoggingConfig{Level: slog.LevelInfo, Format: "json", File: path})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	logger.Info("hello")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup returned error: %v", err)
	}

	if _, _, err := Open(config.LoggingConfig{Format: "json", File: filepath.Join(t.TempDir(), "missing", "x.log")}); err == nil {
		t.Fatal("expected error for an unwritable log file")
	}
}
