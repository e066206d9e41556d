package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"

	"github.com/pricewatch/ingestd/internal/config"
)

// New constructs a slog.Logger configured according to the provided settings.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	handler, err := buildHandler(os.Stdout, cfg)
	if err != nil {
		return nil, err
	}

	return slog.New(handler), nil
}

// Open is New plus the optional JSON log file. The returned cleanup closes
// the file.
func Open(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	if cfg.File == "" {
		logger, err := New(cfg)
		return logger, func() error { return nil }, err
	}

	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
	}

	logger, err := NewWithWriters(os.Stdout, file, cfg)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return logger, file.Close, nil
}

// NewWithWriters fans records out to out, in the configured format, and to
// file as JSON.
func NewWithWriters(out, file io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	primary, err := buildHandler(out, cfg)
	if err != nil {
		return nil, err
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: cfg.Level})
	return slog.New(slogmulti.Fanout(primary, fileHandler)), nil
}

func buildHandler(w io.Writer, cfg config.LoggingConfig) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	switch cfg.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}
}
