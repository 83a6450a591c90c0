// Package observability builds the structured logger shared by every component.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level, encoding and destination.
type Config struct {
	Level      string
	Format     string
	Output     string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	AddSource  bool
}

// Runtime owns the logger and the rotating file behind it, if any.
type Runtime struct {
	logger *slog.Logger
	file   *lumberjack.Logger
}

// New constructs a logger runtime writing to stdout, a rotating file, or both.
func New(cfg Config) (*Runtime, error) {
	return newRuntime(cfg, os.Stdout)
}

func newRuntime(cfg Config, stdout io.Writer) (*Runtime, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	runtime := &Runtime{}
	var output io.Writer
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
		output = stdout
	case "file", "both":
		file, err := openRotating(cfg)
		if err != nil {
			return nil, err
		}
		runtime.file = file
		output = file
		if strings.EqualFold(strings.TrimSpace(cfg.Output), "both") {
			output = io.MultiWriter(stdout, file)
		}
	default:
		return nil, fmt.Errorf("logging output %q unsupported", cfg.Output)
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		return nil, fmt.Errorf("logging format %q unsupported", cfg.Format)
	}
	runtime.logger = slog.New(handler)
	return runtime, nil
}

func openRotating(cfg Config) (*lumberjack.Logger, error) {
	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		return nil, fmt.Errorf("logging file path required for output %q", cfg.Output)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}, nil
}

// Logger returns the configured logger.
func (r *Runtime) Logger() *slog.Logger {
	if r == nil || r.logger == nil {
		return NewNop()
	}
	return r.logger
}

// Shutdown closes the rotating file, if one is open.
func (r *Runtime) Shutdown(_ context.Context) error {
	if r == nil || r.file == nil {
		return nil
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// ParseLevel maps a textual level onto slog levels. Blank means info.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging level %q unsupported", raw)
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrNop returns logger, or a discarding logger when nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	return logger
}

// Err returns a slog attribute for an error under the conventional "error" key.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
