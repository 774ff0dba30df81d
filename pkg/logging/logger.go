// Package logging configures the process-wide zerolog logger and routes
// client-go's klog output through it.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/klog/v2"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// File, when set, replaces Output with an append-mode log file.
	// The TUI owns the terminal, so it always logs to a file.
	File string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and klog. The returned closer
// releases the log file, if one was opened.
func Setup(cfg Config) (zerolog.Logger, io.Closer, error) {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var closer io.Closer = nopCloser{}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, NoColor: cfg.File != ""}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	// client-go reports watch and transport trouble through klog
	klog.SetLogger(logr.New(&klogSink{logger: logger.With().Str("component", "client-go").Logger()}))

	return logger, closer, nil
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// klogSink is a logr.LogSink that hands klog records to zerolog.
// klog verbosity 0 maps to debug; higher verbosity is dropped.
type klogSink struct {
	logger zerolog.Logger
}

func (s *klogSink) Init(logr.RuntimeInfo) {}

func (s *klogSink) Enabled(level int) bool {
	return level == 0 && s.logger.GetLevel() <= zerolog.DebugLevel && zerolog.GlobalLevel() <= zerolog.DebugLevel
}

func (s *klogSink) Info(_ int, msg string, keysAndValues ...any) {
	s.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (s *klogSink) Error(err error, msg string, keysAndValues ...any) {
	s.logger.Warn().Err(err).Fields(keysAndValues).Msg(msg)
}

func (s *klogSink) WithValues(keysAndValues ...any) logr.LogSink {
	return &klogSink{logger: s.logger.With().Fields(keysAndValues).Logger()}
}

func (s *klogSink) WithName(name string) logr.LogSink {
	return &klogSink{logger: s.logger.With().Str("logger", name).Logger()}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Log Level Guidelines:
//
// Debug: cache hit/miss/stale, single-flight coalescing, prefetch scheduling,
// watch-driven invalidation, rejected stale commits
//
// Info: startup and shutdown, snapshot warm-up, namespace switches,
// upstream health recovered
//
// Warn: retries, dropped notifications, throttling while degraded,
// unreadable snapshots
//
// Error: exhausted retries, terminal fetch failures, upstream offline
//
// Context Fields:
//   - component: emitting package (cache, fetch-pool, orchestrator, ...)
//   - key: canonical cache key
//   - kind: resource kind
//   - class: fetch error class
//   - attempt: attempt number of a fetch
//   - namespace: namespace in scope
