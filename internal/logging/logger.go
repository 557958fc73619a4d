// Package logging wraps log/slog with structured helpers for run
// events. Credentials and command text are never logged.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jpoppe/libglue/internal/target"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logger settings.
type Config struct {
	Level  string    // debug, info, warn, or error
	Format Format    // json or text
	Output io.Writer // Defaults to stderr.
	Quiet  bool      // Suppress non-error output.
}

// Logger wraps slog.Logger with run-event helpers.
type Logger struct {
	logger *slog.Logger
	quiet  bool
}

// New creates a logger from config.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		quiet:  cfg.Quiet,
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(Config{Output: io.Discard, Level: "error"})
}

// Info logs an informational message unless quiet mode is on.
func (l *Logger) Info(msg string, args ...any) {
	if l.quiet {
		return
	}
	l.logger.Info(msg, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// SessionOpened logs a successful connection. Identity files and
// passwords stay out of the log.
func (l *Logger) SessionOpened(t target.Target, duration time.Duration, attempt int) {
	l.Info("session opened",
		"host", t.Host,
		"user", t.User,
		"port", t.Port,
		"duration_ms", duration.Milliseconds(),
		"attempt", attempt,
	)
}

// SessionFailed logs a failed connection attempt.
func (l *Logger) SessionFailed(t target.Target, err error, attempt int) {
	l.Error("session failed",
		"host", t.Host,
		"user", t.User,
		"port", t.Port,
		"error", err.Error(),
		"attempt", attempt,
	)
}

// TaskDone logs a completed task execution. The command itself is not
// logged; commands may embed secrets.
func (l *Logger) TaskDone(t target.Target, status string, exitCode int, duration time.Duration, attempts int) {
	l.Info("task done",
		"host", t.Host,
		"status", status,
		"exit_code", exitCode,
		"duration_ms", duration.Milliseconds(),
		"attempts", attempts,
	)
}

// Retry logs a retry decision with its backoff.
func (l *Logger) Retry(t target.Target, attempt int, backoff time.Duration, reason string) {
	l.Info("retrying",
		"host", t.Host,
		"attempt", attempt,
		"backoff_ms", backoff.Milliseconds(),
		"reason", reason,
	)
}

// HostKeyWarning logs that host key verification is disabled for a
// host.
func (l *Logger) HostKeyWarning(host string) {
	l.Warn("host key verification disabled", "host", host)
}

// RunStart logs the start of a dispatch run.
func (l *Logger) RunStart(targets, concurrency, maxAttempts int) {
	l.Info("run started",
		"targets", targets,
		"concurrency", concurrency,
		"max_attempts", maxAttempts,
	)
}

// RunComplete logs the end of a dispatch run.
func (l *Logger) RunComplete(targets, succeeded, failed int, elapsed time.Duration) {
	l.Info("run complete",
		"targets", targets,
		"succeeded", succeeded,
		"failed", failed,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}
