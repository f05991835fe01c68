// Package logger builds the slog logger shared by every executor component.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"pi-executor/internal/infra/config"
)

// maxValueLen bounds string attribute values. Raw agent output is logged at
// debug level and a single line can run to megabytes.
const maxValueLen = 1024

// New creates a configured *slog.Logger tagged with the executor component.
// The returned closer should be deferred to close a log file.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: truncateAttr,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler).With("component", "pi-executor"), closer, nil
}

// ForRun scopes a logger to a single agent run.
func ForRun(l *slog.Logger, runID string) *slog.Logger {
	if runID == "" {
		return l
	}
	return l.With("run_id", runID)
}

// ForSession scopes a logger to an agent session.
func ForSession(l *slog.Logger, sessionID string) *slog.Logger {
	if sessionID == "" {
		return l
	}
	return l.With("session_id", sessionID)
}

func truncateAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	if len(s) <= maxValueLen {
		return a
	}
	return slog.String(a.Key, fmt.Sprintf("%s...(%d bytes)", s[:maxValueLen], len(s)))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openOutput maps an output target to a writer. Anything other than
// stdout/stderr is a file path; its directory is created on demand.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o700); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
