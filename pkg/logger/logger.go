// Package logger provides structured logging for the parlor server on top of log/slog.
// Fields are emitted in sorted key order so log lines are stable and greppable.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"sync/atomic"
	"time"
)

// Fields is a set of key/value pairs attached to a log line.
type Fields map[string]any

var (
	level   slog.LevelVar
	current atomic.Pointer[slog.Logger]
)

func init() {
	current.Store(New(os.Stderr))
}

// New creates a text logger writing to w. The level is shared with SetDebug.
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level}))
}

// SetLogger replaces the package logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	current.Store(l)
}

// SetDebug enables or disables DEBUG output.
func SetDebug(enabled bool) {
	if enabled {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(slog.LevelInfo)
}

// Debug logs at DEBUG level.
func Debug(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelDebug, 3, msg, fields)
}

// Info logs at INFO level.
func Info(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelInfo, 3, msg, fields)
}

// Warn logs at WARN level.
func Warn(ctx context.Context, msg string, fields Fields) {
	log(ctx, slog.LevelWarn, 3, msg, fields)
}

// Error logs at ERROR level with the error attached as the "error" field.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	merged := make(Fields, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	log(ctx, slog.LevelError, 3, msg, merged)
}

// LogAt logs at an arbitrary level, attributing the line to the caller skip frames up.
func LogAt(lvl slog.Level, skip int, msg string, fields Fields) {
	log(context.Background(), lvl, skip+3, msg, fields)
}

func log(ctx context.Context, lvl slog.Level, skip int, msg string, fields Fields) {
	if ctx == nil {
		ctx = context.Background()
	}
	l := current.Load()
	if !l.Enabled(ctx, lvl) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(skip, pcs[:])
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		r.AddAttrs(slog.Any(k, fields[k]))
	}

	_ = l.Handler().Handle(ctx, r) //nolint:errcheck // nowhere to report a failed log write
}
