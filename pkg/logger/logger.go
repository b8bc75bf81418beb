// Package logger builds the process-wide slog.Logger and carries request
// scoped loggers through a context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler.
type Format string

const (
	// FormatJSON emits one JSON object per line, for production.
	FormatJSON Format = "json"
	// FormatText emits logfmt-style lines, for local development.
	FormatText Format = "text"
)

// Options configures the logger.
type Options struct {
	Output io.Writer
	Level  slog.Level
	Format Format

	// AddSource records the caller's file and line.
	AddSource bool

	// Service and Version are attached to every record when set.
	Service string
	Version string
	Env     string
}

// DefaultOptions returns sensible defaults for the logger.
func DefaultOptions() Options {
	return Options{
		Output: os.Stdout,
		Level:  slog.LevelInfo,
		Format: FormatText,
	}
}

// New creates a logger with the given options.
func New(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level, AddSource: opts.AddSource}
	var h slog.Handler
	if opts.Format == FormatJSON {
		h = slog.NewJSONHandler(opts.Output, handlerOpts)
	} else {
		h = slog.NewTextHandler(opts.Output, handlerOpts)
	}

	l := slog.New(h)
	if opts.Service != "" {
		l = l.With("service", opts.Service)
	}
	if opts.Version != "" {
		l = l.With("version", opts.Version)
	}
	if opts.Env != "" {
		l = l.With("env", opts.Env)
	}
	return l
}

// ParseLevel parses a level name; unknown names give info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTEXT PROPAGATION
// ══════════════════════════════════════════════════════════════════════════════

type ctxKey struct{}

// WithContext returns a new context with the logger attached.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves the logger from context, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Common attribute keys.
const (
	RequestIDKey = "request_id"
	UserIDKey    = "user_id"
	EventIDKey   = "event_id"
)

// UserID returns the user id attribute.
func UserID(id string) slog.Attr { return slog.String(UserIDKey, id) }

// RequestID returns the request id attribute.
func RequestID(id string) slog.Attr { return slog.String(RequestIDKey, id) }
