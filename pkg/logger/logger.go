// Package logger configures slog for the process and carries per-request
// attributes (request ID, certificate owner) in the context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type attrsKey struct{}

type requestIDKey struct{}

// Setup installs the process-wide slog handler writing to stdout.
func Setup(level string, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger. Level is one of debug, info, warn or error; format is
// json or text. Debug output carries the source position.
func New(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(level),
		AddSource: level == "debug",
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithAttrs returns a context whose FromContext logger also carries args.
func WithAttrs(ctx context.Context, args ...any) context.Context {
	prev, _ := ctx.Value(attrsKey{}).([]any)
	attrs := make([]any, 0, len(prev)+len(args))
	attrs = append(append(attrs, prev...), args...)
	return context.WithValue(ctx, attrsKey{}, attrs)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey{}, requestID)
	return WithAttrs(ctx, "request_id", requestID)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithOwner tags later log lines of the request with the client
// certificate owner.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return WithAttrs(ctx, "owner", ownerID)
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if attrs, ok := ctx.Value(attrsKey{}).([]any); ok && len(attrs) > 0 {
		logger = logger.With(attrs...)
	}
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
