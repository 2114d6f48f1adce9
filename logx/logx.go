// Package logx provides the proxy's structured logging: a slog.Logger
// wrapper that annotates every record with the trace id carried on the
// call's context.Context, the Go re-expression of the reference's
// contextvars-based trace-id formatter.
package logx

import (
	"context"
	"log/slog"
	"os"
)

type traceIDKey struct{}

// WithTraceID returns a context carrying traceID for later retrieval by
// TraceID or Logger.Log calls made against that context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the trace id carried on ctx, or "" if none was set.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey{}).(string)
	return v
}

// traceHandler wraps an slog.Handler, adding a trace_id attribute to any
// record whose context carries one.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := TraceID(ctx); id != "" {
		r.AddAttrs(slog.String("trace_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{h.Handler.WithGroup(name)}
}

// ParseLevel maps the configuration's four accepted level names to an
// slog.Level. Callers are expected to have already validated level is one
// of debug|info|warning|error.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a text-handler logger at the given level, writing to stdout,
// wrapped so that any call carrying a trace id in its context.Context gets
// a trace_id attribute automatically.
func New(level string) *slog.Logger {
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(&traceHandler{h})
}
