// Package tracing times the steps of one unit of work. Spans travel in the
// context; the root span logs its whole tree once it ends.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

// Span is one timed step.
type Span struct {
	Name     string
	TraceID  string
	Start    time.Time
	Duration time.Duration
	Err      error

	mu       sync.Mutex
	attrs    []any
	children []*Span
	root     bool
}

// Start opens a root span. traceID ties the log lines of one tree together.
func Start(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{Name: name, TraceID: traceID, Start: time.Now(), root: true}
	return context.WithValue(ctx, contextKey{}, s), s
}

// Child opens a span below the one in ctx. Without a parent it is a
// detached span that is never logged.
func Child(ctx context.Context, name string) (context.Context, *Span) {
	s := &Span{Name: name, Start: time.Now()}
	if parent := FromContext(ctx); parent != nil {
		s.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, s)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, contextKey{}, s), s
}

func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(contextKey{}).(*Span)
	return s
}

// Set attaches key/value pairs logged with the span.
func (s *Span) Set(kv ...any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, kv...)
	s.mu.Unlock()
}

// End records the duration and error of the step. Ending a root span logs
// the tree at debug level.
func (s *Span) End(err error) {
	s.Duration = time.Since(s.Start)
	s.Err = err
	if s.root {
		s.log(slog.Default(), 0)
	}
}

// Children returns the direct child spans.
func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

func (s *Span) log(logger *slog.Logger, depth int) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	s.mu.Lock()
	attrs := append([]any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
		"depth", depth,
	}, s.attrs...)
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()
	if s.Err != nil {
		attrs = append(attrs, "error", s.Err)
	}
	logger.Debug("span", attrs...)
	for _, c := range children {
		c.log(logger, depth+1)
	}
}
