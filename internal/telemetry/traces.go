package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Span represents a single trace span for an operation.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration_ms,omitempty"`
	Status    string            `json:"status"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Tracer creates and manages trace spans.
type Tracer struct {
	// Exporter receives completed spans. If nil, spans are discarded.
	Exporter SpanExporter
}

// SpanExporter receives completed spans for export to a tracing backend.
type SpanExporter interface {
	ExportSpan(span Span)
}

// SpanExporterFunc is a function adapter for SpanExporter.
type SpanExporterFunc func(span Span)

// ExportSpan calls the function.
func (f SpanExporterFunc) ExportSpan(span Span) { f(span) }

// LogExporter writes every finished span as a debug log line.
func LogExporter(logger *slog.Logger) SpanExporter {
	return SpanExporterFunc(func(s Span) {
		attrs := []any{
			slog.String("trace_id", s.TraceID),
			slog.String("span_id", s.SpanID),
			slog.String("operation", s.Operation),
			slog.String("status", s.Status),
			slog.Duration("duration", s.Duration),
		}
		if s.ParentID != "" {
			attrs = append(attrs, slog.String("parent_id", s.ParentID))
		}
		for k, v := range s.Tags {
			attrs = append(attrs, slog.String(k, v))
		}
		logger.Debug("span finished", attrs...)
	})
}

// NewTracer creates a new tracer with an optional exporter.
func NewTracer(exporter SpanExporter) *Tracer {
	return &Tracer{Exporter: exporter}
}

type traceContextKey struct{}

// StartSpan creates a new span and adds it to the context. The trace id is
// inherited from a parent span in ctx, then from the correlation id.
func (t *Tracer) StartSpan(ctx context.Context, operation string, tags map[string]string) (context.Context, *Span) {
	span := &Span{
		TraceID:   CorrelationID(ctx),
		SpanID:    uuid.NewString()[:8],
		Operation: operation,
		StartTime: time.Now(),
		Status:    "ok",
		Tags:      tags,
	}
	if span.TraceID == "" {
		span.TraceID = uuid.NewString()
	}
	if parent, ok := ctx.Value(traceContextKey{}).(*Span); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}
	return context.WithValue(ctx, traceContextKey{}, span), span
}

// EndSpan completes a span and exports it.
func (t *Tracer) EndSpan(span *Span, status string) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if status != "" {
		span.Status = status
	}
	if t != nil && t.Exporter != nil {
		t.Exporter.ExportSpan(*span)
	}
}
