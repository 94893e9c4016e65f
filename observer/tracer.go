package observer

import (
	"context"
	"fmt"
	"os"
	"strings"

	tyler "github.com/tyler-ai/tyler"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements tyler.Tracer using OpenTelemetry.
type otelTracer struct {
	inner  trace.Tracer
	uiBase string
}

// TracerOption configures NewTracer.
type TracerOption func(*otelTracer)

// WithTraceURL sets the trace UI base URL reported by Span.Call. The span's
// trace id is appended to it, so "https://jaeger.example.com/trace" yields
// "https://jaeger.example.com/trace/<trace-id>".
func WithTraceURL(base string) TracerOption {
	return func(t *otelTracer) { t.uiBase = base }
}

// NewTracer returns a tyler.Tracer backed by the global OTEL TracerProvider.
// Call observer.Init() first to configure the provider; otherwise spans go to
// a no-op backend. The trace UI base URL defaults to the TYLER_TRACE_URL env
// var; see WithTraceURL.
func NewTracer(opts ...TracerOption) tyler.Tracer {
	t := &otelTracer{inner: otel.Tracer(scopeName), uiBase: os.Getenv("TYLER_TRACE_URL")}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...tyler.SpanAttr) (context.Context, tyler.Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	return ctx, &otelSpan{inner: span, uiBase: t.uiBase}
}

// otelSpan implements tyler.Span using an OTEL trace.Span.
type otelSpan struct {
	inner  trace.Span
	uiBase string
}

func (s *otelSpan) SetAttr(attrs ...tyler.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...tyler.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
}

// Call reports the span id and, when a UI base URL is configured, the trace
// UI link. A no-op span (Init never ran) reports empty strings.
func (s *otelSpan) Call() (string, string) {
	sc := s.inner.SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	id := sc.SpanID().String()
	if s.uiBase == "" {
		return id, ""
	}
	return id, strings.TrimSuffix(s.uiBase, "/") + "/" + sc.TraceID().String()
}

// toOTELAttr converts a tyler.SpanAttr to an OTEL attribute.KeyValue.
func toOTELAttr(a tyler.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

// compile-time checks
var (
	_ tyler.Tracer = (*otelTracer)(nil)
	_ tyler.Span   = (*otelSpan)(nil)
)
