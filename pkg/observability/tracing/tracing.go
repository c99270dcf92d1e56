package tracing

import (
    "context"
    "io"
    "sync/atomic"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/codes"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
    "go.opentelemetry.io/otel/trace"
)

var enabled atomic.Bool

// Setup installs a global tracer provider exporting to w (stdout when nil)
// if enable is set. The returned shutdown flushes pending spans.
func Setup(enable bool, w io.Writer) (func(context.Context) error, error) {
    enabled.Store(enable)
    if !enable {
        return func(context.Context) error { return nil }, nil
    }
    opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
    if w != nil { opts = append(opts, stdouttrace.WithWriter(w)) }
    exp, err := stdouttrace.New(opts...)
    if err != nil {
        return nil, err
    }
    tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
    otel.SetTracerProvider(tp)
    return tp.Shutdown, nil
}

// Span wraps an otel span; the zero value is a no-op.
type Span struct{ s trace.Span }

// End finishes the span, recording err when non-nil.
func (s Span) End(err error) {
    if s.s == nil { return }
    if err != nil {
        s.s.RecordError(err)
        s.s.SetStatus(codes.Error, err.Error())
    }
    s.s.End()
}

// StartSpan starts a span named name when tracing is enabled.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, Span) {
    if !enabled.Load() {
        return ctx, Span{}
    }
    ctx, sp := otel.Tracer("go-swim").Start(ctx, name, trace.WithAttributes(attrs...))
    return ctx, Span{s: sp}
}
