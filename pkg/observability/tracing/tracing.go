package tracing

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var enabled atomic.Bool

// Setup configures a global tracer provider when enable=true.
// It returns a shutdown function which should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
	enabled.Store(enable)
	if !enable {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a tracing span if tracing is enabled. The returned end
// function records the given attributes before ending the span.
func StartSpan(ctx context.Context, name string) (context.Context, func(attrs ...attribute.KeyValue)) {
	if !enabled.Load() {
		return ctx, func(...attribute.KeyValue) {}
	}
	ctx, span := otel.Tracer("loadelect").Start(ctx, name)
	return ctx, func(attrs ...attribute.KeyValue) { endSpan(span, attrs) }
}

func endSpan(span trace.Span, attrs []attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.End()
}
