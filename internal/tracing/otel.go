package tracing

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	initOnce sync.Once
	tpMu     sync.RWMutex
	tp       *sdktrace.TracerProvider
	initErr  error
)

// InitOpenTelemetry installs the process tracer provider once. Later calls
// return the first result.
func InitOpenTelemetry(serviceName string) error {
	initOnce.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)),
			resource.WithProcessPID(),
		)
		if err != nil {
			initErr = err
			return
		}

		p := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)
		tpMu.Lock()
		tp = p
		tpMu.Unlock()
		otel.SetTracerProvider(p)
	})
	return initErr
}

// ShutdownOpenTelemetry flushes pending spans.
func ShutdownOpenTelemetry(ctx context.Context) error {
	tpMu.RLock()
	p := tp
	tpMu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}

// StartSpan starts a span tagged with the session, run, agent and turn found
// in ctx. The span's trace id becomes the context trace id when none is set.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	all := append(contextAttributes(ctx), attrs...)
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(all...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// EndSpan ends span. Cancellation is recorded as an event rather than a
// failure.
func EndSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		span.AddEvent("canceled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func contextAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if v := GetSessionID(ctx); v != "" {
		attrs = append(attrs, attribute.String("keel.session_id", v))
	}
	if v := GetRunID(ctx); v != "" {
		attrs = append(attrs, attribute.String("keel.run_id", v))
	}
	if v := GetAgentID(ctx); v != "" {
		attrs = append(attrs, attribute.String("keel.agent_id", v))
	}
	if v := GetTurn(ctx); v > 0 {
		attrs = append(attrs, attribute.Int("keel.turn", v))
	}
	return attrs
}
