// Package telemetry wires OpenTelemetry tracing into the dispatch observer.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/actionguard/internal/observe"
)

// InstrumentationName is the tracer name used for dispatch spans.
const InstrumentationName = "github.com/ChuLiYu/actionguard"

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: an empty endpoint returns a no-op shutdown function and
// leaves the global provider untouched. The returned shutdown function
// flushes pending spans and should be deferred by the caller.
func Setup(ctx context.Context, serviceName, endpoint string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer turns observer events into spans, one span per dispatch that runs
// its action.
type Tracer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[uint64]trace.Span
}

// NewTracer builds a Tracer on tp. A nil tp uses the global provider.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{
		tracer: tp.Tracer(InstrumentationName),
		spans:  make(map[uint64]trace.Span),
	}
}

// Observer returns the observer to install with SetObserver.
func (t *Tracer) Observer() observe.Observer {
	return t.observe
}

func (t *Tracer) observe(ev observe.Event) error {
	switch ev.Phase {
	case observe.PhaseStart:
		_, span := t.tracer.Start(context.Background(), "dispatch "+ev.Key.String(),
			trace.WithAttributes(
				attribute.String("actionguard.key", ev.Key.String()),
				attribute.Int64("actionguard.dispatch_id", int64(ev.ID)),
			))
		if ev.Metrics != nil {
			span.SetAttributes(attribute.String("actionguard.metrics", fmt.Sprint(ev.Metrics)))
		}
		t.mu.Lock()
		t.spans[ev.ID] = span
		t.mu.Unlock()
		return nil

	default:
		t.mu.Lock()
		span, ok := t.spans[ev.ID]
		delete(t.spans, ev.ID)
		t.mu.Unlock()
		if !ok {
			return fmt.Errorf("no span for dispatch %d", ev.ID)
		}
		span.SetAttributes(attribute.Int64("actionguard.duration_ms", ev.Duration.Milliseconds()))
		if ev.Err != nil {
			span.RecordError(ev.Err)
			span.SetStatus(codes.Error, ev.Err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		return nil
	}
}

// Open reports spans started but not yet ended.
func (t *Tracer) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}
