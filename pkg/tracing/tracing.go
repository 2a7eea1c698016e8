// Package tracing wires OpenTelemetry spans for session setup. With tracing
// disabled every helper still works against the global no-op provider.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "confhammer"

// TracerProvider owns the exporter pipeline. The zero value is a disabled
// provider whose Shutdown is a no-op.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	// Room is attached to every span so runs against different rooms can be
	// told apart in one collector.
	Room       string
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: instrumentation,
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "loadtest",
		SampleRate:  1.0,
	}
}

// Init installs a Jaeger-backed provider as the global one.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("environment", cfg.Environment),
	}
	if cfg.Room != "" {
		attrs = append(attrs, RoomKey.String(cfg.Room))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	// Parent-based so a sampled session span keeps all of its children.
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, opts...)
}

// AddSpanAttributes annotates the span carried by ctx, if it records.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span carried by ctx as failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	NicknameKey  = attribute.Key("session.nickname")
	RoomKey      = attribute.Key("session.room")
	SessionIDKey = attribute.Key("jingle.sid")
	ICEStateKey  = attribute.Key("ice.state")
	ContentsKey  = attribute.Key("jingle.contents")
	DurationKey  = attribute.Key("duration_ms")
)

// TraceSession starts a "session.<operation>" span for one participant.
func TraceSession(ctx context.Context, operation, nickname string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session."+operation,
		trace.WithAttributes(NicknameKey.String(nickname)),
	)
}

func TraceICE(ctx context.Context, nickname string, transports int) (context.Context, trace.Span) {
	return StartSpan(ctx, "ice.establish",
		trace.WithAttributes(
			NicknameKey.String(nickname),
			attribute.Int("ice.transports", transports),
		),
	)
}

// TraceHTTP starts a server span for a status request.
func TraceHTTP(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http "+method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// MeasureDuration records the time since start on the span carried by ctx.
func MeasureDuration(ctx context.Context, start time.Time) {
	AddSpanAttributes(ctx, DurationKey.Int64(time.Since(start).Milliseconds()))
}
