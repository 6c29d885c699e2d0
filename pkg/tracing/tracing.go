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

// TracerProvider wraps OpenTelemetry tracer provider
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Config contains tracing configuration
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "meshcall",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0, // 100% sampling by default
	}
}

// Init initializes tracing
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	// Create Jaeger exporter
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// Create resource
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String("1.0.0"),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

// Shutdown shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("meshcall")
	return tracer.Start(ctx, name, opts...)
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records an error in the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanStatus sets the status of the current span
func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}

// Common span attributes
var (
	RoomIDKey    = attribute.Key("room.id")
	SessionIDKey = attribute.Key("session.id")
	RemoteIDKey  = attribute.Key("session.remote_id")
	MessageKey   = attribute.Key("signal.message_type")
	DurationKey  = attribute.Key("duration")
)

// TraceHTTPRequest traces an HTTP request
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceSignalMessage traces one inbound signaling envelope.
func TraceSignalMessage(ctx context.Context, messageType string, sessionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("signal.%s", messageType),
		trace.WithAttributes(
			MessageKey.String(messageType),
			SessionIDKey.String(sessionID),
		),
	)
}

// TraceRoomOperation traces a room registry operation
func TraceRoomOperation(ctx context.Context, operation string, roomID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("room.%s", operation),
		trace.WithAttributes(
			attribute.String("room.operation", operation),
			RoomIDKey.String(roomID),
		),
	)
}

// TraceNegotiation traces a client-side negotiation step with one remote peer.
func TraceNegotiation(ctx context.Context, operation string, localID, remoteID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("negotiation.%s", operation),
		trace.WithAttributes(
			attribute.String("negotiation.operation", operation),
			SessionIDKey.String(localID),
			RemoteIDKey.String(remoteID),
		),
	)
}

// TraceDatabaseOperation opens a db.<operation> span for one table.
func TraceDatabaseOperation(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("db.%s", operation),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.table", table),
		),
	)
}

// MeasureDuration records the time since start on the span in ctx.
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	duration := time.Since(start)
	AddSpanAttributes(ctx,
		attribute.String("operation", operation),
		DurationKey.Int64(duration.Milliseconds()),
	)
}
