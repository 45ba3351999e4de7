package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "peercall"

// Span attributes shared by the session core and the relay.
var (
	SessionIDKey   = attribute.Key("session.id")
	PeerIDKey      = attribute.Key("peer.id")
	OperationKey   = attribute.Key("session.operation")
	MessageTypeKey = attribute.Key("signal.type")
	MediaKindKey   = attribute.Key("media.kind")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "peercall",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Provider owns the installed SDK provider. The zero value is a disabled
// provider whose Shutdown does nothing.
type Provider struct {
	sdk *tracesdk.TracerProvider
}

// Init exports spans to Jaeger and installs W3C trace-context propagation so
// the signaling client and relay share traces. When tracing is disabled the
// global no-op provider is left alone.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	sdk := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		// A sampled remote parent keeps the whole call in one trace.
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{sdk: sdk}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// TraceSession spans one negotiation step, e.g. "create_offer".
func TraceSession(ctx context.Context, operation, sessionID string) (context.Context, trace.Span) {
	return start(ctx, "session."+operation,
		OperationKey.String(operation),
		SessionIDKey.String(sessionID),
	)
}

// TraceSignal spans one signaling message on its way through the bridge or
// relay. peerID may be empty when the sender is not known.
func TraceSignal(ctx context.Context, messageType, sessionID, peerID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		MessageTypeKey.String(messageType),
		SessionIDKey.String(sessionID),
	}
	if peerID != "" {
		attrs = append(attrs, PeerIDKey.String(peerID))
	}
	return start(ctx, "signal."+messageType, attrs...)
}

// TraceHTTPRequest spans an inbound relay request. The server kind lets a
// propagated client span become its parent.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed. A nil error is ignored.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// WithMessage attaches a human readable message to a span event.
func WithMessage(msg string) trace.EventOption {
	return trace.WithAttributes(attribute.String("message", msg))
}
