package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "stream-rpc"

// TracingConfig configures OpenTelemetry instrumentation of dispatch.
// Nil providers and propagator fall back to the otel globals.
type TracingConfig struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Propagator     propagation.TextMapPropagator
	ServiceName    string
}

// TracingMiddleware starts a server span per call, parented on the trace
// context the client put in the header metadata, and records the
// rpc.server.requests counter and rpc.server.duration histogram.
func TracingMiddleware(cfg TracingConfig) Middleware {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "stream-rpc"
	}

	tracer := cfg.TracerProvider.Tracer(instrumentationName)
	meter := cfg.MeterProvider.Meter(instrumentationName)
	requests, _ := meter.Int64Counter("rpc.server.requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("Number of RPC calls dispatched"),
	)
	durations, _ := meter.Float64Histogram("rpc.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of RPC dispatch"),
	)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *CallInfo) error {
			if call.Metadata != nil {
				ctx = cfg.Propagator.Extract(ctx, call.Metadata)
			}

			attrs := []attribute.KeyValue{
				attribute.String("rpc.system", "stream_rpc"),
				attribute.String("rpc.service", cfg.ServiceName),
				attribute.String("rpc.method", call.Method),
				attribute.String("rpc.stream_rpc.shape", call.Shape.String()),
			}
			ctx, span := tracer.Start(ctx, "stream_rpc/"+call.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			if call.CallID != "" {
				span.SetAttributes(attribute.String("rpc.stream_rpc.call_id", call.CallID))
			}
			if call.Peer != nil {
				span.SetAttributes(attribute.String("net.peer.addr", call.Peer.String()))
			}

			start := time.Now()
			err := next(ctx, call)

			status := "ok"
			if err != nil {
				status = "error"
				span.SetStatus(codes.Error, err.Error())
				span.RecordError(err)
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()

			metricAttrs := metric.WithAttributes(append(attrs, attribute.String("status", status))...)
			if requests != nil {
				requests.Add(ctx, 1, metricAttrs)
			}
			if durations != nil {
				durations.Record(ctx, time.Since(start).Seconds(), metricAttrs)
			}
			return err
		}
	}
}
