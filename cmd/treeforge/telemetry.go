package main

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// telemetry routes finished workspace spans into the structured log
type telemetry struct {
	provider *sdktrace.TracerProvider
}

func newTelemetry(logger *slog.Logger) *telemetry {
	return &telemetry{
		provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&logSpanProcessor{logger: logger})),
	}
}

func (t *telemetry) Tracer(name string) trace.Tracer {
	return t.provider.Tracer(name)
}

func (t *telemetry) Close() {
	_ = t.provider.Shutdown(context.Background())
}

type logSpanProcessor struct {
	logger *slog.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	attrs := []any{
		"span", span.Name(),
		"duration", span.EndTime().Sub(span.StartTime()),
	}
	for _, kv := range span.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}

	if span.Status().Code == codes.Error {
		p.logger.Warn("span failed", append(attrs, "error", span.Status().Description)...)
		return
	}
	p.logger.Debug("span finished", attrs...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
