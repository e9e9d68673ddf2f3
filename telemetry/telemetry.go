// Package telemetry records OpenTelemetry metrics and spans for agent runs,
// loop iterations, completion calls and tool invocations. A nil *Telemetry is
// valid and records nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentloop/core"
)

const instrumentationName = "github.com/hupe1980/agentloop"

// Options configure the providers used to create instruments. Zero values
// fall back to the global providers.
type Options struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Telemetry holds all agentloop instruments.
type Telemetry struct {
	tracer trace.Tracer

	runs              metric.Int64Counter
	iterations        metric.Int64Counter
	toolCalls         metric.Int64Counter
	toolErrors        metric.Int64Counter
	tokens            metric.Int64Counter
	completionLatency metric.Float64Histogram
	runDuration       metric.Float64Histogram
}

// New creates all metric instruments.
func New(optFns ...func(o *Options)) (*Telemetry, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	meter := opts.MeterProvider.Meter(instrumentationName)
	t := &Telemetry{tracer: opts.TracerProvider.Tracer(instrumentationName)}
	var err error

	t.runs, err = meter.Int64Counter("agentloop.runs",
		metric.WithDescription("Number of finished runs by terminal state"))
	if err != nil {
		return nil, err
	}

	t.iterations, err = meter.Int64Counter("agentloop.iterations",
		metric.WithDescription("Number of loop iterations started"))
	if err != nil {
		return nil, err
	}

	t.toolCalls, err = meter.Int64Counter("agentloop.tool.calls",
		metric.WithDescription("Number of tool invocations"))
	if err != nil {
		return nil, err
	}

	t.toolErrors, err = meter.Int64Counter("agentloop.tool.errors",
		metric.WithDescription("Number of failed tool invocations"))
	if err != nil {
		return nil, err
	}

	t.tokens, err = meter.Int64Counter("agentloop.tokens",
		metric.WithDescription("Tokens consumed by completions"))
	if err != nil {
		return nil, err
	}

	t.completionLatency, err = meter.Float64Histogram("agentloop.completion.duration_seconds",
		metric.WithDescription("Completion call latency in seconds"))
	if err != nil {
		return nil, err
	}

	t.runDuration, err = meter.Float64Histogram("agentloop.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return t, nil
}

// StartRun starts a span for an agent run.
func (t *Telemetry) StartRun(ctx context.Context, agent, threadID string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.name", agent),
			attribute.String("thread.id", threadID),
		),
	)
}

// EndRun records the run outcome and ends its span.
func (t *Telemetry) EndRun(ctx context.Context, span trace.Span, agent string, state core.State, dur time.Duration, err error) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.name", agent),
		attribute.String("run.state", string(state)),
	)
	t.runs.Add(ctx, 1, attrs)
	t.runDuration.Record(ctx, dur.Seconds(), attrs)
	span.SetAttributes(attribute.String("run.state", string(state)))
	endSpan(span, err)
}

// StartIteration starts a span for one loop iteration.
func (t *Telemetry) StartIteration(ctx context.Context, agent string, iteration int) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	t.iterations.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.name", agent)))
	return t.tracer.Start(ctx, "agent.iteration",
		trace.WithAttributes(attribute.Int("iteration", iteration)),
	)
}

// StartCompletion starts a span for a completion call.
func (t *Telemetry) StartCompletion(ctx context.Context, model string, stream bool) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "completion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("model.name", model),
			attribute.Bool("completion.stream", stream),
		),
	)
}

// EndCompletion records latency and token usage and ends the span.
func (t *Telemetry) EndCompletion(ctx context.Context, span trace.Span, metrics core.Metrics, attempts int, err error) {
	if t == nil {
		return
	}
	model := attribute.String("model.name", metrics.Model)
	t.completionLatency.Record(ctx, float64(metrics.LatencyMs)/1000, metric.WithAttributes(model))
	if metrics.PromptTokens > 0 {
		t.tokens.Add(ctx, int64(metrics.PromptTokens), metric.WithAttributes(model, attribute.String("token.type", "prompt")))
	}
	if metrics.CompletionTokens > 0 {
		t.tokens.Add(ctx, int64(metrics.CompletionTokens), metric.WithAttributes(model, attribute.String("token.type", "completion")))
	}
	span.SetAttributes(
		attribute.Int("completion.attempts", attempts),
		attribute.Int("completion.total_tokens", metrics.TotalTokens),
		attribute.String("completion.finish_reason", metrics.FinishReason),
	)
	endSpan(span, err)
}

// StartTool starts a span for a tool call.
func (t *Telemetry) StartTool(ctx context.Context, callID, name string) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "tool.call",
		trace.WithAttributes(
			attribute.String("toolcall.id", callID),
			attribute.String("toolcall.tool", name),
		),
	)
}

// EndTool records the invocation and ends the span. kind is empty on success.
func (t *Telemetry) EndTool(ctx context.Context, span trace.Span, name string, kind core.ErrorKind, err error) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("toolcall.tool", name))
	t.toolCalls.Add(ctx, 1, attrs)
	if kind != "" {
		t.toolErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("toolcall.tool", name),
			attribute.String("error.kind", string(kind)),
		))
	}
	endSpan(span, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
