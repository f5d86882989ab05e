package llm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/appdraft/appdraft/internal/llm"

// Telemetry returns middleware that records one span and one set of metrics
// per completion call: duration, input/output tokens and stop reason.
func Telemetry() Middleware {
	tracer := otel.Tracer(instrumentationName)
	meter := otel.Meter(instrumentationName)

	calls, _ := meter.Int64Counter("llm.calls",
		metric.WithDescription("Completion calls by provider and outcome"))
	inputTokens, _ := meter.Int64Counter("llm.tokens.input",
		metric.WithDescription("Input tokens consumed"))
	outputTokens, _ := meter.Int64Counter("llm.tokens.output",
		metric.WithDescription("Output tokens produced"))
	duration, _ := meter.Float64Histogram("llm.duration.seconds",
		metric.WithDescription("Completion call duration"))

	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Completion, error) {
			attrs := []attribute.KeyValue{
				attribute.String("llm.provider", req.Provider),
				attribute.String("llm.model", req.Model),
			}
			ctx, span := tracer.Start(ctx, "llm.complete",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(attrs...))
			start := time.Now()

			resp, err := next(ctx, req)

			elapsed := time.Since(start).Seconds()
			outcome := "ok"
			if err != nil {
				outcome = "error"
				span.RecordError(err)
			} else {
				span.SetAttributes(
					attribute.Int("llm.tokens.input", resp.InputTokens),
					attribute.Int("llm.tokens.output", resp.OutputTokens),
					attribute.String("llm.stop_reason", resp.StopReason),
				)
				inputTokens.Add(ctx, int64(resp.InputTokens), metric.WithAttributes(attrs...))
				outputTokens.Add(ctx, int64(resp.OutputTokens), metric.WithAttributes(attrs...))
			}
			callAttrs := append(attrs, attribute.String("llm.outcome", outcome))
			calls.Add(ctx, 1, metric.WithAttributes(callAttrs...))
			duration.Record(ctx, elapsed, metric.WithAttributes(callAttrs...))
			span.End()
			return resp, err
		}
	}
}
