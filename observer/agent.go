package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// Turn instruments fn as one agent turn, emitting the turn counter, duration
// histogram, and a structured log record. Spans are not created here: the
// agent's own tracer (see NewTracer) owns the turn span, so LLM and tool
// child spans nest under it through context propagation.
func Turn(ctx context.Context, inst *Instruments, agent string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	durationMs := float64(time.Since(start).Milliseconds())

	status := "ok"
	switch {
	case ctx.Err() != nil && err != nil:
		status = "cancelled"
	case err != nil:
		status = "error"
	}

	inst.AgentTurns.Add(ctx, 1, metric.WithAttributes(
		AttrAgentName.String(agent),
		attribute.String("status", status),
	))
	inst.TurnDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentName.String(agent),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent turn completed"))
	rec.AddAttributes(
		otellog.String("agent.name", agent),
		otellog.String("agent.status", status),
		otellog.Float64("duration_ms", durationMs),
	)
	inst.Logger.Emit(ctx, rec)

	return err
}
