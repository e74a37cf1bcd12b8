package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// instruments holds the engine-wide metric instruments. Before Init they
// are bound to a no-op meter so call sites never nil-check.
type instruments struct {
	workSubmitted           metric.Int64Counter
	workStateTransitions    metric.Int64Counter
	queueOperations         metric.Int64Counter
	unroutableWork          metric.Int64Counter
	awarenessFailures       metric.Int64Counter
	emergencySummarizations metric.Int64Counter
	toolExecutions          metric.Int64Counter
	sandboxRuns             metric.Int64Counter
	llmTokens               metric.Int64Counter
	focusDuration           metric.Float64Histogram
	activeFoci              metric.Int64UpDownCounter
}

var (
	instMu sync.RWMutex
	inst   = mustInstruments(noop.NewMeterProvider().Meter(MeterName))
)

func initInstruments(meter metric.Meter) {
	instMu.Lock()
	defer instMu.Unlock()
	inst = mustInstruments(meter)
}

func mustInstruments(meter metric.Meter) *instruments {
	m := &instruments{}
	m.workSubmitted, _ = meter.Int64Counter("animus.work.submitted",
		metric.WithDescription("Work items submitted, by faculty and result"),
	)
	m.workStateTransitions, _ = meter.Int64Counter("animus.work.state_transitions",
		metric.WithDescription("Work item state transitions"),
	)
	m.queueOperations, _ = meter.Int64Counter("animus.queue.operations",
		metric.WithDescription("Queue adapter operations"),
	)
	m.unroutableWork, _ = meter.Int64Counter("animus.work.unroutable",
		metric.WithDescription("Queued work items with no configured faculty"),
	)
	m.awarenessFailures, _ = meter.Int64Counter("animus.awareness.failures",
		metric.WithDescription("Awareness digest assembly failures"),
	)
	m.emergencySummarizations, _ = meter.Int64Counter("animus.engage.emergency_summarizations",
		metric.WithDescription("Engage loops that needed LLM summarization beyond ledger compaction"),
	)
	m.toolExecutions, _ = meter.Int64Counter("animus.tool.executions",
		metric.WithDescription("Tool executions, by tool and outcome"),
	)
	m.sandboxRuns, _ = meter.Int64Counter("animus.sandbox.runs",
		metric.WithDescription("Code execution sandbox runs, by outcome"),
	)
	m.llmTokens, _ = meter.Int64Counter("animus.llm.tokens",
		metric.WithDescription("LLM tokens consumed, by direction"),
	)
	m.focusDuration, _ = meter.Float64Histogram("animus.focus.duration",
		metric.WithDescription("Focus wall time in seconds"),
		metric.WithUnit("s"),
	)
	m.activeFoci, _ = meter.Int64UpDownCounter("animus.focus.active",
		metric.WithDescription("Number of currently active foci"),
	)
	return m
}

func get() *instruments {
	instMu.RLock()
	defer instMu.RUnlock()
	return inst
}

func WorkSubmitted(ctx context.Context, faculty, result string) {
	get().workSubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("faculty", faculty),
		attribute.String("result", result),
	))
}

func WorkStateTransition(ctx context.Context, from, to string) {
	get().workStateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func QueueOperation(ctx context.Context, queue, operation string) {
	get().queueOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("operation", operation),
	))
}

func UnroutableWork(ctx context.Context, faculty string) {
	get().unroutableWork.Add(ctx, 1, metric.WithAttributes(
		attribute.String("faculty", faculty),
	))
}

func AwarenessFailure(ctx context.Context) {
	get().awarenessFailures.Add(ctx, 1)
}

func EmergencySummarization(ctx context.Context) {
	get().emergencySummarizations.Add(ctx, 1)
}

func ToolExecution(ctx context.Context, tool string, isError bool) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	get().toolExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	))
}

func SandboxRun(ctx context.Context, outcome string) {
	get().sandboxRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func LLMTokens(ctx context.Context, inputTokens, outputTokens int64) {
	get().llmTokens.Add(ctx, inputTokens, metric.WithAttributes(
		attribute.String("direction", "input"),
	))
	get().llmTokens.Add(ctx, outputTokens, metric.WithAttributes(
		attribute.String("direction", "output"),
	))
}

func FocusDuration(ctx context.Context, faculty string, seconds float64) {
	get().focusDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("faculty", faculty),
	))
}

func FocusStarted(ctx context.Context)  { get().activeFoci.Add(ctx, 1) }
func FocusFinished(ctx context.Context) { get().activeFoci.Add(ctx, -1) }
