package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	taskOpsCounter      metric.Int64Counter
	taskRunsCounter     metric.Int64Counter
	taskRunDuration     metric.Float64Histogram
	stageRetryCounter   metric.Int64Counter
	sandboxGauge        metric.Int64ObservableGauge
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// SandboxCountFunc reports the number of live sandboxes; wired to the
// sandbox manager.
type SandboxCountFunc func() int

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider. sandboxCount may be nil.
func InitMetrics(ctx context.Context, sandboxCount SandboxCountFunc) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("asynccode_task_operations_total", metric.WithDescription("Total task operations (submit, cancel, chat, pr, etc.)"))
		if err != nil {
			return
		}
		taskRunsCounter, err = m.Int64Counter("asynccode_task_runs_total", metric.WithDescription("Total task runs by terminal status"))
		if err != nil {
			return
		}
		taskRunDuration, err = m.Float64Histogram("asynccode_task_run_duration_seconds", metric.WithDescription("Task run duration from admission to terminal state"))
		if err != nil {
			return
		}
		stageRetryCounter, err = m.Int64Counter("asynccode_stage_retries_total", metric.WithDescription("Transient-stage retries in the run pipeline"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("asynccode_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("asynccode_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
		if sandboxCount == nil {
			return
		}
		sandboxGauge, err = m.Int64ObservableGauge("asynccode_active_sandboxes", metric.WithDescription("Currently live execution sandboxes"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(sandboxGauge, int64(sandboxCount()))
			return nil
		}, sandboxGauge)
	})
	return err
}

// RecordTaskOp records a task operation (submit, cancel, chat, pr, etc.).
func RecordTaskOp(ctx context.Context, op, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrStatus.String(status),
	))
}

// RecordTaskRun records a finished run: its terminal status, the agent that
// ran it, and how long it was running.
func RecordTaskRun(ctx context.Context, agent, status string, duration time.Duration) {
	if taskRunsCounter != nil {
		taskRunsCounter.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent), AttrStatus.String(status)))
	}
	if taskRunDuration != nil {
		taskRunDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrAgent.String(agent), AttrStatus.String(status)))
	}
}

// RecordStageRetry records one transient retry of a pipeline stage.
func RecordStageRetry(ctx context.Context, stage string) {
	if stageRetryCounter != nil {
		stageRetryCounter.Add(ctx, 1, metric.WithAttributes(AttrStage.String(stage)))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}
