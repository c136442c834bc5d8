package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce    sync.Once
	jobOpsCounter      metric.Int64Counter
	jobDuration        metric.Float64Histogram
	evalsCounter       metric.Int64Counter
	evalRetriesCounter metric.Int64Counter
	deploysCounter     metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter   metric.Int64Counter
	sseConnections     int64
	sseConnectionsMu   sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		jobOpsCounter, err = m.Int64Counter("voxtune_job_operations_total", metric.WithDescription("Total job operations (start, cancel, complete, etc.)"))
		if err != nil {
			return
		}
		jobDuration, err = m.Float64Histogram("voxtune_job_duration_seconds", metric.WithDescription("Optimization job duration in seconds"))
		if err != nil {
			return
		}
		evalsCounter, err = m.Int64Counter("voxtune_evaluations_total", metric.WithDescription("Total evaluation runs"))
		if err != nil {
			return
		}
		evalRetriesCounter, err = m.Int64Counter("voxtune_evaluation_retries_total", metric.WithDescription("Total evaluation retries after transient failures"))
		if err != nil {
			return
		}
		deploysCounter, err = m.Int64Counter("voxtune_deployments_total", metric.WithDescription("Total deployments and rollbacks pushed to the platform"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("voxtune_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("voxtune_sse_connections", metric.WithDescription("Current SSE subscriber count"))
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
	})
	return err
}

// RecordJobOp records a job operation (start, cancel, complete, fail).
func RecordJobOp(ctx context.Context, op, agent, state string) {
	if jobOpsCounter == nil {
		return
	}
	jobOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrAgent.String(agent),
		AttrState.String(state),
	))
}

// RecordJobDuration records a finished job's wall time.
func RecordJobDuration(ctx context.Context, agent, optimizer, budget string, duration time.Duration) {
	if jobDuration == nil {
		return
	}
	jobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		AttrAgent.String(agent),
		AttrOptimizer.String(optimizer),
		AttrBudget.String(budget),
	))
}

// RecordEvaluation records one evaluation run.
func RecordEvaluation(ctx context.Context, agent string) {
	if evalsCounter != nil {
		evalsCounter.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent)))
	}
}

// RecordEvaluationRetry records one transient-failure retry.
func RecordEvaluationRetry(ctx context.Context, agent string) {
	if evalRetriesCounter != nil {
		evalRetriesCounter.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent)))
	}
}

// RecordDeployment records one push to the platform (deploy or rollback).
func RecordDeployment(ctx context.Context, agent, kind string) {
	if deploysCounter != nil {
		deploysCounter.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent), AttrState.String(kind)))
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
