package otel

import (
	"context"
	"testing"
	"time"
)

func TestInitMetrics_RecordJobOp(t *testing.T) {
	ctx := context.Background()
	_, err := InitMeterProvider(ctx, "metrics-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordJobOp(ctx, "start", "a1", "pending")
	RecordJobOp(ctx, "complete", "a1", "completed")
}

func TestAddSSEConnection_RemoveSSEConnection(t *testing.T) {
	AddSSEConnection()
	AddSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection() // should not go negative
}

func TestRecordInstruments(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "record-test")
	_ = InitMetrics(ctx)
	RecordJobDuration(ctx, "a1", "gepa", "light", 100*time.Millisecond)
	RecordEvaluation(ctx, "a1")
	RecordEvaluationRetry(ctx, "a1")
	RecordDeployment(ctx, "a1", "deploy")
	RecordSSEEvent(ctx)
}
