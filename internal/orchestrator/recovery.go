package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxtune/voxtune/pkg/models"
)

// RecoverInterrupted fails every non-terminal job left over from a previous
// daemon process. Called once at startup, before any new job can run.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	active, err := o.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range active {
		won, err := o.store.FinishJob(ctx, job.JobID, models.StateFailed,
			&models.ResultSummary{Error: "interrupted by daemon restart"})
		if err != nil {
			return n, err
		}
		if won {
			n++
			slog.Warn("recovered interrupted job", "job", job.JobID, "agent", job.AgentID, "state", job.State)
		}
	}
	return n, nil
}

// SweepOrphans fails active jobs that have no running goroutine in this
// process. Normally there are none; this catches bugs and crashed runs.
func (o *Orchestrator) SweepOrphans(ctx context.Context) (int, error) {
	active, err := o.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range active {
		o.mu.Lock()
		_, tracked := o.cancels[job.JobID]
		o.mu.Unlock()
		if tracked {
			continue
		}
		// Grace period: a just-created job may not be registered yet.
		if time.Since(job.CreatedAt) < 30*time.Second {
			continue
		}
		won, err := o.store.FinishJob(ctx, job.JobID, models.StateFailed,
			&models.ResultSummary{Error: "orphaned: no running handler"})
		if err != nil {
			return n, err
		}
		if won {
			n++
			o.hub.Publish(models.JobEvent{
				Type:      "done",
				JobID:     job.JobID,
				AgentID:   job.AgentID,
				State:     models.StateFailed,
				Timestamp: time.Now().UTC(),
			})
			slog.Warn("swept orphaned job", "job", job.JobID, "agent", job.AgentID)
		}
	}
	return n, nil
}

// RunSweeper sweeps orphans on a ticker until ctx is cancelled.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := o.SweepOrphans(ctx); err != nil {
				slog.Error("orphan sweep failed", "err", err)
			}
		}
	}
}
