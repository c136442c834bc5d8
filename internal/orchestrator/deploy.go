package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxtune/voxtune/internal/otel"
	"github.com/voxtune/voxtune/pkg/models"
)

// Deploy pushes a completed job's optimized spec to the platform and records
// the new version. A regression (optimized below baseline) is refused unless
// force is set. The first deployment for an agent snapshots the live platform
// spec as a baseline version so a rollback target always exists.
func (o *Orchestrator) Deploy(ctx context.Context, jobID string, force bool) (*models.DeployedVersion, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != models.StateCompleted || job.Result == nil || job.Result.Artifact == "" {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotCompleted, jobID, job.State)
	}
	if job.Result.Delta < 0 && !force {
		return nil, fmt.Errorf("%w: baseline %.3f, optimized %.3f", ErrRegression,
			job.Result.BaselineScore, job.Result.OptimizedScore)
	}
	agent, err := o.store.GetAgent(ctx, job.AgentID)
	if err != nil {
		return nil, err
	}

	cur, err := o.store.CurrentVersion(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}
	if cur == nil && agent.AssistantID != "" {
		live, err := o.gw.FetchCurrent(ctx, agent.AssistantID)
		if err != nil {
			return nil, err
		}
		if live != "" {
			snap := &models.DeployedVersion{
				AgentID:    agent.AgentID,
				Spec:       live,
				DeployedAt: time.Now().UTC(),
				Kind:       models.VersionKindBaseline,
			}
			if err := o.store.RecordVersion(ctx, snap); err != nil {
				return nil, err
			}
		}
	}

	if err := o.gw.Push(ctx, agent.AssistantID, job.Result.Artifact); err != nil {
		// The job and its result are untouched; the deployment can be retried.
		return nil, err
	}
	if err := o.store.UpdateAgentSpec(ctx, agent.AgentID, job.Result.Artifact); err != nil {
		return nil, err
	}
	v := &models.DeployedVersion{
		AgentID:     agent.AgentID,
		Spec:        job.Result.Artifact,
		DeployedAt:  time.Now().UTC(),
		SourceJobID: &job.JobID,
		Kind:        models.VersionKindDeploy,
	}
	if err := o.store.RecordVersion(ctx, v); err != nil {
		return nil, err
	}
	otel.RecordDeployment(ctx, agent.AgentID, models.VersionKindDeploy)
	slog.Info("deployed", "agent", agent.AgentID, "job", jobID, "force", force)
	return v, nil
}

// Rollback pushes the previous recorded version back to the platform.
func (o *Orchestrator) Rollback(ctx context.Context, agentID string) (*models.DeployedVersion, error) {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	prev, err := o.store.PreviousVersion(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("%w: agent %s", ErrNoHistory, agentID)
	}
	if err := o.gw.Push(ctx, agent.AssistantID, prev.Spec); err != nil {
		return nil, err
	}
	if err := o.store.UpdateAgentSpec(ctx, agentID, prev.Spec); err != nil {
		return nil, err
	}
	v := &models.DeployedVersion{
		AgentID:     agentID,
		Spec:        prev.Spec,
		DeployedAt:  time.Now().UTC(),
		SourceJobID: prev.SourceJobID,
		Kind:        models.VersionKindRollback,
	}
	if err := o.store.RecordVersion(ctx, v); err != nil {
		return nil, err
	}
	otel.RecordDeployment(ctx, agentID, models.VersionKindRollback)
	slog.Info("rolled back", "agent", agentID)
	return v, nil
}

// EvaluateNow runs a one-off evaluation of the agent's stored spec and records
// it with no job attached.
func (o *Orchestrator) EvaluateNow(ctx context.Context, agentID string) (*models.EvaluationRecord, error) {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	res, err := o.evaluateWithRetry(ctx, agentID, agent.Spec)
	if err != nil {
		return nil, err
	}
	rec := &models.EvaluationRecord{
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		PassRate:  res.PassRate,
		Raw:       res.Raw,
	}
	if _, err := o.store.CreateEvaluation(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
