// Package models provides shared types for the Voxtune HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import (
	"encoding/json"
	"time"
)

// Agent is a voice agent under optimization: a YAML behavior specification plus
// an optional external platform assistant id it deploys to.
type Agent struct {
	AgentID     string    `json:"agent_id"`
	Name        string    `json:"name"`
	Spec        string    `json:"spec,omitempty"`
	AssistantID string    `json:"assistant_id,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Job is one optimization attempt for an agent. Owned exclusively by the
// orchestrator; immutable once in a terminal state.
type Job struct {
	JobID       string            `json:"job_id"`
	AgentID     string            `json:"agent_id"`
	State       string            `json:"state"`
	Optimizer   string            `json:"optimizer"`
	Params      map[string]string `json:"params,omitempty"`
	Budget      string            `json:"budget"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      *ResultSummary    `json:"result,omitempty"`
}

// Terminal reports whether the job state is completed, failed, or cancelled.
func (j *Job) Terminal() bool { return TerminalState(j.State) }

// ResultSummary is populated when a job reaches completed or failed.
// Deployable is advisory: the optimized score met the quality gate. It never
// blocks deployment; that stays an explicit caller decision.
type ResultSummary struct {
	BaselineScore  float64 `json:"baseline_score"`
	OptimizedScore float64 `json:"optimized_score"`
	Delta          float64 `json:"delta"`
	Deployable     bool    `json:"deployable"`
	Artifact       string  `json:"artifact,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// ProgressEvent is one persisted entry of a job's append-only progress log.
type ProgressEvent struct {
	Seq       int64     `json:"seq"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`
	Fraction  float64   `json:"fraction"`
	Note      string    `json:"note,omitempty"`
}

// JobEvent is the SSE payload for job streams: progress updates, state
// transitions, and a final terminal event carrying the result summary.
type JobEvent struct {
	Type      string         `json:"type"` // "progress", "state", or "done"
	JobID     string         `json:"job_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	State     string         `json:"state,omitempty"`
	Fraction  float64        `json:"fraction,omitempty"`
	Note      string         `json:"note,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Result    *ResultSummary `json:"result,omitempty"`
}

// EvaluationRecord is one scored run (baseline, optimized, or manual) for an
// agent. Append-only; never mutated or deleted.
type EvaluationRecord struct {
	EvalID      int64           `json:"eval_id"`
	AgentID     string          `json:"agent_id"`
	JobID       *string         `json:"job_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	PassRate    float64         `json:"pass_rate"`
	IsBaseline  bool            `json:"is_baseline"`
	IsOptimized bool            `json:"is_optimized"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// DeployedVersion is a specification pushed to the external platform for an
// agent. History is retained; the newest row per agent is the current version.
type DeployedVersion struct {
	VersionID   int64     `json:"version_id"`
	AgentID     string    `json:"agent_id"`
	Spec        string    `json:"spec"`
	DeployedAt  time.Time `json:"deployed_at"`
	SourceJobID *string   `json:"source_job_id,omitempty"`
	Kind        string    `json:"kind"` // "baseline", "deploy", or "rollback"
}
