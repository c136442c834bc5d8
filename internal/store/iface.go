package store

import (
	"context"
	"errors"

	"github.com/voxtune/voxtune/pkg/models"
)

// ErrNotFound is returned when an agent, job, or version does not exist.
var ErrNotFound = errors.New("not found")

// ErrActiveJob is returned by CreateJob when the agent already has a
// non-terminal job. The per-agent slot is enforced by the database (partial
// unique index), so the check-and-insert is atomic under concurrent requests.
var ErrActiveJob = errors.New("agent already has an active job")

// Store is the persistence interface for agents, jobs, evaluations, and
// deployed versions. Implementations: the SQLite store (default) and
// *postgres.Store.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agentID, name, spec, assistantID string) (models.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	UpdateAgentSpec(ctx context.Context, agentID, spec string) error
	SetAgentAssistant(ctx context.Context, agentID, assistantID string) error
	DeleteAgent(ctx context.Context, agentID string) error

	// Jobs. All mutations are conditional on the job not being terminal;
	// the bool results report whether a row was actually updated.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, agentID string, limit int) ([]models.Job, error)
	ListActiveJobs(ctx context.Context) ([]models.Job, error)
	MarkJobStarted(ctx context.Context, jobID, state string) (bool, error)
	SetJobState(ctx context.Context, jobID, state string) (bool, error)
	FinishJob(ctx context.Context, jobID, state string, result *models.ResultSummary) (bool, error)
	AppendProgress(ctx context.Context, jobID string, fraction float64, note string) (models.ProgressEvent, bool, error)
	ListProgress(ctx context.Context, jobID string, afterSeq int64) ([]models.ProgressEvent, error)

	// Evaluations (append-only audit trail). A job-bound record is only
	// written while its job is non-terminal, so late results from a cancelled
	// run are discarded; the bool reports whether the row was written.
	// Records with a nil JobID (manual evaluations) are unconditional.
	CreateEvaluation(ctx context.Context, rec *models.EvaluationRecord) (bool, error)
	ListEvaluations(ctx context.Context, agentID string, limit int) ([]models.EvaluationRecord, error)
	JobEvaluations(ctx context.Context, jobID string) ([]models.EvaluationRecord, error)

	// Deployed versions. History is retained: CurrentVersion is the newest
	// row per agent, PreviousVersion the one before it.
	RecordVersion(ctx context.Context, v *models.DeployedVersion) error
	CurrentVersion(ctx context.Context, agentID string) (*models.DeployedVersion, error)
	PreviousVersion(ctx context.Context, agentID string) (*models.DeployedVersion, error)

	// Lifecycle
	Close() error
}
