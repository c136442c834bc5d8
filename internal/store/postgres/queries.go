package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxtune/voxtune/internal/store"
	"github.com/voxtune/voxtune/pkg/models"
)

const selectJobSQL = `SELECT job_id, agent_id, state, optimizer, params, budget,
  created_at, started_at, completed_at,
  baseline_score, optimized_score, delta, deployable, artifact, error
FROM jobs`

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, agentID, name, spec, assistantID string) (models.Agent, error) {
	if agentID == "" {
		return models.Agent{}, errors.New("agent id required")
	}
	if name == "" {
		name = agentID
	}
	now := time.Now().UTC().Unix()
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO agents(agent_id, name, spec, assistant_id, created_at, updated_at) VALUES($1, $2, $3, $4, $5, $6)`,
		agentID, name, spec, assistantID, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Agent{}, fmt.Errorf("agent already exists: %s", agentID)
		}
		return models.Agent{}, err
	}
	return models.Agent{
		AgentID:     agentID,
		Name:        name,
		Spec:        spec,
		AssistantID: assistantID,
		CreatedAt:   time.Unix(now, 0).UTC(),
		UpdatedAt:   time.Unix(now, 0).UTC(),
	}, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var (
		a                  models.Agent
		createdAt, updated int64
	)
	err := s.Pool.QueryRow(ctx,
		`SELECT agent_id, name, spec, assistant_id, created_at, updated_at FROM agents WHERE agent_id = $1`,
		agentID).Scan(&a.AgentID, &a.Name, &a.Spec, &a.AssistantID, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
		}
		return nil, err
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT agent_id, name, assistant_id, created_at, updated_at FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		var (
			a                  models.Agent
			createdAt, updated int64
		)
		if err := rows.Scan(&a.AgentID, &a.Name, &a.AssistantID, &createdAt, &updated); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		a.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAgentSpec(ctx context.Context, agentID, spec string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE agents SET spec = $1, updated_at = $2 WHERE agent_id = $3`,
		spec, time.Now().UTC().Unix(), agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetAgentAssistant(ctx context.Context, agentID, assistantID string) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE agents SET assistant_id = $1, updated_at = $2 WHERE agent_id = $3`,
		assistantID, time.Now().UTC().Unix(), agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

// --- Jobs ---

func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if job.JobID == "" || job.AgentID == "" {
		return errors.New("job id and agent id required")
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err = s.Pool.Exec(ctx,
		`INSERT INTO jobs(job_id, agent_id, state, optimizer, params, budget, created_at) VALUES($1, $2, $3, $4, $5, $6, $7)`,
		job.JobID, job.AgentID, job.State, job.Optimizer, string(params), job.Budget, job.CreatedAt.Unix())
	if isUniqueViolation(err) {
		return store.ErrActiveJob
	}
	return err
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := scanJob(s.Pool.QueryRow(ctx, selectJobSQL+` WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, agentID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = models.DefaultJobListLimit
	}
	rows, err := s.Pool.Query(ctx,
		selectJobSQL+` WHERE agent_id = $1 ORDER BY created_at DESC, job_id DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) ListActiveJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.Pool.Query(ctx,
		selectJobSQL+` WHERE state NOT IN ('completed','failed','cancelled') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *Store) MarkJobStarted(ctx context.Context, jobID, state string) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET state = $1, started_at = $2 WHERE job_id = $3 AND state = 'pending'`,
		state, time.Now().UTC().Unix(), jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetJobState(ctx context.Context, jobID, state string) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET state = $1 WHERE job_id = $2 AND state NOT IN ('completed','failed','cancelled')`,
		state, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) FinishJob(ctx context.Context, jobID, state string, result *models.ResultSummary) (bool, error) {
	if !models.TerminalState(state) {
		return false, fmt.Errorf("finish job: %s is not a terminal state", state)
	}
	now := time.Now().UTC().Unix()
	if result == nil {
		tag, err := s.Pool.Exec(ctx,
			`UPDATE jobs SET state = $1, completed_at = $2
			 WHERE job_id = $3 AND state NOT IN ('completed','failed','cancelled')`,
			state, now, jobID)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() > 0, nil
	}
	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET state = $1, completed_at = $2,
		   baseline_score = $3, optimized_score = $4, delta = $5, deployable = $6, artifact = $7, error = $8
		 WHERE job_id = $9 AND state NOT IN ('completed','failed','cancelled')`,
		state, now,
		result.BaselineScore, result.OptimizedScore, result.Delta,
		boolToInt(result.Deployable), result.Artifact, result.Error, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendProgress writes one progress row, conditional on the job still being
// non-terminal. The bool reports whether the row was written.
func (s *Store) AppendProgress(ctx context.Context, jobID string, fraction float64, note string) (models.ProgressEvent, bool, error) {
	ts := time.Now().UTC()
	var seq int64
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO job_progress(job_id, ts, fraction, note)
		 SELECT $1, $2, $3, $4
		 WHERE EXISTS (SELECT 1 FROM jobs WHERE job_id = $1 AND state NOT IN ('completed','failed','cancelled'))
		 RETURNING seq`,
		jobID, ts.UnixMilli(), fraction, note).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProgressEvent{}, false, nil
	}
	if err != nil {
		return models.ProgressEvent{}, false, err
	}
	return models.ProgressEvent{Seq: seq, JobID: jobID, Timestamp: ts, Fraction: fraction, Note: note}, true, nil
}

func (s *Store) ListProgress(ctx context.Context, jobID string, afterSeq int64) ([]models.ProgressEvent, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT seq, job_id, ts, fraction, note FROM job_progress WHERE job_id = $1 AND seq > $2 ORDER BY seq ASC`,
		jobID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ProgressEvent
	for rows.Next() {
		var (
			ev models.ProgressEvent
			ts int64
		)
		if err := rows.Scan(&ev.Seq, &ev.JobID, &ts, &ev.Fraction, &ev.Note); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Evaluations ---

// CreateEvaluation inserts one evaluation row. Job-bound records are
// conditional on the job still being non-terminal so a late result from a
// cancelled run leaves no trace; manual records (nil JobID) always insert.
func (s *Store) CreateEvaluation(ctx context.Context, rec *models.EvaluationRecord) (bool, error) {
	if rec.AgentID == "" {
		return false, errors.New("agent id required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var raw any
	if len(rec.Raw) > 0 {
		raw = string(rec.Raw)
	}
	var err error
	if rec.JobID == nil {
		err = s.Pool.QueryRow(ctx,
			`INSERT INTO evaluations(agent_id, job_id, ts, pass_rate, is_baseline, is_optimized, raw)
			 VALUES($1, NULL, $2, $3, $4, $5, $6) RETURNING eval_id`,
			rec.AgentID, rec.Timestamp.Unix(), rec.PassRate,
			boolToInt(rec.IsBaseline), boolToInt(rec.IsOptimized), raw).Scan(&rec.EvalID)
	} else {
		err = s.Pool.QueryRow(ctx,
			`INSERT INTO evaluations(agent_id, job_id, ts, pass_rate, is_baseline, is_optimized, raw)
			 SELECT $1, $2, $3, $4, $5, $6, $7
			 WHERE EXISTS (SELECT 1 FROM jobs WHERE job_id = $2 AND state NOT IN ('completed','failed','cancelled'))
			 RETURNING eval_id`,
			rec.AgentID, *rec.JobID, rec.Timestamp.Unix(), rec.PassRate,
			boolToInt(rec.IsBaseline), boolToInt(rec.IsOptimized), raw).Scan(&rec.EvalID)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
	}
	if isUniqueViolation(err) {
		kind := "optimized"
		if rec.IsBaseline {
			kind = "baseline"
		}
		return false, fmt.Errorf("job %v already has a %s evaluation", rec.JobID, kind)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListEvaluations(ctx context.Context, agentID string, limit int) ([]models.EvaluationRecord, error) {
	if limit <= 0 {
		limit = models.DefaultEvalListLimit
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT eval_id, agent_id, job_id, ts, pass_rate, is_baseline, is_optimized, raw
		 FROM evaluations WHERE agent_id = $1 ORDER BY ts DESC, eval_id DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	return collectEvaluations(rows)
}

func (s *Store) JobEvaluations(ctx context.Context, jobID string) ([]models.EvaluationRecord, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT eval_id, agent_id, job_id, ts, pass_rate, is_baseline, is_optimized, raw
		 FROM evaluations WHERE job_id = $1 ORDER BY eval_id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	return collectEvaluations(rows)
}

// --- Deployed versions ---

func (s *Store) RecordVersion(ctx context.Context, v *models.DeployedVersion) error {
	if v.AgentID == "" {
		return errors.New("agent id required")
	}
	if v.DeployedAt.IsZero() {
		v.DeployedAt = time.Now().UTC()
	}
	return s.Pool.QueryRow(ctx,
		`INSERT INTO deployments(agent_id, spec, deployed_at, source_job_id, kind)
		 VALUES($1, $2, $3, $4, $5) RETURNING version_id`,
		v.AgentID, v.Spec, v.DeployedAt.Unix(), v.SourceJobID, v.Kind).Scan(&v.VersionID)
}

func (s *Store) CurrentVersion(ctx context.Context, agentID string) (*models.DeployedVersion, error) {
	return s.versionAtOffset(ctx, agentID, 0)
}

func (s *Store) PreviousVersion(ctx context.Context, agentID string) (*models.DeployedVersion, error) {
	return s.versionAtOffset(ctx, agentID, 1)
}

func (s *Store) versionAtOffset(ctx context.Context, agentID string, offset int) (*models.DeployedVersion, error) {
	var (
		v          models.DeployedVersion
		deployedAt int64
	)
	err := s.Pool.QueryRow(ctx,
		`SELECT version_id, agent_id, spec, deployed_at, source_job_id, kind
		 FROM deployments WHERE agent_id = $1 ORDER BY version_id DESC LIMIT 1 OFFSET $2`,
		agentID, offset).Scan(&v.VersionID, &v.AgentID, &v.Spec, &deployedAt, &v.SourceJobID, &v.Kind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	v.DeployedAt = time.Unix(deployedAt, 0).UTC()
	return &v, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var (
		j                      models.Job
		params                 string
		createdAt              int64
		startedAt, completedAt *int64
		baseline, optimized    *float64
		delta                  *float64
		deployable             int
		artifact, errText      *string
	)
	if err := r.Scan(&j.JobID, &j.AgentID, &j.State, &j.Optimizer, &params, &j.Budget,
		&createdAt, &startedAt, &completedAt,
		&baseline, &optimized, &delta, &deployable, &artifact, &errText); err != nil {
		return nil, err
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
			return nil, fmt.Errorf("job %s: bad params: %w", j.JobID, err)
		}
	}
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	if startedAt != nil {
		t := time.Unix(*startedAt, 0).UTC()
		j.StartedAt = &t
	}
	if completedAt != nil {
		t := time.Unix(*completedAt, 0).UTC()
		j.CompletedAt = &t
	}
	if baseline != nil || optimized != nil || errText != nil {
		res := &models.ResultSummary{Deployable: deployable != 0}
		if baseline != nil {
			res.BaselineScore = *baseline
		}
		if optimized != nil {
			res.OptimizedScore = *optimized
		}
		if delta != nil {
			res.Delta = *delta
		}
		if artifact != nil {
			res.Artifact = *artifact
		}
		if errText != nil {
			res.Error = *errText
		}
		j.Result = res
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func collectEvaluations(rows pgx.Rows) ([]models.EvaluationRecord, error) {
	defer rows.Close()
	var out []models.EvaluationRecord
	for rows.Next() {
		var (
			rec                     models.EvaluationRecord
			ts                      int64
			isBaseline, isOptimized int
			raw                     *string
		)
		if err := rows.Scan(&rec.EvalID, &rec.AgentID, &rec.JobID, &ts, &rec.PassRate,
			&isBaseline, &isOptimized, &raw); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(ts, 0).UTC()
		rec.IsBaseline = isBaseline != 0
		rec.IsOptimized = isOptimized != 0
		if raw != nil {
			rec.Raw = []byte(*raw)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
