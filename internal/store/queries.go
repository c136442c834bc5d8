package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voxtune/voxtune/pkg/models"
)

const selectJobSQL = `SELECT job_id, agent_id, state, optimizer, params, budget,
  created_at, started_at, completed_at,
  baseline_score, optimized_score, delta, deployable, artifact, error
FROM jobs`

// isUniqueViolation reports whether err is a SQLite unique-constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Agents ---

func (s *sqliteStore) CreateAgent(ctx context.Context, agentID, name, spec, assistantID string) (models.Agent, error) {
	if agentID == "" {
		return models.Agent{}, errors.New("agent id required")
	}
	if name == "" {
		name = agentID
	}
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO agents(agent_id, name, spec, assistant_id, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)`,
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

func (s *sqliteStore) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var (
		a                  models.Agent
		createdAt, updated int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT agent_id, name, spec, assistant_id, created_at, updated_at FROM agents WHERE agent_id = ?`,
		agentID).Scan(&a.AgentID, &a.Name, &a.Spec, &a.AssistantID, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil, err
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

func (s *sqliteStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT agent_id, name, assistant_id, created_at, updated_at FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

func (s *sqliteStore) UpdateAgentSpec(ctx context.Context, agentID, spec string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE agents SET spec = ?, updated_at = ? WHERE agent_id = ?`,
		spec, time.Now().UTC().Unix(), agentID)
	if err != nil {
		return err
	}
	return requireRow(res, agentID)
}

func (s *sqliteStore) SetAgentAssistant(ctx context.Context, agentID, assistantID string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE agents SET assistant_id = ?, updated_at = ? WHERE agent_id = ?`,
		assistantID, time.Now().UTC().Unix(), agentID)
	if err != nil {
		return err
	}
	return requireRow(res, agentID)
}

func (s *sqliteStore) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return err
	}
	return requireRow(res, agentID)
}

func requireRow(res sql.Result, agentID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// --- Jobs ---

func (s *sqliteStore) CreateJob(ctx context.Context, job *models.Job) error {
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
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO jobs(job_id, agent_id, state, optimizer, params, budget, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.AgentID, job.State, job.Optimizer, string(params), job.Budget, job.CreatedAt.Unix())
	if isUniqueViolation(err) {
		// The partial unique index jobs_one_active_per_agent rejected a
		// second non-terminal job for this agent.
		return ErrActiveJob
	}
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := scanJob(s.stmtGetJob.QueryRowContext(ctx, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context, agentID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = models.DefaultJobListLimit
	}
	rows, err := s.DB.QueryContext(ctx,
		selectJobSQL+` WHERE agent_id = ? ORDER BY created_at DESC, job_id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *sqliteStore) ListActiveJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.DB.QueryContext(ctx,
		selectJobSQL+` WHERE state NOT IN ('completed','failed','cancelled') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *sqliteStore) MarkJobStarted(ctx context.Context, jobID, state string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET state = ?, started_at = ? WHERE job_id = ? AND state = 'pending'`,
		state, time.Now().UTC().Unix(), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SetJobState(ctx context.Context, jobID, state string) (bool, error) {
	res, err := s.stmtSetJobState.ExecContext(ctx, state, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) FinishJob(ctx context.Context, jobID, state string, result *models.ResultSummary) (bool, error) {
	if !models.TerminalState(state) {
		return false, fmt.Errorf("finish job: %s is not a terminal state", state)
	}
	now := time.Now().UTC().Unix()
	var res sql.Result
	var err error
	if result == nil {
		res, err = s.DB.ExecContext(ctx,
			`UPDATE jobs SET state = ?, completed_at = ?
			 WHERE job_id = ? AND state NOT IN ('completed','failed','cancelled')`,
			state, now, jobID)
	} else {
		res, err = s.DB.ExecContext(ctx,
			`UPDATE jobs SET state = ?, completed_at = ?,
			   baseline_score = ?, optimized_score = ?, delta = ?, deployable = ?, artifact = ?, error = ?
			 WHERE job_id = ? AND state NOT IN ('completed','failed','cancelled')`,
			state, now,
			result.BaselineScore, result.OptimizedScore, result.Delta,
			boolToInt(result.Deployable), result.Artifact, result.Error, jobID)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AppendProgress writes one progress row, conditional on the job still being
// non-terminal. The bool reports whether the row was written.
func (s *sqliteStore) AppendProgress(ctx context.Context, jobID string, fraction float64, note string) (models.ProgressEvent, bool, error) {
	ts := time.Now().UTC()
	res, err := s.stmtAppendProgress.ExecContext(ctx, jobID, ts.UnixMilli(), fraction, note, jobID)
	if err != nil {
		return models.ProgressEvent{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return models.ProgressEvent{}, false, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.ProgressEvent{}, false, err
	}
	return models.ProgressEvent{Seq: seq, JobID: jobID, Timestamp: ts, Fraction: fraction, Note: note}, true, nil
}

func (s *sqliteStore) ListProgress(ctx context.Context, jobID string, afterSeq int64) ([]models.ProgressEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT seq, job_id, ts, fraction, note FROM job_progress WHERE job_id = ? AND seq > ? ORDER BY seq ASC`,
		jobID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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
func (s *sqliteStore) CreateEvaluation(ctx context.Context, rec *models.EvaluationRecord) (bool, error) {
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
	var (
		res sql.Result
		err error
	)
	if rec.JobID == nil {
		res, err = s.DB.ExecContext(ctx,
			`INSERT INTO evaluations(agent_id, job_id, ts, pass_rate, is_baseline, is_optimized, raw) VALUES(?, NULL, ?, ?, ?, ?, ?)`,
			rec.AgentID, rec.Timestamp.Unix(), rec.PassRate,
			boolToInt(rec.IsBaseline), boolToInt(rec.IsOptimized), raw)
	} else {
		res, err = s.DB.ExecContext(ctx,
			`INSERT INTO evaluations(agent_id, job_id, ts, pass_rate, is_baseline, is_optimized, raw)
			 SELECT ?, ?, ?, ?, ?, ?, ?
			 WHERE EXISTS (SELECT 1 FROM jobs WHERE job_id = ? AND state NOT IN ('completed','failed','cancelled'))`,
			rec.AgentID, *rec.JobID, rec.Timestamp.Unix(), rec.PassRate,
			boolToInt(rec.IsBaseline), boolToInt(rec.IsOptimized), raw, *rec.JobID)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("job %v already has a %s evaluation", rec.JobID, evalKind(rec))
		}
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}
	rec.EvalID, err = res.LastInsertId()
	return err == nil, err
}

func evalKind(rec *models.EvaluationRecord) string {
	if rec.IsBaseline {
		return "baseline"
	}
	return "optimized"
}

func (s *sqliteStore) ListEvaluations(ctx context.Context, agentID string, limit int) ([]models.EvaluationRecord, error) {
	if limit <= 0 {
		limit = models.DefaultEvalListLimit
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT eval_id, agent_id, job_id, ts, pass_rate, is_baseline, is_optimized, raw
		 FROM evaluations WHERE agent_id = ? ORDER BY ts DESC, eval_id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	return collectEvaluations(rows)
}

func (s *sqliteStore) JobEvaluations(ctx context.Context, jobID string) ([]models.EvaluationRecord, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT eval_id, agent_id, job_id, ts, pass_rate, is_baseline, is_optimized, raw
		 FROM evaluations WHERE job_id = ? ORDER BY eval_id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	return collectEvaluations(rows)
}

// --- Deployed versions ---

func (s *sqliteStore) RecordVersion(ctx context.Context, v *models.DeployedVersion) error {
	if v.AgentID == "" {
		return errors.New("agent id required")
	}
	if v.DeployedAt.IsZero() {
		v.DeployedAt = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO deployments(agent_id, spec, deployed_at, source_job_id, kind) VALUES(?, ?, ?, ?, ?)`,
		v.AgentID, v.Spec, v.DeployedAt.Unix(), v.SourceJobID, v.Kind)
	if err != nil {
		return err
	}
	v.VersionID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) CurrentVersion(ctx context.Context, agentID string) (*models.DeployedVersion, error) {
	return s.versionAtOffset(ctx, agentID, 0)
}

func (s *sqliteStore) PreviousVersion(ctx context.Context, agentID string) (*models.DeployedVersion, error) {
	return s.versionAtOffset(ctx, agentID, 1)
}

func (s *sqliteStore) versionAtOffset(ctx context.Context, agentID string, offset int) (*models.DeployedVersion, error) {
	var (
		v          models.DeployedVersion
		deployedAt int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT version_id, agent_id, spec, deployed_at, source_job_id, kind
		 FROM deployments WHERE agent_id = ? ORDER BY version_id DESC LIMIT 1 OFFSET ?`,
		agentID, offset).Scan(&v.VersionID, &v.AgentID, &v.Spec, &deployedAt, &v.SourceJobID, &v.Kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
		startedAt, completedAt sql.NullInt64
		baseline, optimized    sql.NullFloat64
		delta                  sql.NullFloat64
		deployable             int
		artifact, errText      sql.NullString
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
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		j.CompletedAt = &t
	}
	// A result summary exists once any result column was written.
	if baseline.Valid || optimized.Valid || errText.Valid {
		j.Result = &models.ResultSummary{
			BaselineScore:  baseline.Float64,
			OptimizedScore: optimized.Float64,
			Delta:          delta.Float64,
			Deployable:     deployable != 0,
			Artifact:       artifact.String,
			Error:          errText.String,
		}
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]models.Job, error) {
	defer func() { _ = rows.Close() }()
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

func collectEvaluations(rows *sql.Rows) ([]models.EvaluationRecord, error) {
	defer func() { _ = rows.Close() }()
	var out []models.EvaluationRecord
	for rows.Next() {
		var (
			rec                     models.EvaluationRecord
			ts                      int64
			isBaseline, isOptimized int
			raw                     sql.NullString
		)
		if err := rows.Scan(&rec.EvalID, &rec.AgentID, &rec.JobID, &ts, &rec.PassRate,
			&isBaseline, &isOptimized, &raw); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(ts, 0).UTC()
		rec.IsBaseline = isBaseline != 0
		rec.IsOptimized = isOptimized != 0
		if raw.Valid {
			rec.Raw = []byte(raw.String)
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
