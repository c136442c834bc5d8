// Package orchestrator runs optimization jobs through their state machine:
// pending, evaluating_baseline, optimizing, evaluating_result, comparing,
// then completed, failed or cancelled.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxtune/voxtune/internal/gateway"
	"github.com/voxtune/voxtune/internal/otel"
	"github.com/voxtune/voxtune/internal/runner"
	"github.com/voxtune/voxtune/internal/store"
	"github.com/voxtune/voxtune/pkg/models"
)

var knownOptimizers = map[string]bool{
	"gepa":        true,
	"mipro":       true,
	"grid_search": true,
}

// DefaultBudgets maps budget tiers to optimization wall-time limits.
func DefaultBudgets() map[string]time.Duration {
	return map[string]time.Duration{
		models.BudgetLight:  5 * time.Minute,
		models.BudgetMedium: 30 * time.Minute,
		models.BudgetHeavy:  2 * time.Hour,
	}
}

// Options configures an Orchestrator. Store, Evaluator, Optimizer and Gateway
// are required; everything else has defaults.
type Options struct {
	Store     store.Store
	Evaluator runner.Evaluator
	Optimizer runner.Optimizer
	Gateway   gateway.Gateway

	MaxConcurrentJobs int
	QualityGate       float64 // advisory deployable threshold; 0 = default 0.80
	Budgets           map[string]time.Duration
	EvalRetries       int // extra evaluation attempts after a transient failure; 0 = default 2
	Scoring           runner.ScoringConfig
}

type Orchestrator struct {
	store   store.Store
	eval    runner.Evaluator
	opt     runner.Optimizer
	gw      gateway.Gateway
	hub     *Hub
	sem     chan struct{}
	gate    float64
	budgets map[string]time.Duration
	retries int
	scoring runner.ScoringConfig

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(opts Options) *Orchestrator {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = models.DefaultMaxConcurrentJobs
	}
	if opts.QualityGate <= 0 {
		opts.QualityGate = models.DefaultQualityGate
	}
	if opts.Budgets == nil {
		opts.Budgets = DefaultBudgets()
	}
	if opts.EvalRetries <= 0 {
		opts.EvalRetries = models.DefaultEvalRetries
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      opts.Store,
		eval:       opts.Evaluator,
		opt:        opts.Optimizer,
		gw:         opts.Gateway,
		hub:        NewHub(),
		sem:        make(chan struct{}, opts.MaxConcurrentJobs),
		gate:       opts.QualityGate,
		budgets:    opts.Budgets,
		retries:    opts.EvalRetries,
		scoring:    opts.Scoring,
		baseCtx:    ctx,
		baseCancel: cancel,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Hub returns the event hub for SSE handlers.
func (o *Orchestrator) Hub() *Hub { return o.hub }

// Close cancels all running jobs and waits for their goroutines to exit.
func (o *Orchestrator) Close() {
	o.baseCancel()
	o.wg.Wait()
}

// StartOptimization creates a job for the agent and runs it asynchronously.
// At most one non-terminal job may exist per agent; a second start returns
// ErrJobConflict.
func (o *Orchestrator) StartOptimization(ctx context.Context, agentID, optimizer string, params map[string]string, budget string) (*models.Job, error) {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if optimizer == "" {
		optimizer = "gepa"
	}
	if !knownOptimizers[optimizer] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOptimizer, optimizer)
	}
	if budget == "" {
		budget = models.BudgetMedium
	}
	if _, ok := o.budgets[budget]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBudget, budget)
	}
	if _, err := runner.ParseSpec(agent.Spec); err != nil {
		return nil, err
	}

	job := &models.Job{
		JobID:     uuid.NewString(),
		AgentID:   agentID,
		State:     models.StatePending,
		Optimizer: optimizer,
		Params:    params,
		Budget:    budget,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrActiveJob) {
			return nil, fmt.Errorf("%w: %s", ErrJobConflict, agentID)
		}
		return nil, err
	}
	otel.RecordJobOp(ctx, "start", agentID, models.StatePending)

	jobCtx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.cancels[job.JobID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(jobCtx, *job, agent.Spec)

	slog.Info("job created", "job", job.JobID, "agent", agentID, "optimizer", optimizer, "budget", budget)
	return job, nil
}

// Cancel stops a job. Cancelling a terminal job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}
	won, err := o.store.FinishJob(ctx, jobID, models.StateCancelled, nil)
	if err != nil {
		return err
	}
	o.mu.Lock()
	cancel := o.cancels[jobID]
	delete(o.cancels, jobID)
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if won {
		otel.RecordJobOp(ctx, "cancel", job.AgentID, models.StateCancelled)
		o.hub.Publish(models.JobEvent{
			Type:      "done",
			JobID:     jobID,
			AgentID:   job.AgentID,
			State:     models.StateCancelled,
			Timestamp: time.Now().UTC(),
		})
		slog.Info("job cancelled", "job", jobID, "agent", job.AgentID)
	}
	return nil
}

// run drives one job through its states. Every write is guarded: once the job
// reaches a terminal state (cancel, sweep, restart recovery) all late results
// are discarded.
func (o *Orchestrator) run(ctx context.Context, job models.Job, spec string) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, job.JobID)
		o.mu.Unlock()
	}()
	start := time.Now()

	// Queue while pending; the semaphore bounds concurrent optimization work.
	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-o.sem }()

	won, err := o.store.MarkJobStarted(context.Background(), job.JobID, models.StateEvaluatingBaseline)
	if err != nil {
		slog.Error("job start failed", "job", job.JobID, "err", err)
		o.fail(job, "internal: "+err.Error(), nil)
		return
	}
	if !won {
		// Cancelled while queued.
		return
	}
	o.publishState(job, models.StateEvaluatingBaseline)

	baseline, err := o.evaluateWithRetry(ctx, job.AgentID, spec)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		o.fail(job, err.Error(), nil)
		return
	}
	o.recordEvaluation(job, baseline, true, false)

	if !o.transition(ctx, job, models.StateOptimizing) {
		return
	}

	budget := o.budgets[job.Budget]
	optCtx, cancelOpt := context.WithTimeout(ctx, budget)
	out, err := o.opt.Optimize(optCtx, spec, job.Optimizer, job.Params, func(fraction float64, note string) {
		o.progress(ctx, job, fraction, note)
	})
	cancelOpt()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		reason := err.Error()
		if runner.IsTimeout(err) {
			reason = fmt.Sprintf("optimization exceeded %s budget (%s)", job.Budget, budget)
		}
		o.fail(job, reason, &baseline)
		return
	}

	if !o.transition(ctx, job, models.StateEvaluatingResult) {
		return
	}
	optimized, err := o.evaluateWithRetry(ctx, job.AgentID, out.Spec)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		o.fail(job, err.Error(), &baseline)
		return
	}
	o.recordEvaluation(job, optimized, false, true)

	if !o.transition(ctx, job, models.StateComparing) {
		return
	}
	result := &models.ResultSummary{
		BaselineScore:  baseline.PassRate,
		OptimizedScore: optimized.PassRate,
		Delta:          optimized.PassRate - baseline.PassRate,
		Deployable:     optimized.PassRate >= o.gate,
		Artifact:       out.Spec,
	}
	won, err = o.store.FinishJob(context.Background(), job.JobID, models.StateCompleted, result)
	if err != nil {
		slog.Error("job finish failed", "job", job.JobID, "err", err)
		return
	}
	if !won {
		return
	}
	otel.RecordJobOp(context.Background(), "complete", job.AgentID, models.StateCompleted)
	otel.RecordJobDuration(context.Background(), job.AgentID, job.Optimizer, job.Budget, time.Since(start))
	o.hub.Publish(models.JobEvent{
		Type:      "done",
		JobID:     job.JobID,
		AgentID:   job.AgentID,
		State:     models.StateCompleted,
		Timestamp: time.Now().UTC(),
		Result:    result,
	})
	slog.Info("job completed", "job", job.JobID, "agent", job.AgentID,
		"baseline", baseline.PassRate, "optimized", optimized.PassRate, "delta", result.Delta)
}

// transition advances a non-terminal job and publishes the state event.
// Returns false when the job became terminal under us.
func (o *Orchestrator) transition(ctx context.Context, job models.Job, state string) bool {
	if ctx.Err() != nil {
		return false
	}
	won, err := o.store.SetJobState(context.Background(), job.JobID, state)
	if err != nil {
		slog.Error("job transition failed", "job", job.JobID, "state", state, "err", err)
		return false
	}
	if !won {
		return false
	}
	o.publishState(job, state)
	return true
}

func (o *Orchestrator) publishState(job models.Job, state string) {
	o.hub.Publish(models.JobEvent{
		Type:      "state",
		JobID:     job.JobID,
		AgentID:   job.AgentID,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}

// fail moves the job to failed unless it already reached a terminal state.
func (o *Orchestrator) fail(job models.Job, reason string, baseline *runner.EvalResult) {
	result := &models.ResultSummary{Error: reason}
	if baseline != nil {
		result.BaselineScore = baseline.PassRate
	}
	won, err := o.store.FinishJob(context.Background(), job.JobID, models.StateFailed, result)
	if err != nil {
		slog.Error("job fail write failed", "job", job.JobID, "err", err)
		return
	}
	if !won {
		return
	}
	otel.RecordJobOp(context.Background(), "fail", job.AgentID, models.StateFailed)
	o.hub.Publish(models.JobEvent{
		Type:      "done",
		JobID:     job.JobID,
		AgentID:   job.AgentID,
		State:     models.StateFailed,
		Timestamp: time.Now().UTC(),
		Result:    result,
	})
	slog.Warn("job failed", "job", job.JobID, "agent", job.AgentID, "reason", reason)
}

// progress persists one progress event and fans it out. Fractions are clamped
// to [0,1]. The insert is conditional on the job being non-terminal, so a late
// callback from a cancelled run writes and publishes nothing.
func (o *Orchestrator) progress(ctx context.Context, job models.Job, fraction float64, note string) {
	if ctx.Err() != nil {
		return
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	ev, won, err := o.store.AppendProgress(context.Background(), job.JobID, fraction, note)
	if err != nil {
		slog.Warn("progress write failed", "job", job.JobID, "err", err)
		return
	}
	if !won {
		return
	}
	o.hub.Publish(models.JobEvent{
		Type:      "progress",
		JobID:     job.JobID,
		AgentID:   job.AgentID,
		Fraction:  ev.Fraction,
		Note:      ev.Note,
		Timestamp: ev.Timestamp,
	})
}

func (o *Orchestrator) evaluateWithRetry(ctx context.Context, agentID, spec string) (runner.EvalResult, error) {
	var lastErr error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			otel.RecordEvaluationRetry(ctx, agentID)
			slog.Info("retrying evaluation", "agent", agentID, "attempt", attempt, "err", lastErr)
			if err := sleepCtx(ctx, time.Duration(attempt)*250*time.Millisecond); err != nil {
				return runner.EvalResult{}, err
			}
		}
		res, err := o.eval.Evaluate(ctx, spec, o.scoring)
		if err == nil {
			otel.RecordEvaluation(ctx, agentID)
			return res, nil
		}
		lastErr = err
		if !runner.IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return runner.EvalResult{}, lastErr
}

func (o *Orchestrator) recordEvaluation(job models.Job, res runner.EvalResult, isBaseline, isOptimized bool) {
	jobID := job.JobID
	rec := &models.EvaluationRecord{
		AgentID:     job.AgentID,
		JobID:       &jobID,
		Timestamp:   time.Now().UTC(),
		PassRate:    res.PassRate,
		IsBaseline:  isBaseline,
		IsOptimized: isOptimized,
		Raw:         res.Raw,
	}
	won, err := o.store.CreateEvaluation(context.Background(), rec)
	if err != nil {
		slog.Warn("evaluation record write failed", "job", job.JobID, "err", err)
		return
	}
	if !won {
		slog.Info("evaluation discarded, job already terminal", "job", job.JobID)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
