package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxtune/voxtune/internal/gateway"
	"github.com/voxtune/voxtune/internal/runner"
	"github.com/voxtune/voxtune/internal/store"
	"github.com/voxtune/voxtune/pkg/models"
)

type evalFunc func(ctx context.Context, spec string, sc runner.ScoringConfig) (runner.EvalResult, error)

func (f evalFunc) Evaluate(ctx context.Context, spec string, sc runner.ScoringConfig) (runner.EvalResult, error) {
	return f(ctx, spec, sc)
}

type optFunc func(ctx context.Context, spec, optimizer string, params map[string]string, onProgress runner.Progress) (runner.OptimizeResult, error)

func (f optFunc) Optimize(ctx context.Context, spec, optimizer string, params map[string]string, onProgress runner.Progress) (runner.OptimizeResult, error) {
	return f(ctx, spec, optimizer, params, onProgress)
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(home)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTest(t *testing.T, opts Options) (*Orchestrator, store.Store) {
	t.Helper()
	st := openTestStore(t)
	opts.Store = st
	if opts.Evaluator == nil && opts.Optimizer == nil {
		stub := &runner.Stub{BaselinePassRate: 0.75, OptimizedPassRate: 0.88}
		opts.Evaluator = stub
		opts.Optimizer = stub
	}
	if opts.Gateway == nil {
		opts.Gateway = gateway.NewStub()
	}
	o := New(opts)
	t.Cleanup(o.Close)
	return o, st
}

func mustAgent(t *testing.T, st store.Store, agentID, assistantID string) {
	t.Helper()
	spec := fmt.Sprintf("name: %s\nmodel: gpt-4o\ninstructions: be brief\n", agentID)
	if _, err := st.CreateAgent(context.Background(), agentID, agentID, spec, assistantID); err != nil {
		t.Fatal(err)
	}
}

func waitTerminal(t *testing.T, st store.Store, jobID string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestJobCompletes(t *testing.T) {
	t.Parallel()

	o, st := newTest(t, Options{})
	ctx := context.Background()
	mustAgent(t, st, "remus", "asst_remus")

	job, err := o.StartOptimization(ctx, "remus", "gepa", map[string]string{"iterations": "10"}, models.BudgetLight)
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}
	if job.State != models.StatePending {
		t.Errorf("initial state: %s", job.State)
	}

	done := waitTerminal(t, st, job.JobID)
	if done.State != models.StateCompleted {
		t.Fatalf("state: %s (result %+v)", done.State, done.Result)
	}
	res := done.Result
	if res == nil {
		t.Fatal("missing result")
	}
	if res.BaselineScore != 0.75 || res.OptimizedScore != 0.88 {
		t.Errorf("scores: %+v", res)
	}
	if math.Abs(res.Delta-0.13) > 1e-9 {
		t.Errorf("delta: %v", res.Delta)
	}
	if !res.Deployable {
		t.Error("0.88 should clear the 0.80 gate")
	}
	if res.Artifact == "" {
		t.Error("missing artifact")
	}

	evals, err := st.JobEvaluations(ctx, job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evals) != 2 || !evals[0].IsBaseline || !evals[1].IsOptimized {
		t.Errorf("evaluations: %+v", evals)
	}

	prog, err := st.ListProgress(ctx, job.JobID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(prog) == 0 {
		t.Error("expected progress events")
	}
}

func TestStartOptimization_validation(t *testing.T) {
	t.Parallel()

	o, st := newTest(t, Options{})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	if _, err := o.StartOptimization(ctx, "missing", "gepa", nil, models.BudgetLight); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing agent: %v", err)
	}
	if _, err := o.StartOptimization(ctx, "a1", "quantum", nil, models.BudgetLight); !errors.Is(err, ErrUnknownOptimizer) {
		t.Errorf("unknown optimizer: %v", err)
	}
	if _, err := o.StartOptimization(ctx, "a1", "gepa", nil, "infinite"); !errors.Is(err, ErrUnknownBudget) {
		t.Errorf("unknown budget: %v", err)
	}
}

func TestStartOptimization_conflict(t *testing.T) {
	t.Parallel()

	stub := &runner.Stub{BaselinePassRate: 0.5, OptimizedPassRate: 0.9, StepDelay: 10 * time.Second}
	o, st := newTest(t, Options{Evaluator: stub, Optimizer: stub})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	job, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetMedium)
	if err != nil {
		t.Fatalf("StartOptimization: %v", err)
	}
	if _, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetMedium); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected ErrJobConflict, got %v", err)
	}

	if err := o.Cancel(ctx, job.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := waitTerminal(t, st, job.JobID)
	if got.State != models.StateCancelled {
		t.Fatalf("state after cancel: %s", got.State)
	}

	// The slot frees as soon as the job is terminal.
	if _, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetMedium); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
}

func TestStartOptimization_concurrentSingleWinner(t *testing.T) {
	t.Parallel()

	stub := &runner.Stub{StepDelay: 10 * time.Second}
	o, st := newTest(t, Options{Evaluator: stub, Optimizer: stub})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetMedium)
		}(i)
	}
	wg.Wait()

	var winners int
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrJobConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d", winners)
	}
}

func TestFailedBaselineNeverOptimizes(t *testing.T) {
	t.Parallel()

	var optimized bool
	o, st := newTest(t, Options{
		Evaluator: evalFunc(func(ctx context.Context, spec string, sc runner.ScoringConfig) (runner.EvalResult, error) {
			return runner.EvalResult{}, &runner.EvaluationError{Reason: "malformed harness output"}
		}),
		Optimizer: optFunc(func(ctx context.Context, spec, optimizer string, params map[string]string, onProgress runner.Progress) (runner.OptimizeResult, error) {
			optimized = true
			return runner.OptimizeResult{Spec: spec}, nil
		}),
	})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	job, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetLight)
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, st, job.JobID)
	if done.State != models.StateFailed {
		t.Fatalf("state: %s", done.State)
	}
	if optimized {
		t.Error("optimizer ran after baseline failure")
	}
	evals, _ := st.JobEvaluations(ctx, job.JobID)
	if len(evals) != 0 {
		t.Errorf("no evaluation should be recorded: %+v", evals)
	}
}

func TestEvaluationRetry_transientOnly(t *testing.T) {
	t.Parallel()

	var attempts int
	var mu sync.Mutex
	o, st := newTest(t, Options{
		EvalRetries: 2,
		Evaluator: evalFunc(func(ctx context.Context, spec string, sc runner.ScoringConfig) (runner.EvalResult, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 3 {
				return runner.EvalResult{}, &runner.EvaluationError{Reason: "upstream 503", Transient: true}
			}
			return runner.EvalResult{PassRate: 0.9}, nil
		}),
		Optimizer: optFunc(func(ctx context.Context, spec, optimizer string, params map[string]string, onProgress runner.Progress) (runner.OptimizeResult, error) {
			return runner.OptimizeResult{Spec: spec + "# v2\n"}, nil
		}),
	})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	job, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetLight)
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, st, job.JobID)
	if done.State != models.StateCompleted {
		t.Fatalf("state: %s (%+v)", done.State, done.Result)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts < 3 {
		t.Errorf("attempts = %d, want at least 3 (baseline retried twice)", attempts)
	}
}

func TestBudgetTimeoutFailsJob(t *testing.T) {
	t.Parallel()

	stub := &runner.Stub{BaselinePassRate: 0.75, OptimizedPassRate: 0.88, StepDelay: 10 * time.Second}
	o, st := newTest(t, Options{
		Evaluator: stub,
		Optimizer: stub,
		Budgets:   map[string]time.Duration{models.BudgetLight: 50 * time.Millisecond},
	})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	job, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetLight)
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, st, job.JobID)
	if done.State != models.StateFailed {
		t.Fatalf("state: %s", done.State)
	}
	if done.Result == nil || !strings.Contains(done.Result.Error, "budget") {
		t.Errorf("result: %+v", done.Result)
	}
	// Baseline was measured before the timeout; no optimized eval exists.
	evals, _ := st.JobEvaluations(ctx, job.JobID)
	if len(evals) != 1 || !evals[0].IsBaseline {
		t.Errorf("evaluations: %+v", evals)
	}
}

func TestCancelIdempotent(t *testing.T) {
	t.Parallel()

	stub := &runner.Stub{StepDelay: 10 * time.Second}
	o, st := newTest(t, Options{Evaluator: stub, Optimizer: stub})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	if err := o.Cancel(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cancel unknown job: %v", err)
	}

	job, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetMedium)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Cancel(ctx, job.JobID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := o.Cancel(ctx, job.JobID); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	done := waitTerminal(t, st, job.JobID)
	if done.State != models.StateCancelled {
		t.Fatalf("state: %s", done.State)
	}
}

func TestDeployAndRollback(t *testing.T) {
	t.Parallel()

	gw := gateway.NewStub()
	o, st := newTest(t, Options{Gateway: gw})
	ctx := context.Background()
	mustAgent(t, st, "a1", "asst_1")
	if err := gw.Push(ctx, "asst_1", "live spec v0"); err != nil {
		t.Fatal(err)
	}

	job, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetLight)
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, st, job.JobID)
	if done.State != models.StateCompleted {
		t.Fatalf("state: %s", done.State)
	}

	v, err := o.Deploy(ctx, job.JobID, false)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if v.Kind != models.VersionKindDeploy || v.SourceJobID == nil || *v.SourceJobID != job.JobID {
		t.Errorf("version: %+v", v)
	}
	live, _ := gw.FetchCurrent(ctx, "asst_1")
	if live != done.Result.Artifact {
		t.Errorf("platform spec not updated: %q", live)
	}

	// The pre-deploy live spec was snapshotted, so rollback has a target.
	rb, err := o.Rollback(ctx, "a1")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rb.Kind != models.VersionKindRollback || rb.Spec != "live spec v0" {
		t.Errorf("rollback version: %+v", rb)
	}
	live, _ = gw.FetchCurrent(ctx, "asst_1")
	if live != "live spec v0" {
		t.Errorf("platform spec after rollback: %q", live)
	}
}

func TestDeployRefusals(t *testing.T) {
	t.Parallel()

	stub := &runner.Stub{BaselinePassRate: 0.9, OptimizedPassRate: 0.5}
	gw := gateway.NewStub()
	o, st := newTest(t, Options{Evaluator: stub, Optimizer: stub, Gateway: gw})
	ctx := context.Background()
	mustAgent(t, st, "a1", "asst_1")

	if _, err := o.Deploy(ctx, "nope", false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deploy unknown job: %v", err)
	}

	job, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetLight)
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, st, job.JobID)
	if done.State != models.StateCompleted {
		t.Fatalf("state: %s", done.State)
	}
	if done.Result.Deployable {
		t.Error("0.5 must not clear the gate")
	}

	if _, err := o.Deploy(ctx, job.JobID, false); !errors.Is(err, ErrRegression) {
		t.Fatalf("expected ErrRegression, got %v", err)
	}
	if _, err := o.Deploy(ctx, job.JobID, true); err != nil {
		t.Fatalf("forced deploy: %v", err)
	}
}

func TestDeployNotCompleted(t *testing.T) {
	t.Parallel()

	stub := &runner.Stub{StepDelay: 10 * time.Second}
	o, st := newTest(t, Options{Evaluator: stub, Optimizer: stub})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	job, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetMedium)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Deploy(ctx, job.JobID, false); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("expected ErrNotCompleted, got %v", err)
	}
}

func TestRollbackNoHistory(t *testing.T) {
	t.Parallel()

	o, st := newTest(t, Options{})
	ctx := context.Background()
	mustAgent(t, st, "a1", "asst_1")

	if _, err := o.Rollback(ctx, "a1"); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
}

func TestDeploymentFailureLeavesJobIntact(t *testing.T) {
	t.Parallel()

	gw := gateway.NewStub()
	gw.FailPush = &gateway.DeploymentError{StatusCode: 502, Message: "platform down"}
	o, st := newTest(t, Options{Gateway: gw})
	ctx := context.Background()
	mustAgent(t, st, "a1", "asst_1")

	job, err := o.StartOptimization(ctx, "a1", "gepa", nil, models.BudgetLight)
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, st, job.JobID)

	_, err = o.Deploy(ctx, job.JobID, false)
	var de *gateway.DeploymentError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeploymentError, got %v", err)
	}

	got, _ := st.GetJob(ctx, job.JobID)
	if got.State != models.StateCompleted {
		t.Errorf("job state changed: %s", got.State)
	}

	// Retry succeeds once the platform recovers.
	gw.FailPush = nil
	if _, err := o.Deploy(ctx, job.JobID, false); err != nil {
		t.Fatalf("retry deploy: %v", err)
	}
}

func TestHubFanoutDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	slow := hub.Subscribe("j1")
	fast := hub.SubscribeAll()
	defer hub.Unsubscribe(slow)
	defer hub.Unsubscribe(fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < models.DefaultSSEChannelBuffer*2; i++ {
			hub.Publish(models.JobEvent{Type: "progress", JobID: "j1", Fraction: float64(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	if len(slow) != models.DefaultSSEChannelBuffer {
		t.Errorf("slow channel: %d buffered", len(slow))
	}
	if len(fast) == 0 {
		t.Error("firehose received nothing")
	}
}

func TestRecoverInterrupted(t *testing.T) {
	t.Parallel()

	o, st := newTest(t, Options{})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	// A job left over from a previous process: in the store, but with no
	// goroutine in this one.
	if err := st.CreateJob(ctx, &models.Job{
		JobID: "stale", AgentID: "a1", State: models.StatePending,
		Optimizer: "gepa", Budget: models.BudgetLight,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.MarkJobStarted(ctx, "stale", models.StateOptimizing); err != nil {
		t.Fatal(err)
	}

	n, err := o.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d", n)
	}
	job, _ := st.GetJob(ctx, "stale")
	if job.State != models.StateFailed {
		t.Errorf("state: %s", job.State)
	}
	if job.Result == nil || !strings.Contains(job.Result.Error, "restart") {
		t.Errorf("result: %+v", job.Result)
	}
}

func TestSweepOrphans(t *testing.T) {
	t.Parallel()

	o, st := newTest(t, Options{})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	old := &models.Job{
		JobID: "orphan", AgentID: "a1", State: models.StatePending,
		Optimizer: "gepa", Budget: models.BudgetLight,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := st.CreateJob(ctx, old); err != nil {
		t.Fatal(err)
	}

	n, err := o.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d", n)
	}
	job, _ := st.GetJob(ctx, "orphan")
	if job.State != models.StateFailed {
		t.Errorf("state: %s", job.State)
	}
}

func TestEvaluateNow(t *testing.T) {
	t.Parallel()

	o, st := newTest(t, Options{})
	ctx := context.Background()
	mustAgent(t, st, "a1", "")

	rec, err := o.EvaluateNow(ctx, "a1")
	if err != nil {
		t.Fatalf("EvaluateNow: %v", err)
	}
	if rec.JobID != nil {
		t.Errorf("manual evaluation should have no job: %+v", rec)
	}
	if rec.PassRate != 0.75 {
		t.Errorf("pass rate: %v", rec.PassRate)
	}
}
