package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxtune/voxtune/internal/gateway"
	"github.com/voxtune/voxtune/internal/runner"
	"github.com/voxtune/voxtune/pkg/models"
)

func newTestServer(t *testing.T) (*httptest.Server, *App) {
	t.Helper()
	stub := &runner.Stub{BaselinePassRate: 0.75, OptimizedPassRate: 0.88, StepDelay: 50 * time.Millisecond}
	app, err := NewApp(ServerOptions{
		Home:      t.TempDir(),
		Addr:      "127.0.0.1:0",
		Evaluator: stub,
		Optimizer: stub,
		Gateway:   gateway.NewStub(),
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		ts.Close()
		app.Orch.Close()
		_ = app.Store.Close()
	})
	return ts, app
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func createAgent(t *testing.T, ts *httptest.Server, agentID string) {
	t.Helper()
	body := fmt.Sprintf(`{"agent_id":%q,"name":%q,"spec":"name: %s\nmodel: gpt-4o\n","assistant_id":"asst_%s"}`,
		agentID, agentID, agentID, agentID)
	resp := postJSON(t, ts.URL+"/agents", body)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("POST /agents status=%d", resp.StatusCode)
	}
}

func waitJobTerminal(t *testing.T, ts *httptest.Server, jobID string) models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/jobs/" + jobID)
		if err != nil {
			t.Fatalf("GET /jobs/%s: %v", jobID, err)
		}
		job := decode[models.Job](t, resp)
		if job.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never became terminal", jobID)
	return models.Job{}
}

func TestServerSmoke(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	r1, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if r1.StatusCode != 200 {
		t.Fatalf("/health status=%d", r1.StatusCode)
	}
	_ = r1.Body.Close()

	createAgent(t, ts, "a1")

	r2, _ := http.Get(ts.URL + "/agents")
	agents := decode[[]models.Agent](t, r2)
	if len(agents) != 1 || agents[0].AgentID != "a1" {
		t.Fatalf("agents: %+v", agents)
	}

	r3, _ := http.Get(ts.URL + "/agents/a1")
	agent := decode[models.Agent](t, r3)
	if agent.AssistantID != "asst_a1" {
		t.Fatalf("agent: %+v", agent)
	}

	// JSON error on not found
	r4, _ := http.Get(ts.URL + "/agents/ghost")
	if r4.StatusCode != 404 {
		t.Fatalf("GET /agents/ghost status=%d", r4.StatusCode)
	}
	errBody := decode[struct {
		Error string `json:"error"`
	}](t, r4)
	if errBody.Error == "" {
		t.Fatal("expected error message in JSON")
	}

	// update spec
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/agents/a1",
		strings.NewReader(`{"spec":"name: a1\nmodel: gpt-4o-mini\n"}`))
	r5, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	updated := decode[models.Agent](t, r5)
	if !strings.Contains(updated.Spec, "gpt-4o-mini") {
		t.Fatalf("updated agent: %+v", updated)
	}
}

func TestOptimizeFlow(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)
	createAgent(t, ts, "a1")

	resp := postJSON(t, ts.URL+"/agents/a1/optimize", `{"optimizer":"gepa","budget":"light","params":{"iterations":"5"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST optimize status=%d", resp.StatusCode)
	}
	started := decode[struct {
		JobID string `json:"job_id"`
		State string `json:"state"`
	}](t, resp)
	if started.JobID == "" || started.State != models.StatePending {
		t.Fatalf("start response: %+v", started)
	}

	job := waitJobTerminal(t, ts, started.JobID)
	if job.State != models.StateCompleted {
		t.Fatalf("job state: %s (%+v)", job.State, job.Result)
	}
	if !job.Result.Deployable {
		t.Fatalf("result: %+v", job.Result)
	}

	// jobs list
	r, _ := http.Get(ts.URL + "/agents/a1/jobs")
	jobs := decode[[]models.Job](t, r)
	if len(jobs) != 1 {
		t.Fatalf("jobs: %+v", jobs)
	}

	// evaluations recorded for baseline and optimized
	r, _ = http.Get(ts.URL + "/agents/a1/evaluations")
	evals := decode[[]models.EvaluationRecord](t, r)
	if len(evals) != 2 {
		t.Fatalf("evaluations: %+v", evals)
	}

	// progress persisted
	r, _ = http.Get(ts.URL + "/jobs/" + started.JobID + "/progress")
	prog := decode[[]models.ProgressEvent](t, r)
	if len(prog) == 0 {
		t.Fatal("expected progress events")
	}

	// deploy, then rollback has no pre-deploy snapshot (stub platform was
	// empty) so it conflicts
	r = postJSON(t, ts.URL+"/jobs/"+started.JobID+"/deploy", `{}`)
	if r.StatusCode != 200 {
		t.Fatalf("deploy status=%d", r.StatusCode)
	}
	v := decode[models.DeployedVersion](t, r)
	if v.Kind != models.VersionKindDeploy {
		t.Fatalf("version: %+v", v)
	}

	r = postJSON(t, ts.URL+"/agents/a1/rollback", ``)
	if r.StatusCode != http.StatusConflict {
		t.Fatalf("rollback status=%d", r.StatusCode)
	}
	_ = r.Body.Close()
}

func TestOptimizeConflict(t *testing.T) {
	t.Parallel()

	stub := &runner.Stub{StepDelay: 10 * time.Second}
	app, err := NewApp(ServerOptions{
		Home:      t.TempDir(),
		Addr:      "127.0.0.1:0",
		Evaluator: stub,
		Optimizer: stub,
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		ts.Close()
		app.Orch.Close()
		_ = app.Store.Close()
	})
	createAgent(t, ts, "a1")

	r1 := postJSON(t, ts.URL+"/agents/a1/optimize", `{}`)
	if r1.StatusCode != http.StatusAccepted {
		t.Fatalf("first optimize status=%d", r1.StatusCode)
	}
	started := decode[struct {
		JobID string `json:"job_id"`
	}](t, r1)

	r2 := postJSON(t, ts.URL+"/agents/a1/optimize", `{}`)
	if r2.StatusCode != http.StatusConflict {
		t.Fatalf("second optimize status=%d", r2.StatusCode)
	}
	_ = r2.Body.Close()

	// cancel is idempotent
	for i := 0; i < 2; i++ {
		r := postJSON(t, ts.URL+"/jobs/"+started.JobID+"/cancel", ``)
		if r.StatusCode != 200 {
			t.Fatalf("cancel status=%d", r.StatusCode)
		}
		_ = r.Body.Close()
	}
	job := waitJobTerminal(t, ts, started.JobID)
	if job.State != models.StateCancelled {
		t.Fatalf("state: %s", job.State)
	}

	// bad budget is a 400
	r3 := postJSON(t, ts.URL+"/agents/a1/optimize", `{"budget":"infinite"}`)
	if r3.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad budget status=%d", r3.StatusCode)
	}
	_ = r3.Body.Close()

	// unknown job is a 404
	r4, _ := http.Get(ts.URL + "/jobs/ghost")
	if r4.StatusCode != 404 {
		t.Fatalf("unknown job status=%d", r4.StatusCode)
	}
	_ = r4.Body.Close()
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	app, err := NewApp(ServerOptions{Home: t.TempDir(), Addr: "127.0.0.1:0", APIKey: "sekrit"})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		ts.Close()
		app.Orch.Close()
		_ = app.Store.Close()
	})

	// health is open
	r1, _ := http.Get(ts.URL + "/health")
	if r1.StatusCode != 200 {
		t.Fatalf("/health status=%d", r1.StatusCode)
	}
	_ = r1.Body.Close()

	r2, _ := http.Get(ts.URL + "/agents")
	if r2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key status=%d", r2.StatusCode)
	}
	_ = r2.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/agents", nil)
	req.Header.Set("X-API-Key", "sekrit")
	r3, _ := http.DefaultClient.Do(req)
	if r3.StatusCode != 200 {
		t.Fatalf("with key status=%d", r3.StatusCode)
	}
	_ = r3.Body.Close()
}
