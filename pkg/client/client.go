// Package client provides a Go SDK for the Voxtune HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/voxtune/voxtune/pkg/models"
)

// Client calls the Voxtune HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3646"
	APIKey     string       // optional; set for X-API-Key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:3646").
// APIKey is optional; when set, requests carry the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// ListAgents returns all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var out []models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents", nil, &out)
	return out, err
}

// CreateAgent registers an agent with its YAML spec. AssistantID is optional.
func (c *Client) CreateAgent(ctx context.Context, agentID, name, spec, assistantID string) (*models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodPost, "/agents", map[string]string{
		"agent_id":     agentID,
		"name":         name,
		"spec":         spec,
		"assistant_id": assistantID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent returns an agent by ID.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAgentSpec replaces an agent's spec.
func (c *Client) UpdateAgentSpec(ctx context.Context, agentID, spec string) (*models.Agent, error) {
	var out models.Agent
	err := c.doJSON(ctx, http.MethodPut, "/agents/"+url.PathEscape(agentID), map[string]string{"spec": spec}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteAgent removes an agent and its history.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/agents/"+url.PathEscape(agentID), nil, nil)
}

// StartOptimization starts an optimization job for an agent. Empty optimizer
// and budget select the defaults (gepa, medium). Returns the accepted job ID.
func (c *Client) StartOptimization(ctx context.Context, agentID, optimizer string, params map[string]string, budget string) (jobID string, err error) {
	var out struct {
		JobID string `json:"job_id"`
		State string `json:"state"`
	}
	err = c.doJSON(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/optimize", map[string]any{
		"optimizer": optimizer,
		"params":    params,
		"budget":    budget,
	}, &out)
	return out.JobID, err
}

// ListJobs returns jobs for an agent, newest first (limit 0 = default).
func (c *Client) ListJobs(ctx context.Context, agentID string, limit int) ([]models.Job, error) {
	path := "/agents/" + url.PathEscape(agentID) + "/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Job
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetJob returns a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var out models.Job
	err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel requests cooperative cancellation of a job. Cancelling a job that is
// already terminal is a no-op.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// Deploy pushes a completed job's optimized spec to the external platform.
// Force overrides the regression refusal when the optimized score is below
// the baseline.
func (c *Client) Deploy(ctx context.Context, jobID string, force bool) (*models.DeployedVersion, error) {
	var out models.DeployedVersion
	err := c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/deploy", map[string]bool{"force": force}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Rollback restores the previously deployed version for an agent.
func (c *Client) Rollback(ctx context.Context, agentID string) (*models.DeployedVersion, error) {
	var out models.DeployedVersion
	err := c.doJSON(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/rollback", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEvaluations returns evaluation records for an agent (limit 0 = default).
func (c *Client) ListEvaluations(ctx context.Context, agentID string, limit int) ([]models.EvaluationRecord, error) {
	path := "/agents/" + url.PathEscape(agentID) + "/evaluations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.EvaluationRecord
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// EvaluateNow runs a one-off evaluation of the agent's current spec.
func (c *Client) EvaluateNow(ctx context.Context, agentID string) (*models.EvaluationRecord, error) {
	var out models.EvaluationRecord
	err := c.doJSON(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/evaluate", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProgress returns a job's progress log after the given sequence number
// (0 = from the beginning).
func (c *Client) ListProgress(ctx context.Context, jobID string, after int64) ([]models.ProgressEvent, error) {
	path := "/jobs/" + url.PathEscape(jobID) + "/progress"
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	var out []models.ProgressEvent
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Follow subscribes to a job's SSE stream and invokes fn for each event until
// the job reaches a terminal state, the stream ends, or the context is
// cancelled. Pass backfill to replay persisted progress before live events.
func (c *Client) Follow(ctx context.Context, jobID string, backfill bool, fn func(models.JobEvent)) error {
	path := "/jobs/" + url.PathEscape(jobID) + "/stream"
	if backfill {
		path += "?backfill=1"
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api GET %s: %s", path, errBody.Error)
		}
		return fmt.Errorf("api GET %s: status %d", path, resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue // keepalive comments and blank separators
		}
		var ev models.JobEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		fn(ev)
		if ev.Type == "done" {
			return nil
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
