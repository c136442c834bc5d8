package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// HTTPGateway talks to the platform's REST API. It is safe for concurrent use.
type HTTPGateway struct {
	BaseURL    string       // e.g. "https://api.vapi.ai"
	Token      string       // bearer token
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a gateway for the given platform base URL and API token.
func New(baseURL, token string) *HTTPGateway {
	return &HTTPGateway{BaseURL: baseURL, Token: token}
}

func (g *HTTPGateway) client() *http.Client {
	if g.HTTPClient != nil {
		return g.HTTPClient
	}
	return http.DefaultClient
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	return g.client().Do(req)
}

type assistantBody struct {
	Spec string `json:"spec"`
}

func (g *HTTPGateway) Push(ctx context.Context, assistantID, spec string) error {
	if assistantID == "" {
		return errors.New("assistant id required")
	}
	resp, err := g.do(ctx, http.MethodPatch, "/assistant/"+assistantID, assistantBody{Spec: spec})
	if err != nil {
		return &DeploymentError{Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeploymentError{StatusCode: resp.StatusCode, Message: readError(resp.Body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (g *HTTPGateway) FetchCurrent(ctx context.Context, assistantID string) (string, error) {
	if assistantID == "" {
		return "", errors.New("assistant id required")
	}
	resp, err := g.do(ctx, http.MethodGet, "/assistant/"+assistantID, nil)
	if err != nil {
		return "", &DeploymentError{Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &DeploymentError{StatusCode: resp.StatusCode, Message: readError(resp.Body)}
	}
	var out assistantBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &DeploymentError{Message: "malformed platform response: " + err.Error()}
	}
	return out.Spec, nil
}

func readError(r io.Reader) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(r).Decode(&body)
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}
