package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPGateway_PushAndFetch(t *testing.T) {
	t.Parallel()

	var stored string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assistant/asst_1" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header: %q", got)
		}
		switch r.Method {
		case http.MethodPatch:
			var body assistantBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode: %v", err)
			}
			stored = body.Spec
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(assistantBody{Spec: stored})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	g := New(srv.URL, "tok")
	ctx := context.Background()

	if err := g.Push(ctx, "asst_1", "name: a\n"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got, err := g.FetchCurrent(ctx, "asst_1")
	if err != nil {
		t.Fatalf("FetchCurrent: %v", err)
	}
	if got != "name: a\n" {
		t.Errorf("fetched spec: %q", got)
	}
}

func TestHTTPGateway_PushError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "upstream down"})
	}))
	defer srv.Close()

	err := New(srv.URL, "tok").Push(context.Background(), "asst_1", "spec")
	var de *DeploymentError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeploymentError, got %v", err)
	}
	if de.StatusCode != http.StatusBadGateway || de.Message != "upstream down" {
		t.Errorf("unexpected error: %+v", de)
	}
}

func TestStubGateway(t *testing.T) {
	t.Parallel()

	g := NewStub()
	ctx := context.Background()
	if err := g.Push(ctx, "a", "v1"); err != nil {
		t.Fatal(err)
	}
	got, err := g.FetchCurrent(ctx, "a")
	if err != nil || got != "v1" {
		t.Fatalf("FetchCurrent: %q %v", got, err)
	}

	g.FailPush = errors.New("down")
	if err := g.Push(ctx, "a", "v2"); err == nil {
		t.Fatal("expected push failure")
	}
}
