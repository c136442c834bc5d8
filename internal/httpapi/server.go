// Package httpapi serves the voxtune daemon's REST and SSE surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/voxtune/voxtune/internal/gateway"
	"github.com/voxtune/voxtune/internal/orchestrator"
	"github.com/voxtune/voxtune/internal/runner"
	"github.com/voxtune/voxtune/internal/store"
	"github.com/voxtune/voxtune/internal/store/postgres"
	"github.com/voxtune/voxtune/pkg/models"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key, DB, metrics, runners).
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	DBDriver       string       // "sqlite" (default) or "postgres"
	DBURL          string       // for postgres: connection string (or set DATABASE_URL env)
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics

	Evaluator runner.Evaluator  // nil = runner.Stub
	Optimizer runner.Optimizer  // nil = runner.Stub
	Gateway   gateway.Gateway   // nil = gateway.Stub
	Orch      orchestrator.Options // MaxConcurrentJobs, QualityGate, Budgets, EvalRetries
}

// App holds the HTTP server, the orchestrator, the store, and the home path.
type App struct {
	Server *http.Server
	Orch   *orchestrator.Orchestrator
	Store  store.Store
	Home   string
}

// NewApp creates the HTTP app (server, orchestrator, store) and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(opts.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	if opts.Evaluator == nil || opts.Optimizer == nil {
		stub := &runner.Stub{BaselinePassRate: 0.70, OptimizedPassRate: 0.85, StepDelay: 200 * time.Millisecond}
		if opts.Evaluator == nil {
			opts.Evaluator = stub
		}
		if opts.Optimizer == nil {
			opts.Optimizer = stub
		}
	}
	if opts.Gateway == nil {
		opts.Gateway = gateway.NewStub()
	}
	orchOpts := opts.Orch
	orchOpts.Store = st
	orchOpts.Evaluator = opts.Evaluator
	orchOpts.Optimizer = opts.Optimizer
	orchOpts.Gateway = opts.Gateway
	orch := orchestrator.New(orchOpts)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			active, _ := st.ListActiveJobs(r.Context())
			_, _ = w.Write([]byte("# TYPE voxtune_jobs_active gauge\n"))
			_, _ = w.Write([]byte("voxtune_jobs_active " + strconv.Itoa(len(active)) + "\n"))
		})
	}

	mux.HandleFunc("/stream", streamAll(orch.Hub()))

	// --- Agents ---
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			agents, err := st.ListAgents(r.Context())
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if agents == nil {
				agents = []models.Agent{}
			}
			writeJSON(w, agents)
		case http.MethodPost:
			var body struct {
				AgentID     string `json:"agent_id"`
				Name        string `json:"name"`
				Spec        string `json:"spec"`
				AssistantID string `json:"assistant_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if body.AgentID == "" || body.Spec == "" {
				writeJSONError(w, http.StatusBadRequest, "agent_id and spec required")
				return
			}
			if _, err := runner.ParseSpec(body.Spec); err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			a, err := st.CreateAgent(r.Context(), body.AgentID, body.Name, body.Spec, body.AssistantID)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, a)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	// --- Agent-scoped endpoints ---
	mux.HandleFunc("/agents/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/agents/")
		parts := strings.Split(rest, "/")
		if len(parts) < 1 || parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		agentID := parts[0]

		// /agents/{id}
		if len(parts) == 1 || parts[1] == "" {
			switch r.Method {
			case http.MethodGet:
				a, err := st.GetAgent(r.Context(), agentID)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, a)
			case http.MethodPut:
				var body struct {
					Spec        string  `json:"spec"`
					AssistantID *string `json:"assistant_id"`
				}
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					writeJSONError(w, http.StatusBadRequest, "invalid json")
					return
				}
				if body.Spec != "" {
					if _, err := runner.ParseSpec(body.Spec); err != nil {
						writeJSONError(w, http.StatusBadRequest, err.Error())
						return
					}
					if err := st.UpdateAgentSpec(r.Context(), agentID, body.Spec); err != nil {
						writeError(w, err)
						return
					}
				}
				if body.AssistantID != nil {
					if err := st.SetAgentAssistant(r.Context(), agentID, *body.AssistantID); err != nil {
						writeError(w, err)
						return
					}
				}
				a, err := st.GetAgent(r.Context(), agentID)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, a)
			case http.MethodDelete:
				if err := st.DeleteAgent(r.Context(), agentID); err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, map[string]any{"ok": true})
			default:
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
			return
		}

		switch parts[1] {
		case "optimize":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var body struct {
				Optimizer string            `json:"optimizer"`
				Params    map[string]string `json:"params"`
				Budget    string            `json:"budget"`
			}
			// An empty body means defaults (gepa, medium).
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			job, err := orch.StartOptimization(r.Context(), agentID, body.Optimizer, body.Params, body.Budget)
			if err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(map[string]any{"job_id": job.JobID, "state": job.State})
		case "jobs":
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			jobs, err := st.ListJobs(r.Context(), agentID, queryInt(r, "limit"))
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if jobs == nil {
				jobs = []models.Job{}
			}
			writeJSON(w, jobs)
		case "evaluations":
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			evals, err := st.ListEvaluations(r.Context(), agentID, queryInt(r, "limit"))
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if evals == nil {
				evals = []models.EvaluationRecord{}
			}
			writeJSON(w, evals)
		case "evaluate":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			rec, err := orch.EvaluateNow(r.Context(), agentID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, rec)
		case "rollback":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			v, err := orch.Rollback(r.Context(), agentID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, v)
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})

	// --- Jobs ---
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
		parts := strings.Split(rest, "/")
		if len(parts) < 1 || parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		jobID := parts[0]

		if len(parts) == 1 || parts[1] == "" {
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			job, err := st.GetJob(r.Context(), jobID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, job)
			return
		}

		switch parts[1] {
		case "cancel":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := orch.Cancel(r.Context(), jobID); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"ok": true})
		case "deploy":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var body struct {
				Force bool `json:"force"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			v, err := orch.Deploy(r.Context(), jobID, body.Force)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, v)
		case "progress":
			if r.Method != http.MethodGet {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			prog, err := st.ListProgress(r.Context(), jobID, int64(queryInt(r, "after")))
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if prog == nil {
				prog = []models.ProgressEvent{}
			}
			writeJSON(w, prog)
		case "stream":
			streamJob(orch.Hub(), st, jobID)(w, r)
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "voxtune")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // SSE streams stay open indefinitely
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		orch.Close()
		_ = st.Close()
	})

	return &App{Server: srv, Orch: orch, Store: st, Home: opts.Home}, nil
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var de *gateway.DeploymentError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrJobConflict),
		errors.Is(err, orchestrator.ErrNotCompleted),
		errors.Is(err, orchestrator.ErrRegression),
		errors.Is(err, orchestrator.ErrNoHistory):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrUnknownBudget),
		errors.Is(err, orchestrator.ErrUnknownOptimizer):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &de):
		writeJSONError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
