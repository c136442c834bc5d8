package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxtune/voxtune/internal/orchestrator"
	"github.com/voxtune/voxtune/internal/store"
	"github.com/voxtune/voxtune/pkg/models"
)

const sseKeepalive = 30 * time.Second

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// streamAll serves the firehose of every job's events.
func streamAll(hub *orchestrator.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch := hub.SubscribeAll()
		defer hub.Unsubscribe(ch)

		// Initial ping so clients know the stream is live.
		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
		flusher.Flush()

		pump(w, r, flusher, ch, false)
	}
}

// streamJob serves one job's events. With ?backfill=1 the persisted progress
// history is replayed before live events; a terminal job replays its final
// state and closes.
func streamJob(hub *orchestrator.Hub, st store.Store, jobID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		if _, err := st.GetJob(r.Context(), jobID); err != nil {
			writeError(w, err)
			return
		}
		sseHeaders(w)

		// Subscribe before reading state so no event falls in the gap.
		ch := hub.Subscribe(jobID)
		defer hub.Unsubscribe(ch)

		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
		flusher.Flush()

		job, err := st.GetJob(r.Context(), jobID)
		if err != nil {
			// Headers are already out; the best we can do is say why we closed.
			slog.Warn("job stream aborted", "job", jobID, "err", err)
			writeEvent(w, models.JobEvent{Type: "error", JobID: jobID, Note: err.Error(), Timestamp: time.Now().UTC()})
			flusher.Flush()
			return
		}

		if r.URL.Query().Get("backfill") == "1" {
			history, err := st.ListProgress(r.Context(), jobID, 0)
			if err == nil {
				for _, p := range history {
					writeEvent(w, models.JobEvent{
						Type:      "progress",
						JobID:     p.JobID,
						AgentID:   job.AgentID,
						Fraction:  p.Fraction,
						Note:      p.Note,
						Timestamp: p.Timestamp,
					})
				}
				flusher.Flush()
			}
		}

		if job.Terminal() {
			writeEvent(w, models.JobEvent{
				Type:      "done",
				JobID:     job.JobID,
				AgentID:   job.AgentID,
				State:     job.State,
				Timestamp: time.Now().UTC(),
				Result:    job.Result,
			})
			flusher.Flush()
			return
		}

		pump(w, r, flusher, ch, true)
	}
}

func writeEvent(w http.ResponseWriter, ev models.JobEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
}

// pump forwards hub events to the client. With closeOnDone set (per-job
// streams) the final terminal event also ends the response, so consumers
// see a naturally terminated stream instead of idle keepalives.
func pump(w http.ResponseWriter, r *http.Request, flusher http.Flusher, ch chan []byte, closeOnDone bool) {
	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			// Comment keepalive.
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", string(msg))
			flusher.Flush()
			if closeOnDone && isDoneEvent(msg) {
				return
			}
		}
	}
}

func isDoneEvent(msg []byte) bool {
	var ev struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(msg, &ev) == nil && ev.Type == "done"
}
