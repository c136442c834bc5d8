package orchestrator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/voxtune/voxtune/internal/otel"
	"github.com/voxtune/voxtune/pkg/models"
)

// Hub fans job events out to SSE subscribers. Subscribers either watch a
// single job or the firehose of all jobs. Slow subscribers drop events so a
// stalled consumer can never stall a running job.
type Hub struct {
	mu   sync.RWMutex
	jobs map[string]map[chan []byte]struct{}
	all  map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{
		jobs: make(map[string]map[chan []byte]struct{}),
		all:  make(map[chan []byte]struct{}),
	}
}

// Subscribe watches events for one job.
func (h *Hub) Subscribe(jobID string) chan []byte {
	ch := make(chan []byte, models.DefaultSSEChannelBuffer)
	h.mu.Lock()
	if h.jobs[jobID] == nil {
		h.jobs[jobID] = make(map[chan []byte]struct{})
	}
	h.jobs[jobID][ch] = struct{}{}
	h.mu.Unlock()
	otel.AddSSEConnection()
	return ch
}

// SubscribeAll watches events for every job.
func (h *Hub) SubscribeAll() chan []byte {
	ch := make(chan []byte, models.DefaultSSEChannelBuffer)
	h.mu.Lock()
	h.all[ch] = struct{}{}
	h.mu.Unlock()
	otel.AddSSEConnection()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.all[ch]; ok {
		delete(h.all, ch)
		close(ch)
		otel.RemoveSSEConnection()
		h.mu.Unlock()
		return
	}
	for jobID, subs := range h.jobs {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
			otel.RemoveSSEConnection()
			if len(subs) == 0 {
				delete(h.jobs, jobID)
			}
			break
		}
	}
	h.mu.Unlock()
}

// Publish delivers ev to the job's subscribers and the firehose.
func (h *Hub) Publish(ev models.JobEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	otel.RecordSSEEvent(context.Background())
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.jobs[ev.JobID] {
		select {
		case ch <- b:
		default:
			// Drop if subscriber is too slow; prevents backpressure on jobs.
		}
	}
	for ch := range h.all {
		select {
		case ch <- b:
		default:
		}
	}
}
