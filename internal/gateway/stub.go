package gateway

import (
	"context"
	"sync"
)

// StubGateway keeps assistant specs in memory. Used by tests and by
// `voxtune start --gateway stub` for local development.
type StubGateway struct {
	mu    sync.Mutex
	specs map[string]string

	// FailPush, when set, is returned from every Push call.
	FailPush error
}

func NewStub() *StubGateway {
	return &StubGateway{specs: make(map[string]string)}
}

func (g *StubGateway) Push(ctx context.Context, assistantID, spec string) error {
	if g.FailPush != nil {
		return g.FailPush
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.specs[assistantID] = spec
	return nil
}

func (g *StubGateway) FetchCurrent(ctx context.Context, assistantID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.specs[assistantID], nil
}
