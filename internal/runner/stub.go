package runner

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Stub is a deterministic in-process runner that scores and rewrites specs
// without spawning subprocesses or calling any model.
type Stub struct {
	BaselinePassRate  float64
	OptimizedPassRate float64
	StepDelay         time.Duration // pause between progress events

	evalCalls atomic.Int64
}

func (s *Stub) Evaluate(ctx context.Context, spec string, scoring ScoringConfig) (EvalResult, error) {
	if err := ctx.Err(); err != nil {
		return EvalResult{}, err
	}
	rate := s.BaselinePassRate
	if strings.Contains(spec, "optimized: true") || s.evalCalls.Load() > 0 {
		rate = s.OptimizedPassRate
	}
	s.evalCalls.Add(1)
	total := 25
	return EvalResult{
		PassRate: rate,
		Passed:   int(rate * float64(total)),
		Total:    total,
	}, nil
}

func (s *Stub) Optimize(ctx context.Context, spec, optimizer string, params map[string]string, onProgress Progress) (OptimizeResult, error) {
	steps := []string{"bootstrapping candidates", "scoring candidates", "selecting best"}
	for i, note := range steps {
		if err := sleepCtx(ctx, s.StepDelay); err != nil {
			return OptimizeResult{}, &OptimizationError{Reason: "budget exhausted", Timeout: true, Err: err}
		}
		if onProgress != nil {
			onProgress(float64(i+1)/float64(len(steps)+1), note)
		}
	}
	out := fmt.Sprintf("%s\n# optimized: true (%s)\noptimized: true\n", strings.TrimRight(spec, "\n"), optimizer)
	return OptimizeResult{Spec: out}, nil
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
