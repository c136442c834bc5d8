package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// EvalResult is the outcome of one evaluation run against an agent spec.
type EvalResult struct {
	PassRate float64         `json:"pass_rate"`
	Passed   int             `json:"passed"`
	Total    int             `json:"total"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// OptimizeResult carries the optimized spec produced by one optimization run.
type OptimizeResult struct {
	Spec string          `json:"spec"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

// ScoringConfig tunes how an evaluation scores transcripts.
type ScoringConfig struct {
	Dataset string `json:"dataset,omitempty"`
	Metric  string `json:"metric,omitempty"`
}

// Progress is invoked as an optimization run advances. fraction is in [0,1].
type Progress func(fraction float64, note string)

// Evaluator scores an agent spec against its eval dataset.
type Evaluator interface {
	Evaluate(ctx context.Context, spec string, scoring ScoringConfig) (EvalResult, error)
}

// Optimizer produces an improved spec from a starting spec.
type Optimizer interface {
	Optimize(ctx context.Context, spec, optimizer string, params map[string]string, onProgress Progress) (OptimizeResult, error)
}

// EvaluationError wraps a failed evaluation run. Transient failures (harness
// crashes, upstream model flakiness) may be retried; malformed output may not.
type EvaluationError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation failed: %s: %v", e.Reason, e.Err)
	}
	return "evaluation failed: " + e.Reason
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an evaluation failure worth retrying.
func IsTransient(err error) bool {
	var ee *EvaluationError
	return errors.As(err, &ee) && ee.Transient
}

// OptimizationError wraps a failed optimization run. Optimization is never
// retried; Timeout marks budget exhaustion.
type OptimizationError struct {
	Reason  string
	Timeout bool
	Err     error
}

func (e *OptimizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("optimization failed: %s: %v", e.Reason, e.Err)
	}
	return "optimization failed: " + e.Reason
}

func (e *OptimizationError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an optimization budget timeout.
func IsTimeout(err error) bool {
	var oe *OptimizationError
	return errors.As(err, &oe) && oe.Timeout
}

// SpecSummary is the subset of an agent spec the daemon inspects.
type SpecSummary struct {
	Name         string `yaml:"name"`
	Model        string `yaml:"model"`
	Instructions string `yaml:"instructions"`
}

// ParseSpec validates a YAML agent spec and extracts its summary fields.
func ParseSpec(spec string) (SpecSummary, error) {
	var s SpecSummary
	if err := yaml.Unmarshal([]byte(spec), &s); err != nil {
		return SpecSummary{}, fmt.Errorf("invalid agent spec: %w", err)
	}
	if s.Name == "" {
		return SpecSummary{}, errors.New("invalid agent spec: missing name")
	}
	return s, nil
}
