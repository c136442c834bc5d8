package orchestrator

import "errors"

var (
	// ErrJobConflict is returned when an agent already has a non-terminal job.
	ErrJobConflict = errors.New("agent already has an active job")
	// ErrNotCompleted is returned when deploying a job that did not complete.
	ErrNotCompleted = errors.New("job has not completed")
	// ErrRegression is returned when deploying a job whose optimized spec
	// scored below its baseline; pass force to deploy anyway.
	ErrRegression = errors.New("optimized spec scored below baseline")
	// ErrNoHistory is returned when rolling back an agent with fewer than two
	// recorded deployments.
	ErrNoHistory = errors.New("no previous deployment to roll back to")

	ErrUnknownBudget    = errors.New("unknown budget tier")
	ErrUnknownOptimizer = errors.New("unknown optimizer")
)
