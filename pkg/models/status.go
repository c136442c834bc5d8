package models

// Job states used throughout the codebase.
const (
	StatePending            = "pending"
	StateEvaluatingBaseline = "evaluating_baseline"
	StateOptimizing         = "optimizing"
	StateEvaluatingResult   = "evaluating_result"
	StateComparing          = "comparing"
	StateCompleted          = "completed"
	StateFailed             = "failed"
	StateCancelled          = "cancelled"
)

// TerminalState reports whether s is one of the three terminal job states.
func TerminalState(s string) bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Optimization budgets: wall-clock caps on the optimizing state.
const (
	BudgetLight  = "light"
	BudgetMedium = "medium"
	BudgetHeavy  = "heavy"
)

// Deployment record kinds.
const (
	VersionKindBaseline = "baseline"
	VersionKindDeploy   = "deploy"
	VersionKindRollback = "rollback"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultJobListLimit        = 200
	DefaultEvalListLimit       = 500
	DefaultSSEChannelBuffer    = 256
	DefaultMaxConcurrentJobs   = 4
	DefaultQualityGate         = 0.80
	DefaultEvalRetries         = 2
)
