package daemon

// StartOptions configures the daemon (home, port, runner, gateway, DB, metrics).
type StartOptions struct {
	Home          string
	Port          int
	Dev           bool
	PprofAddr     string
	Runner        string   // "stub" (default) or "subprocess"
	RunnerCmd     string   // e.g. "superoptix"
	RunnerArgs    []string // prepended before the harness subcommand
	GatewayURL    string   // platform base URL; empty = in-memory stub gateway
	GatewayToken  string   // platform bearer token (or VOXTUNE_PLATFORM_TOKEN env)
	MaxConcurrent int
	QualityGate   float64
	EvalRetries   int
	SweepSec      float64 // orphan sweep interval in seconds
	DBDriver      string  // "sqlite" (default) or "postgres"
	DBURL         string  // for postgres: connection string (or DATABASE_URL env)
	EnableOtel    bool    // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
