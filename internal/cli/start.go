package cli

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/voxtune/voxtune/internal/config"
	"github.com/voxtune/voxtune/internal/daemon"
	"github.com/voxtune/voxtune/pkg/models"
)

func newStartCmd() *cobra.Command {
	var (
		port          int
		foreground    bool
		maxConcurrent int
		dev           bool
		pprofAddr     string
		runnerKind    string
		runnerCmd     string
		runnerArgs    []string
		platformURL   string
		platformToken string
		envFile       string
		qualityGate   float64
		evalRetries   int
		sweepSec      float64
		dbDriver      string
		dbURL         string
		enableOtel    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Voxtune daemon (HTTP API + job orchestrator)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %s: %w", envFile, err)
				}
			}
			home := config.MustHomeFrom(cmd.Context())

			opts := daemon.StartOptions{
				Home:          home,
				Port:          port,
				Dev:           dev,
				PprofAddr:     pprofAddr,
				Runner:        runnerKind,
				RunnerCmd:     runnerCmd,
				RunnerArgs:    runnerArgs,
				GatewayURL:    platformURL,
				GatewayToken:  platformToken,
				MaxConcurrent: maxConcurrent,
				QualityGate:   qualityGate,
				EvalRetries:   evalRetries,
				SweepSec:      sweepSec,
				DBDriver:      dbDriver,
				DBURL:         dbURL,
				EnableOtel:    enableOtel,
			}

			api := fmt.Sprintf("http://localhost:%d", port)

			if foreground {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting Voxtune in foreground on %s\n", api)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Voxtune started (pid %d)\n", pid)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: %s\n", api)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", daemon.DefaultPort, "Port for the HTTP API")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", models.DefaultMaxConcurrentJobs, "Max optimization jobs running at once")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode (permissive CORS)")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&runnerKind, "runner", "stub", "Runner: stub or subprocess")
	cmd.Flags().StringVar(&runnerCmd, "runner-cmd", "", "Command for the subprocess runner (e.g. superoptix)")
	cmd.Flags().StringSliceVar(&runnerArgs, "runner-args", nil, "Extra args prepended to runner invocations")
	cmd.Flags().StringVar(&platformURL, "platform-url", "", "Voice platform base URL for deploys (or VOXTUNE_PLATFORM_URL)")
	cmd.Flags().StringVar(&platformToken, "platform-token", "", "Voice platform bearer token (or VOXTUNE_PLATFORM_TOKEN)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file before starting")
	cmd.Flags().Float64Var(&qualityGate, "quality-gate", models.DefaultQualityGate, "Advisory pass-rate threshold for deployable results")
	cmd.Flags().IntVar(&evalRetries, "eval-retries", models.DefaultEvalRetries, "Extra evaluation attempts after a transient failure")
	cmd.Flags().Float64Var(&sweepSec, "sweep-interval", 60, "Orphaned job sweep interval (seconds)")
	cmd.Flags().StringVar(&dbDriver, "db", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string (for postgres; or set DATABASE_URL)")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP/SSE/job instrumentation)")

	return cmd
}
