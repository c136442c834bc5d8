package cli

import (
	"github.com/spf13/cobra"

	"github.com/voxtune/voxtune/internal/config"
	"github.com/voxtune/voxtune/internal/daemon"
	"github.com/voxtune/voxtune/pkg/models"
)

func newDaemonCmd() *cobra.Command {
	var (
		port          int
		maxConcurrent int
		dev           bool
		pprofAddr     string
		runnerKind    string
		runnerCmd     string
		platformURL   string
		dbDriver      string
		dbURL         string
		enableOtel    bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:          home,
				Port:          port,
				Dev:           dev,
				PprofAddr:     pprofAddr,
				Runner:        runnerKind,
				RunnerCmd:     runnerCmd,
				GatewayURL:    platformURL,
				MaxConcurrent: maxConcurrent,
				DBDriver:      dbDriver,
				DBURL:         dbURL,
				EnableOtel:    enableOtel,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", daemon.DefaultPort, "Port for the HTTP API")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", models.DefaultMaxConcurrentJobs, "Max optimization jobs running at once")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address")
	cmd.Flags().StringVar(&runnerKind, "runner", "stub", "Runner: stub or subprocess")
	cmd.Flags().StringVar(&runnerCmd, "runner-cmd", "", "Command for the subprocess runner")
	cmd.Flags().StringVar(&platformURL, "platform-url", "", "Voice platform base URL for deploys")
	cmd.Flags().StringVar(&dbDriver, "db", "sqlite", "Store driver: sqlite or postgres")
	cmd.Flags().StringVar(&dbURL, "db-url", "", "DB connection string")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
