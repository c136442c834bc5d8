package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/voxtune/voxtune/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "voxtune",
		Short:        "Voxtune — optimization orchestrator for voice agent prompts",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override Voxtune home directory (default: ~/.voxtune, env: VOXTUNE_HOME)")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newOptimizeCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newJobCmd())
	cmd.AddCommand(newCancelCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newRollbackCmd())
	cmd.AddCommand(newEvaluateCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newApikeyCmd())

	// Hidden internal subcommand used by `voxtune start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
