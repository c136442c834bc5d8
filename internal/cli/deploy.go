package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeployCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "deploy <job-id>",
		Short: "Push a completed job's optimized spec to the voice platform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			v, err := c.Deploy(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deployed version %d for agent %s\n", v.VersionID, v.AgentID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Deploy even when the optimized score regressed below baseline")
	return cmd
}

func newRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <agent-id>",
		Short: "Restore the previously deployed version for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			v, err := c.Rollback(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Rolled back agent %s to version %d\n", v.AgentID, v.VersionID)
			return nil
		},
	}
	return cmd
}

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <agent-id>",
		Short: "Run a one-off evaluation of the agent's current spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := c.EvaluateNow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pass rate: %.4f\n", rec.PassRate)
			return nil
		},
	}
	return cmd
}
