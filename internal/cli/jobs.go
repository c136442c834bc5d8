package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxtune/voxtune/pkg/models"
)

func newJobsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs <agent-id>",
		Short: "List optimization jobs for an agent, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			jobs, err := c.ListJobs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			for _, j := range jobs {
				line := fmt.Sprintf("- %s %-20s %s/%s", j.JobID, j.State, j.Optimizer, j.Budget)
				if j.Result != nil && j.State == "completed" {
					line += fmt.Sprintf(" delta=%+.4f", j.Result.Delta)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Max jobs to list (0 = server default)")
	return cmd
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show one job's state and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			j, err := c.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "job:       %s\n", j.JobID)
			_, _ = fmt.Fprintf(out, "agent:     %s\n", j.AgentID)
			_, _ = fmt.Fprintf(out, "state:     %s\n", j.State)
			_, _ = fmt.Fprintf(out, "optimizer: %s (%s budget)\n", j.Optimizer, j.Budget)
			if j.Result != nil {
				printResult(cmd, j.Result)
			}
			return nil
		},
	}
	return cmd
}

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running or queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Cancel requested")
			return nil
		},
	}
	return cmd
}

func newWatchCmd() *cobra.Command {
	var backfill bool
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			return c.Follow(cmd.Context(), args[0], backfill, func(ev models.JobEvent) {
				printJobEvent(cmd, ev)
			})
		},
	}
	cmd.Flags().BoolVar(&backfill, "backfill", true, "Replay persisted progress before live events")
	return cmd
}
