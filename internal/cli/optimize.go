package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/voxtune/voxtune/pkg/models"
)

func newOptimizeCmd() *cobra.Command {
	var (
		optimizer string
		budget    string
		params    []string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "optimize <agent-id>",
		Short: "Start an optimization job for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd.Context())
			if err != nil {
				return err
			}
			pm, err := parseParams(params)
			if err != nil {
				return err
			}
			jobID, err := c.StartOptimization(cmd.Context(), args[0], optimizer, pm, budget)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Job %s accepted\n", jobID)
			if !watch {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Follow it with: voxtune watch %s\n", jobID)
				return nil
			}
			return c.Follow(cmd.Context(), jobID, false, func(ev models.JobEvent) {
				printJobEvent(cmd, ev)
			})
		},
	}
	cmd.Flags().StringVar(&optimizer, "optimizer", "", "Optimizer strategy: gepa, mipro, or grid_search (default gepa)")
	cmd.Flags().StringVar(&budget, "budget", "", "Budget tier: light, medium, or heavy (default medium)")
	cmd.Flags().StringSliceVar(&params, "param", nil, "Optimizer parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Stream progress until the job finishes")
	return cmd
}

func parseParams(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", kv)
		}
		out[k] = v
	}
	return out, nil
}

func printJobEvent(cmd *cobra.Command, ev models.JobEvent) {
	out := cmd.OutOrStdout()
	switch ev.Type {
	case "progress":
		_, _ = fmt.Fprintf(out, "  %3.0f%% %s\n", ev.Fraction*100, ev.Note)
	case "state":
		_, _ = fmt.Fprintf(out, "state: %s\n", ev.State)
	case "done":
		_, _ = fmt.Fprintf(out, "done: %s\n", ev.State)
		if ev.Result != nil {
			printResult(cmd, ev.Result)
		}
	}
}

func printResult(cmd *cobra.Command, r *models.ResultSummary) {
	out := cmd.OutOrStdout()
	if r.Error != "" {
		_, _ = fmt.Fprintf(out, "  error: %s\n", r.Error)
		return
	}
	_, _ = fmt.Fprintf(out, "  baseline:  %.4f\n", r.BaselineScore)
	_, _ = fmt.Fprintf(out, "  optimized: %.4f\n", r.OptimizedScore)
	_, _ = fmt.Fprintf(out, "  delta:     %+.4f\n", r.Delta)
	if r.Deployable {
		_, _ = fmt.Fprintln(out, "  deployable: yes")
	} else {
		_, _ = fmt.Fprintln(out, "  deployable: no (below quality gate)")
	}
}
