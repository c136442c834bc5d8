package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/voxtune/voxtune/internal/config"
	"github.com/voxtune/voxtune/internal/daemon"
)

func newDoctorCmd() *cobra.Command {
	var runnerCmd string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())

			var problems []string

			// The home directory must be creatable and writable.
			if err := os.MkdirAll(home, 0o755); err != nil {
				problems = append(problems, fmt.Sprintf("home directory %s: %v", home, err))
			} else {
				probe := filepath.Join(home, ".doctor-probe")
				if err := os.WriteFile(probe, nil, 0o644); err != nil {
					problems = append(problems, fmt.Sprintf("home directory %s not writable: %v", home, err))
				} else {
					_ = os.Remove(probe)
				}
			}

			if runnerCmd != "" {
				if _, err := exec.LookPath(runnerCmd); err != nil {
					problems = append(problems, fmt.Sprintf("runner command %q not found on PATH", runnerCmd))
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			if st, _ := daemon.Status(cmd.Context(), home); st.Running {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok (daemon running, pid %d)\n", st.PID)
			} else {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok (daemon not running)")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runnerCmd, "runner-cmd", "", "Also check that this runner command is on PATH")
	return cmd
}
