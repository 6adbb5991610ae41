package cli

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/seanGSISG/async-code/internal/config"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify runtime dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = config.MustHomeFrom(cmd.Context()) // currently unused, but ensures home resolves

			var problems []string

			// git is required for cloning and pushing task branches.
			if _, err := exec.LookPath("git"); err != nil {
				problems = append(problems, "missing dependency: git (not found on PATH)")
			}
			// bubblewrap isolates agent subprocesses on Linux; the daemon
			// degrades to plain processes without it.
			if _, err := exec.LookPath("bwrap"); err != nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "note: bwrap not found; agent sandboxing will be disabled")
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	return cmd
}
