// Package cli implements the async-code command line: daemon lifecycle
// commands that work on the home directory directly, and task/project
// commands that go through the HTTP API via pkg/client.
package cli

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/seanGSISG/async-code/internal/config"
	"github.com/seanGSISG/async-code/internal/daemon"
	"github.com/seanGSISG/async-code/internal/identity"
	"github.com/seanGSISG/async-code/pkg/client"
	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "async-code",
		Short:        "async-code — run coding agents against git repositories",
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

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override async-code home directory (default: ~/.async-code, env: ASYNC_CODE_HOME)")
	cmd.PersistentFlags().String("addr", "", "Daemon address (default: from the running daemon, else http://localhost:5000)")
	cmd.PersistentFlags().String("user", "", "Identity for API calls (env: ASYNC_CODE_USER)")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newProjectCmd())

	// Hidden internal subcommand used by `async-code start` for background mode.
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

// apiClient builds an HTTP client for the daemon: explicit --addr, then the
// running daemon's addr file, then the default port.
func apiClient(cmd *cobra.Command) *client.Client {
	base, _ := cmd.Flags().GetString("addr")
	if base == "" {
		home := config.MustHomeFrom(cmd.Context())
		if st, _ := daemon.Status(cmd.Context(), home); st.Running && st.Addr != "unknown" {
			base = "http://" + strings.Replace(st.Addr, "0.0.0.0", "localhost", 1)
		}
	}
	if base == "" {
		base = "http://localhost:5000"
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		user = os.Getenv("ASYNC_CODE_USER")
	}
	if user == "" {
		user = identity.LocalUser
	}
	return &client.Client{BaseURL: base, UserID: user, HTTPClient: http.DefaultClient}
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
