package cli

import (
	"github.com/seanGSISG/async-code/internal/config"
	"github.com/seanGSISG/async-code/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var (
		port       int
		dev        bool
		pprofAddr  string
		agentCmd   string
		enableOtel bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:         home,
				Port:         port,
				Dev:          dev,
				PprofAddr:    pprofAddr,
				AgentCommand: agentCmd,
				EnableOtel:   enableOtel,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 5000, "Port for the HTTP API")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&agentCmd, "agent-cmd", "", "Agent binary to run inside the sandbox")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics")

	return cmd
}
