package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/seanGSISG/async-code/internal/config"
	"github.com/seanGSISG/async-code/internal/daemon"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		port       int
		foreground bool
		dev        bool
		pprofAddr  string
		agentCmd   string
		envFile    string
		enableOtel bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the async-code daemon (HTTP API + task dispatcher)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())

			opts := daemon.StartOptions{
				Home:         home,
				Port:         port,
				Dev:          dev,
				PprofAddr:    pprofAddr,
				AgentCommand: agentCmd,
				EnableOtel:   enableOtel,
			}

			api := fmt.Sprintf("http://localhost:%d", port)

			if foreground {
				printf(cmd, "Starting async-code in foreground on %s\n", api)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printf(cmd, "async-code started (pid %d)\n", pid)
			printf(cmd, "API: %s\n", api)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 5000, "Port for the HTTP API")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode (CORS for a local frontend)")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().StringVar(&agentCmd, "agent-cmd", "", "Agent binary to run inside the sandbox (empty: stub runtime)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	cmd.Flags().BoolVar(&enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter, HTTP/SSE/task instrumentation)")

	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}
