package daemon

// StartOptions configures the daemon (home, port, agent runtime, pprof, otel).
// Orchestrator limits come from <home>/config.yaml, not from here.
type StartOptions struct {
	Home         string
	Port         int
	Dev          bool
	PprofAddr    string
	AgentCommand string // agent binary run inside the sandbox; empty selects the stub runtime
	EnableOtel   bool   // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE/task instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
