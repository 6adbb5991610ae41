package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/seanGSISG/async-code/internal/faults"
	"github.com/seanGSISG/async-code/internal/sandbox"
)

// SubprocessRuntime runs an agent CLI binary: stdin = one JSON
// SessionRequest, stdout = NDJSON events per line. The process runs in the
// sandbox work dir; with SandboxHome set (and bubblewrap available on Linux)
// writes are confined to that dir.
type SubprocessRuntime struct {
	Command     string
	Args        []string
	SandboxHome string // if set, run the agent inside bubblewrap
}

func (r SubprocessRuntime) Name() string { return "subprocess" }

// logTailLines caps how much stdout noise ends up in failure diagnostics.
const logTailLines = 20

func (r SubprocessRuntime) RunSession(ctx context.Context, req SessionRequest, emit func(Event)) (SessionResult, error) {
	if r.Command == "" {
		return SessionResult{}, errors.New("subprocess command is required")
	}
	var cmd *exec.Cmd
	if r.SandboxHome != "" {
		cmd = sandbox.WrapCommand(ctx, r.SandboxHome, req.WorkDir, r.Command, r.Args)
	} else {
		cmd = exec.CommandContext(ctx, r.Command, r.Args...)
	}
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	if req.Token != "" {
		cmd.Env = append(cmd.Env, "GITHUB_TOKEN="+req.Token)
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return SessionResult{}, err
	}
	cmd.Stdin = strings.NewReader(string(reqJSON) + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return SessionResult{}, err
	}
	if err := cmd.Start(); err != nil {
		return SessionResult{}, fmt.Errorf("%w: start %s: %v", faults.ErrAgentFailure, r.Command, err)
	}

	var tail []string
	var output strings.Builder
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > logTailLines {
			tail = tail[1:]
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// Non-JSON stdout is captured as plain output.
			output.WriteString(line)
			output.WriteString("\n")
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		emit(ev)
	}
	scanErr := sc.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return SessionResult{}, ctx.Err()
	}
	if waitErr != nil {
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = strings.Join(tail, "\n")
		}
		return SessionResult{}, fmt.Errorf("%w: %s exited: %v: %s", faults.ErrAgentFailure, r.Command, waitErr, diag)
	}
	if scanErr != nil {
		return SessionResult{}, scanErr
	}
	return SessionResult{Output: strings.TrimSpace(output.String())}, nil
}
