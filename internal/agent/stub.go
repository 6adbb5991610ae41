package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/seanGSISG/async-code/pkg/models"
)

// StubRuntime is a deterministic local runtime for tests and demo mode: it
// emits plausible chat events and writes a README.md into the work dir so the
// git engine has a real change to extract. No LLM, no subprocess.
type StubRuntime struct {
	// Delay between emitted events; keep 0 in tests.
	Delay time.Duration
}

func (StubRuntime) Name() string { return "stub" }

func (r StubRuntime) RunSession(ctx context.Context, req SessionRequest, emit func(Event)) (SessionResult, error) {
	prompt := ""
	for _, m := range req.Transcript {
		if m.Role == models.RoleUser {
			prompt = m.Content
			break
		}
	}

	emit(Event{
		Type:      EventChat,
		Role:      models.RoleAssistant,
		Content:   "Looking at the repository now.",
		Timestamp: time.Now().UTC(),
	})
	sleep(ctx, r.Delay)

	if req.WorkDir != "" {
		body := fmt.Sprintf("# Task notes\n\n%s\n", prompt)
		if err := os.WriteFile(filepath.Join(req.WorkDir, "README.md"), []byte(body), 0o644); err != nil {
			return SessionResult{}, err
		}
	}
	sleep(ctx, r.Delay)

	emit(Event{
		Type:      EventChat,
		Role:      models.RoleAssistant,
		Content:   "Done. I updated README.md with notes for this task.",
		Timestamp: time.Now().UTC(),
	})
	emit(Event{
		Type:      EventStatus,
		Status:    StatusCompleted,
		Timestamp: time.Now().UTC(),
	})
	return SessionResult{Output: "stub: ok"}, ctx.Err()
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
