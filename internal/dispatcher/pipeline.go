package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seanGSISG/async-code/internal/agent"
	"github.com/seanGSISG/async-code/internal/faults"
	"github.com/seanGSISG/async-code/internal/git"
	"github.com/seanGSISG/async-code/internal/otel"
	"github.com/seanGSISG/async-code/internal/sandbox"
	"github.com/seanGSISG/async-code/internal/store"
	"github.com/seanGSISG/async-code/pkg/models"
)

// runTask drives one admitted task through the pipeline:
// clone → branch → agent session → extract changes → push → PR → complete.
// The sandbox context governs every stage, so cancellation and the watchdog
// stop the pipeline mid-flight; artifacts are persisted with a background
// context so a torn-down sandbox never loses what was already produced.
func (d *Dispatcher) runTask(t *models.Task, h *sandbox.Handle) {
	defer d.Sandboxes.Release(h)

	ctx := h.Context()
	bg := context.Background()
	creds := d.creds(t.TaskID)
	prompt := firstUserMessage(t.ChatMessages)
	branch := git.BranchName(t.TaskID, prompt)

	md := models.ExecutionMetadata{
		SandboxID:    h.ID,
		AgentRuntime: d.Runtime.Name(),
	}
	start := time.Now()
	attempts := 0

	fail := func(err error) {
		md.Attempts = attempts
		md.TotalMillis = time.Since(start).Milliseconds()
		_ = d.Store.SetMetadata(bg, t.TaskID, md)
		if h.TimedOut() || ctx.Err() != nil {
			// The watchdog or the cancel path owns the terminal transition.
			return
		}
		msg := err.Error()
		ok, terr := d.Store.MarkTerminal(bg, t.TaskID, models.StatusRunning, models.StatusFailed, &msg)
		if terr != nil {
			slog.Error("failure transition failed", "task_id", t.TaskID, "err", terr)
			return
		}
		if ok {
			slog.Warn("task failed", "task_id", t.TaskID, "err", err)
			if ft, _ := d.Store.GetTask(bg, "", t.TaskID); ft != nil {
				d.finishTask(bg, ft, models.StatusFailed)
			}
		}
	}

	// Clone, branch, base commit.
	cloneStart := time.Now()
	err := d.retry(ctx, "clone", &attempts, func() error {
		return d.Git.Clone(ctx, h.Dir, t.RepoURL, t.TargetBranch, creds.token)
	})
	md.CloneMillis = time.Since(cloneStart).Milliseconds()
	if err != nil {
		fail(err)
		return
	}
	if err := d.Git.CreateBranch(ctx, h.Dir, branch); err != nil {
		fail(err)
		return
	}
	base, err := d.Git.BaseCommit(ctx, h.Dir)
	if err != nil {
		fail(err)
		return
	}
	_ = d.Store.SetGitOutcome(bg, t.TaskID, store.GitOutcome{PRBranch: branch})

	// Agent session. Chat events append to the transcript and stream out;
	// await_input keeps the task running and just signals subscribers. A
	// terminal failed status is remembered and applied after the session
	// returns, so a runtime that reports failure over the event stream and
	// exits cleanly still fails the task.
	agentStart := time.Now()
	agentFailed := false
	_, sessionErr := d.Runtime.RunSession(ctx, agent.SessionRequest{
		TaskID:     t.TaskID,
		Agent:      t.Agent,
		WorkDir:    h.Dir,
		Transcript: t.ChatMessages,
		Token:      creds.token,
	}, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventChat:
			msg := models.ChatMessage{Role: ev.Role, Content: ev.Content, Timestamp: ev.Timestamp}
			if err := d.Transcript.Append(bg, "", t.TaskID, msg); err != nil {
				slog.Warn("transcript append dropped", "task_id", t.TaskID, "err", err)
				return
			}
			d.publishChat(t.TaskID, msg)
		case agent.EventStatus:
			switch ev.Status {
			case agent.StatusAwaitInput:
				if d.Publisher != nil {
					d.Publisher.PublishJSON(map[string]any{
						"type":      "await_input",
						"task_id":   t.TaskID,
						"timestamp": ev.Timestamp.Format(time.RFC3339Nano),
					})
					otel.RecordSSEEvent(bg)
				}
			case agent.StatusFailed:
				agentFailed = true
			}
		}
	})
	md.AgentMillis = time.Since(agentStart).Milliseconds()
	if sessionErr == nil && agentFailed {
		sessionErr = fmt.Errorf("%w: agent reported failure", faults.ErrAgentFailure)
	}

	// Capture whatever changes exist, session failure or not.
	var changed []string
	ch, exErr := d.Git.ExtractChanges(ctx, h.Dir, base)
	if exErr == nil {
		changed = ch.Files
		_ = d.Store.SetGitOutcome(bg, t.TaskID, store.GitOutcome{
			PRBranch:     branch,
			Diff:         ch.Diff,
			Patch:        ch.Patch,
			ChangedFiles: ch.Files,
		})
	}

	if sessionErr != nil {
		fail(sessionErr)
		return
	}
	if exErr != nil {
		// Partials (if any) are already persisted; extraction failing on a
		// live context is a stage failure, not a quiet degradation.
		fail(exErr)
		return
	}

	// Push the branch when we hold credentials.
	commitHash := ""
	if creds.token != "" {
		err = d.retry(ctx, "push", &attempts, func() error {
			hash, perr := d.Git.CommitAndPush(ctx, h.Dir, branch, git.PRTitle(prompt))
			if perr == nil {
				commitHash = hash
			}
			return perr
		})
		if err != nil {
			fail(err)
			return
		}
		if commitHash != "" {
			_ = d.Store.SetGitOutcome(bg, t.TaskID, store.GitOutcome{PRBranch: branch, CommitHash: commitHash})
		}
	}

	// Open the PR when asked to and there is something pushed.
	if creds.createPR && creds.token != "" && commitHash != "" && d.GitHub != nil {
		ref, perr := git.ParseRepoURL(t.RepoURL)
		if perr != nil {
			fail(perr)
			return
		}
		var pr *models.PullRequest
		err = d.retry(ctx, "pr", &attempts, func() error {
			var oerr error
			pr, oerr = d.GitHub.OpenPullRequest(ctx, creds.token, ref, branch, t.TargetBranch,
				git.PRTitle(prompt), git.PRBody(prompt, changed))
			return oerr
		})
		if err != nil {
			fail(err)
			return
		}
		_ = d.Store.SetPullRequest(bg, t.TaskID, pr.Number, pr.URL)
	}

	md.Attempts = attempts
	md.TotalMillis = time.Since(start).Milliseconds()
	_ = d.Store.SetMetadata(bg, t.TaskID, md)

	ok, err := d.Store.MarkTerminal(bg, t.TaskID, models.StatusRunning, models.StatusCompleted, nil)
	if err != nil {
		slog.Error("completion transition failed", "task_id", t.TaskID, "err", err)
		return
	}
	if !ok {
		// Lost to a concurrent cancel; their transition stands.
		return
	}
	slog.Info("task completed", "task_id", t.TaskID, "duration", time.Since(start))
	if ft, _ := d.Store.GetTask(bg, "", t.TaskID); ft != nil {
		d.finishTask(bg, ft, models.StatusCompleted)
	}
}

// retry runs fn, re-attempting transient failures up to MaxRetries times
// with doubling backoff. Non-transient errors and context cancellation
// return immediately.
func (d *Dispatcher) retry(ctx context.Context, stage string, attempts *int, fn func() error) error {
	backoff := d.Opts.RetryBackoff
	for i := 0; ; i++ {
		err := fn()
		if err == nil || !faults.Transient(err) || i >= d.Opts.MaxRetries || ctx.Err() != nil {
			return err
		}
		*attempts++
		otel.RecordStageRetry(ctx, stage)
		slog.Warn("transient stage failure, retrying", "stage", stage, "attempt", i+1, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
