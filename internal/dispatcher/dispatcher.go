// Package dispatcher is the task lifecycle engine: it admits pending tasks
// under concurrency limits, drives the clone → agent → patch → PR pipeline
// inside sandboxes, and owns every state transition. All transitions are
// conditional store updates; a dispatcher that loses a race abandons its
// transition silently.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/seanGSISG/async-code/internal/agent"
	"github.com/seanGSISG/async-code/internal/faults"
	"github.com/seanGSISG/async-code/internal/git"
	"github.com/seanGSISG/async-code/internal/otel"
	"github.com/seanGSISG/async-code/internal/sandbox"
	"github.com/seanGSISG/async-code/internal/store"
	"github.com/seanGSISG/async-code/internal/transcript"
	"github.com/seanGSISG/async-code/pkg/models"
)

// Publisher receives dispatcher events for fan-out (the SSE hub implements
// it). A nil publisher is fine.
type Publisher interface {
	PublishJSON(v any)
}

// Options tunes the admission loop and retry sub-loop.
type Options struct {
	PerOwnerLimit int
	MaxRetries    int
	RetryBackoff  time.Duration
	AdmitInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.PerOwnerLimit <= 0 {
		o.PerOwnerLimit = models.DefaultPerOwnerLimit
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = models.DefaultMaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.AdmitInterval <= 0 {
		o.AdmitInterval = time.Second
	}
}

// Dispatcher wires the store, sandbox pool, git engine, and agent runtime
// into the task state machine.
type Dispatcher struct {
	Store      store.Store
	Sandboxes  *sandbox.Manager
	Git        git.Engine
	GitHub     *git.GitHub
	Runtime    agent.Runtime
	Transcript *transcript.Log
	Publisher  Publisher
	Opts       Options

	// Per-task credentials live in memory only; they are never persisted.
	// A daemon restart forgets them, and runs for those tasks proceed
	// unauthenticated.
	tokens sync.Map // taskID -> token

	wg sync.WaitGroup
}

// New builds a dispatcher. GitHub and Publisher may be nil.
func New(st store.Store, sb *sandbox.Manager, eng git.Engine, gh *git.GitHub, rt agent.Runtime, opts Options) *Dispatcher {
	opts.withDefaults()
	d := &Dispatcher{
		Store:      st,
		Sandboxes:  sb,
		Git:        eng,
		GitHub:     gh,
		Runtime:    rt,
		Transcript: transcript.New(st),
		Opts:       opts,
	}
	sb.OnTimeout(d.onSandboxTimeout)
	return d
}

// SubmitRequest is one task submission.
type SubmitRequest struct {
	OwnerID      string
	Prompt       string
	RepoURL      string
	TargetBranch string
	Agent        string
	ProjectID    *string
	GitHubToken  string
	CreatePR     bool
}

// Submit validates the request and creates the task in pending. The task id
// is returned immediately; the admission loop picks the task up later.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.OwnerID == "" {
		return "", faults.Validationf("owner required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", faults.Validationf("prompt required")
	}
	if req.Agent == "" {
		return "", faults.Validationf("agent required")
	}
	if !validRepoURL(req.RepoURL) {
		return "", faults.Validationf("repo_url %q is not an http(s) or git ssh url", req.RepoURL)
	}
	if req.TargetBranch == "" {
		req.TargetBranch = models.DefaultTargetBranch
	}
	if req.ProjectID != nil {
		p, err := d.Store.GetProject(ctx, req.OwnerID, *req.ProjectID)
		if err != nil {
			return "", err
		}
		if p == nil {
			return "", faults.Validationf("project %s not found", *req.ProjectID)
		}
	}

	id := uuid.NewString()
	t := models.Task{
		TaskID:       id,
		OwnerID:      req.OwnerID,
		ProjectID:    req.ProjectID,
		Status:       models.StatusPending,
		Agent:        req.Agent,
		RepoURL:      req.RepoURL,
		TargetBranch: req.TargetBranch,
		ChatMessages: []models.ChatMessage{{
			Role:      models.RoleUser,
			Content:   req.Prompt,
			Timestamp: time.Now().UTC(),
		}},
	}
	if err := d.Store.CreateTask(ctx, t); err != nil {
		return "", err
	}
	if req.GitHubToken != "" || req.CreatePR {
		d.tokens.Store(id, taskCreds{token: req.GitHubToken, createPR: req.CreatePR})
	}
	otel.RecordTaskOp(ctx, "submit", models.StatusPending)
	d.publishTaskUpdate(id, req.OwnerID, models.StatusPending)
	slog.Info("task submitted", "task_id", id, "owner", req.OwnerID, "agent", req.Agent)
	return id, nil
}

type taskCreds struct {
	token    string
	createPR bool
}

func (d *Dispatcher) creds(taskID string) taskCreds {
	if v, ok := d.tokens.Load(taskID); ok {
		return v.(taskCreds)
	}
	return taskCreds{}
}

func validRepoURL(raw string) bool {
	s := strings.TrimSpace(raw)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") {
		return len(s) > len("https://")
	}
	// git SSH form: git@host:owner/repo(.git)
	if strings.HasPrefix(s, "git@") && strings.Contains(s, ":") {
		return true
	}
	return false
}

// Cancel moves a task to cancelled. Pending tasks cancel directly; running
// tasks get their sandbox terminated first. Returns whether this call won
// the transition — false means the task was already terminal (or completed
// in the race).
func (d *Dispatcher) Cancel(ctx context.Context, requesterID, taskID string) (bool, error) {
	t, err := d.Store.GetTask(ctx, "", taskID)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, faults.ErrNotFound
	}
	if requesterID != "" && t.OwnerID != requesterID {
		return false, fmt.Errorf("%w: task %s", faults.ErrUnauthorized, taskID)
	}

	switch t.Status {
	case models.StatusPending:
		ok, err := d.Store.MarkTerminal(ctx, taskID, models.StatusPending, models.StatusCancelled, nil)
		if err != nil {
			return false, err
		}
		if ok {
			d.finishTask(ctx, t, models.StatusCancelled)
		}
		return ok, nil
	case models.StatusRunning:
		// Terminate first so the run pipeline stops producing effects, then
		// race for the terminal transition.
		if t.SandboxID != nil {
			if h := d.Sandboxes.Get(*t.SandboxID); h != nil {
				h.Terminate()
			}
		}
		ok, err := d.Store.MarkTerminal(ctx, taskID, models.StatusRunning, models.StatusCancelled, nil)
		if err != nil {
			return false, err
		}
		if ok {
			d.finishTask(ctx, t, models.StatusCancelled)
		}
		return ok, nil
	default:
		return false, nil
	}
}

// CreatePullRequest opens a PR for a completed task whose branch was pushed.
// Idempotent: a task that already has a PR returns it unchanged.
func (d *Dispatcher) CreatePullRequest(ctx context.Context, ownerID, taskID, token string) (*models.PullRequest, error) {
	t, err := d.Store.GetTask(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, faults.ErrNotFound
	}
	if t.PRNumber != nil && t.PRURL != nil {
		return &models.PullRequest{Number: *t.PRNumber, URL: *t.PRURL, Branch: deref(t.PRBranch)}, nil
	}
	if t.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: task %s is %s, not completed", faults.ErrInvalidState, taskID, t.Status)
	}
	if t.PRBranch == nil || t.CommitHash == nil {
		return nil, fmt.Errorf("%w: task %s has no pushed branch", faults.ErrInvalidState, taskID)
	}
	if d.GitHub == nil {
		return nil, fmt.Errorf("github client not configured")
	}
	ref, err := git.ParseRepoURL(t.RepoURL)
	if err != nil {
		return nil, err
	}
	prompt := firstUserMessage(t.ChatMessages)
	pr, err := d.GitHub.OpenPullRequest(ctx, token, ref, *t.PRBranch, t.TargetBranch,
		git.PRTitle(prompt), git.PRBody(prompt, t.ChangedFiles))
	if err != nil {
		return nil, err
	}
	if err := d.Store.SetPullRequest(ctx, taskID, pr.Number, pr.URL); err != nil {
		return nil, err
	}
	otel.RecordTaskOp(ctx, "pr", t.Status)
	d.publishTaskUpdate(taskID, t.OwnerID, t.Status)
	return pr, nil
}

func firstUserMessage(msgs []models.ChatMessage) string {
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			return m.Content
		}
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// finishTask records metrics and drops in-memory state for a task that just
// reached a terminal status.
func (d *Dispatcher) finishTask(ctx context.Context, t *models.Task, status string) {
	d.tokens.Delete(t.TaskID)
	dur := time.Duration(0)
	if t.StartedAt != nil {
		dur = time.Since(*t.StartedAt)
	}
	otel.RecordTaskRun(ctx, t.Agent, status, dur)
	d.publishTaskUpdate(t.TaskID, t.OwnerID, status)
}

func (d *Dispatcher) publishTaskUpdate(taskID, ownerID, status string) {
	if d.Publisher == nil {
		return
	}
	d.Publisher.PublishJSON(map[string]any{
		"type":      "task_update",
		"task_id":   taskID,
		"owner_id":  ownerID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	otel.RecordSSEEvent(context.Background())
}

func (d *Dispatcher) publishChat(taskID string, msg models.ChatMessage) {
	if d.Publisher == nil {
		return
	}
	d.Publisher.PublishJSON(map[string]any{
		"type":      "chat",
		"task_id":   taskID,
		"role":      msg.Role,
		"content":   msg.Content,
		"timestamp": msg.Timestamp.Format(time.RFC3339Nano),
	})
	otel.RecordSSEEvent(context.Background())
}

// onSandboxTimeout is the watchdog path: the sandbox is already terminated;
// fail the task unless something else got there first.
func (d *Dispatcher) onSandboxTimeout(h *sandbox.Handle) {
	ctx := context.Background()
	msg := fmt.Sprintf("%v", faults.ErrTimeout)
	ok, err := d.Store.MarkTerminal(ctx, h.TaskID, models.StatusRunning, models.StatusFailed, &msg)
	if err != nil {
		slog.Error("timeout transition failed", "task_id", h.TaskID, "err", err)
		return
	}
	if ok {
		if t, _ := d.Store.GetTask(ctx, "", h.TaskID); t != nil {
			d.finishTask(ctx, t, models.StatusFailed)
		}
	}
	d.Sandboxes.Release(h)
}

// Wait blocks until all in-flight run pipelines return. Call after the
// admission loop's context is cancelled.
func (d *Dispatcher) Wait() { d.wg.Wait() }
