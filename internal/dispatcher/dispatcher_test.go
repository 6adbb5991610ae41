package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seanGSISG/async-code/internal/agent"
	"github.com/seanGSISG/async-code/internal/faults"
	"github.com/seanGSISG/async-code/internal/git"
	"github.com/seanGSISG/async-code/internal/sandbox"
	"github.com/seanGSISG/async-code/internal/store"
	"github.com/seanGSISG/async-code/pkg/models"
)

// fakeGit is an in-memory git engine: Clone succeeds (after an optional
// number of injected transient failures), ExtractChanges lists the files the
// runtime wrote into the work dir, and CommitAndPush returns a fixed hash.
type fakeGit struct {
	mu         sync.Mutex
	cloneFails int
	cloneErr   error
	cloneCalls int
	pushCalls  int
	extractErr error
}

func (f *fakeGit) Clone(ctx context.Context, dir, repoURL, branch, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cloneCalls++
	if f.cloneFails > 0 {
		f.cloneFails--
		return f.cloneErr
	}
	return ctx.Err()
}

func (f *fakeGit) CreateBranch(ctx context.Context, dir, branch string) error { return ctx.Err() }

func (f *fakeGit) BaseCommit(ctx context.Context, dir string) (string, error) {
	return "base0000", ctx.Err()
}

func (f *fakeGit) ExtractChanges(ctx context.Context, dir, baseRef string) (git.Changes, error) {
	if err := ctx.Err(); err != nil {
		return git.Changes{}, err
	}
	if f.extractErr != nil {
		return git.Changes{}, f.extractErr
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return git.Changes{}, err
	}
	var files []string
	for _, e := range entries {
		files = append(files, e.Name())
	}
	return git.Changes{Diff: "diff --fake", Patch: "patch --fake", Files: files}, nil
}

func (f *fakeGit) CommitAndPush(ctx context.Context, dir, branch, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	return "abc12345", ctx.Err()
}

// blockingRuntime parks until its context is cancelled; used for cancel and
// timeout tests.
type blockingRuntime struct {
	started chan struct{}
}

func (blockingRuntime) Name() string { return "blocking" }

func (r blockingRuntime) RunSession(ctx context.Context, req agent.SessionRequest, emit func(agent.Event)) (agent.SessionResult, error) {
	if r.started != nil {
		close(r.started)
	}
	<-ctx.Done()
	return agent.SessionResult{}, ctx.Err()
}

// failedStatusRuntime writes a partial result, reports a terminal failed
// status over the event stream, and returns cleanly — the shape of a
// subprocess agent that catches its own error and exits zero.
type failedStatusRuntime struct{}

func (failedStatusRuntime) Name() string { return "failed-status" }

func (failedStatusRuntime) RunSession(ctx context.Context, req agent.SessionRequest, emit func(agent.Event)) (agent.SessionResult, error) {
	_ = os.WriteFile(filepath.Join(req.WorkDir, "partial.go"), []byte("package partial\n"), 0o644)
	emit(agent.Event{Type: agent.EventChat, Role: "assistant", Content: "could not finish", Timestamp: time.Now().UTC()})
	emit(agent.Event{Type: agent.EventStatus, Status: agent.StatusFailed, Timestamp: time.Now().UTC()})
	return agent.SessionResult{}, nil
}

type testEnv struct {
	d  *Dispatcher
	st store.Store
	sb *sandbox.Manager
}

func newEnv(t *testing.T, rt agent.Runtime, eng git.Engine, capacity int, timeout time.Duration, opts Options) *testEnv {
	t.Helper()
	home := t.TempDir()
	st, err := store.Open(filepath.Join(home, "state"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sb := sandbox.NewManager(home, capacity, timeout)
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	if opts.AdmitInterval == 0 {
		opts.AdmitInterval = 10 * time.Millisecond
	}
	d := New(st, sb, eng, nil, rt, opts)
	return &testEnv{d: d, st: st, sb: sb}
}

func submit(t *testing.T, env *testEnv, owner string) string {
	t.Helper()
	id, err := env.d.Submit(context.Background(), SubmitRequest{
		OwnerID: owner,
		Prompt:  "add a readme",
		RepoURL: "https://github.com/acme/widgets",
		Agent:   "claude",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func waitStatus(t *testing.T, env *testEnv, taskID, want string) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tk, err := env.st.GetTask(context.Background(), "", taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if tk != nil && tk.Status == want {
			return tk
		}
		time.Sleep(5 * time.Millisecond)
	}
	tk, _ := env.st.GetTask(context.Background(), "", taskID)
	t.Fatalf("task %s never reached %q, last: %+v", taskID, want, tk)
	return nil
}

func TestSubmit_validation(t *testing.T) {
	t.Parallel()
	env := newEnv(t, agent.StubRuntime{}, &fakeGit{}, 4, 0, Options{})
	ctx := context.Background()

	cases := []SubmitRequest{
		{OwnerID: "", Prompt: "p", RepoURL: "https://github.com/a/b", Agent: "claude"},
		{OwnerID: "u1", Prompt: "", RepoURL: "https://github.com/a/b", Agent: "claude"},
		{OwnerID: "u1", Prompt: "p", RepoURL: "https://github.com/a/b", Agent: ""},
		{OwnerID: "u1", Prompt: "p", RepoURL: "ftp://github.com/a/b", Agent: "claude"},
		{OwnerID: "u1", Prompt: "p", RepoURL: "", Agent: "claude"},
	}
	for i, req := range cases {
		if _, err := env.d.Submit(ctx, req); !errors.Is(err, faults.ErrValidation) {
			t.Errorf("case %d: got %v, want ErrValidation", i, err)
		}
	}

	// git SSH form is accepted.
	if _, err := env.d.Submit(ctx, SubmitRequest{
		OwnerID: "u1", Prompt: "p", RepoURL: "git@github.com:a/b.git", Agent: "claude",
	}); err != nil {
		t.Errorf("ssh url: %v", err)
	}
}

func TestRoundTrip_stubRuntime(t *testing.T) {
	t.Parallel()
	eng := &fakeGit{}
	env := newEnv(t, agent.StubRuntime{}, eng, 4, 0, Options{})
	id := submit(t, env, "u1")

	env.d.admitOnce(context.Background())
	env.d.Wait()

	tk := waitStatus(t, env, id, models.StatusCompleted)
	if tk.StartedAt == nil || tk.CompletedAt == nil {
		t.Error("started_at/completed_at should be set")
	}
	found := false
	for _, f := range tk.ChangedFiles {
		if f == "README.md" {
			found = true
		}
	}
	if !found {
		t.Errorf("changed_files should include README.md, got %v", tk.ChangedFiles)
	}
	if tk.GitDiff == "" || tk.GitPatch == "" {
		t.Error("diff and patch should be captured")
	}
	if tk.PRBranch == nil || *tk.PRBranch == "" {
		t.Error("pr_branch should be recorded")
	}
	// Stub emits two assistant messages on top of the seeded prompt.
	if len(tk.ChatMessages) < 3 {
		t.Errorf("transcript: got %d messages", len(tk.ChatMessages))
	}
	if tk.Metadata.AgentRuntime != "stub" || tk.Metadata.SandboxID == "" {
		t.Errorf("metadata: %+v", tk.Metadata)
	}
	if env.sb.Active() != 0 {
		t.Errorf("sandboxes should be released, active=%d", env.sb.Active())
	}
}

func TestAdmission_perOwnerLimit(t *testing.T) {
	t.Parallel()
	env := newEnv(t, blockingRuntime{}, &fakeGit{}, 8, 0, Options{PerOwnerLimit: 2})

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, submit(t, env, "u1"))
	}
	otherID := submit(t, env, "u2")

	env.d.admitOnce(context.Background())

	running, err := env.st.CountRunningByOwner(context.Background(), "u1")
	if err != nil {
		t.Fatalf("CountRunningByOwner: %v", err)
	}
	if running != 2 {
		t.Errorf("owner running: got %d, want 2 (per-owner limit)", running)
	}
	// A different owner is not starved by u1's queue.
	if tk, _ := env.st.GetTask(context.Background(), "", otherID); tk.Status != models.StatusRunning {
		t.Errorf("u2 task: got %q, want running", tk.Status)
	}

	// Drain: cancel everything still running.
	for _, id := range append(ids, otherID) {
		_, _ = env.d.Cancel(context.Background(), "", id)
	}
	env.d.Wait()
}

func TestAdmission_globalCapacity(t *testing.T) {
	t.Parallel()
	env := newEnv(t, blockingRuntime{}, &fakeGit{}, 2, 0, Options{PerOwnerLimit: 10})

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, submit(t, env, fmt.Sprintf("u%d", i)))
	}
	env.d.admitOnce(context.Background())

	n, err := env.st.CountRunning(context.Background())
	if err != nil {
		t.Fatalf("CountRunning: %v", err)
	}
	if n != 2 {
		t.Errorf("running: got %d, want 2 (global capacity)", n)
	}
	if env.sb.Active() != 2 {
		t.Errorf("active sandboxes: got %d, want 2", env.sb.Active())
	}

	for _, id := range ids {
		_, _ = env.d.Cancel(context.Background(), "", id)
	}
	env.d.Wait()
}

func TestAdmission_fifo(t *testing.T) {
	t.Parallel()
	env := newEnv(t, blockingRuntime{}, &fakeGit{}, 1, 0, Options{})

	first := submit(t, env, "u1")
	time.Sleep(2 * time.Millisecond)
	second := submit(t, env, "u1")

	env.d.admitOnce(context.Background())

	if tk, _ := env.st.GetTask(context.Background(), "", first); tk.Status != models.StatusRunning {
		t.Errorf("oldest task should run first, got %q", tk.Status)
	}
	if tk, _ := env.st.GetTask(context.Background(), "", second); tk.Status != models.StatusPending {
		t.Errorf("newer task should stay pending, got %q", tk.Status)
	}

	_, _ = env.d.Cancel(context.Background(), "", first)
	_, _ = env.d.Cancel(context.Background(), "", second)
	env.d.Wait()
}

func TestRetry_transientClone(t *testing.T) {
	t.Parallel()
	eng := &fakeGit{cloneFails: 2, cloneErr: fmt.Errorf("%w: resolve github.com", faults.ErrNetwork)}
	env := newEnv(t, agent.StubRuntime{}, eng, 4, 0, Options{MaxRetries: 2})
	id := submit(t, env, "u1")

	env.d.admitOnce(context.Background())
	env.d.Wait()

	tk := waitStatus(t, env, id, models.StatusCompleted)
	if eng.cloneCalls != 3 {
		t.Errorf("clone calls: got %d, want 3 (two retries)", eng.cloneCalls)
	}
	if tk.Metadata.Attempts != 2 {
		t.Errorf("metadata attempts: got %d, want 2", tk.Metadata.Attempts)
	}
}

func TestRetry_exhaustionFails(t *testing.T) {
	t.Parallel()
	eng := &fakeGit{cloneFails: 10, cloneErr: fmt.Errorf("%w: resolve github.com", faults.ErrNetwork)}
	env := newEnv(t, agent.StubRuntime{}, eng, 4, 0, Options{MaxRetries: 2})
	id := submit(t, env, "u1")

	env.d.admitOnce(context.Background())
	env.d.Wait()

	tk := waitStatus(t, env, id, models.StatusFailed)
	if tk.Error == nil {
		t.Fatal("failed task should carry an error")
	}
	if eng.cloneCalls != 3 {
		t.Errorf("clone calls: got %d, want 3 (initial + 2 retries)", eng.cloneCalls)
	}
}

func TestNonTransient_noRetry(t *testing.T) {
	t.Parallel()
	eng := &fakeGit{cloneFails: 10, cloneErr: fmt.Errorf("%w: agent crashed", faults.ErrAgentFailure)}
	env := newEnv(t, agent.StubRuntime{}, eng, 4, 0, Options{MaxRetries: 2})
	id := submit(t, env, "u1")

	env.d.admitOnce(context.Background())
	env.d.Wait()

	waitStatus(t, env, id, models.StatusFailed)
	if eng.cloneCalls != 1 {
		t.Errorf("clone calls: got %d, want 1 (no retry for non-transient)", eng.cloneCalls)
	}
}

func TestAgentReportedFailure_failsTask(t *testing.T) {
	t.Parallel()
	env := newEnv(t, failedStatusRuntime{}, &fakeGit{}, 4, 0, Options{})
	id := submit(t, env, "u1")

	env.d.admitOnce(context.Background())
	env.d.Wait()

	tk := waitStatus(t, env, id, models.StatusFailed)
	if tk.Error == nil || !strings.Contains(*tk.Error, faults.ErrAgentFailure.Error()) {
		t.Errorf("error: got %v, want agent failure", tk.Error)
	}
	// Whatever the agent produced before failing is still captured.
	found := false
	for _, f := range tk.ChangedFiles {
		if f == "partial.go" {
			found = true
		}
	}
	if !found {
		t.Errorf("changed_files should keep the partial result, got %v", tk.ChangedFiles)
	}
}

func TestExtractFailure_failsTask(t *testing.T) {
	t.Parallel()
	eng := &fakeGit{extractErr: errors.New("exit status 128: bad object")}
	env := newEnv(t, agent.StubRuntime{}, eng, 4, 0, Options{})
	id := submit(t, env, "u1")

	env.d.admitOnce(context.Background())
	env.d.Wait()

	tk := waitStatus(t, env, id, models.StatusFailed)
	if tk.Error == nil || !strings.Contains(*tk.Error, "bad object") {
		t.Errorf("error: got %v, want the extraction failure surfaced", tk.Error)
	}
}

func TestCancel_pending(t *testing.T) {
	t.Parallel()
	env := newEnv(t, agent.StubRuntime{}, &fakeGit{}, 4, 0, Options{})
	id := submit(t, env, "u1")

	ok, err := env.d.Cancel(context.Background(), "u1", id)
	if err != nil || !ok {
		t.Fatalf("Cancel: ok=%v err=%v", ok, err)
	}
	tk, _ := env.st.GetTask(context.Background(), "", id)
	if tk.Status != models.StatusCancelled {
		t.Errorf("status: got %q, want cancelled", tk.Status)
	}

	// Second cancel is a no-op on a terminal task.
	ok, err = env.d.Cancel(context.Background(), "u1", id)
	if err != nil || ok {
		t.Errorf("repeat cancel: ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestCancel_running(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	env := newEnv(t, blockingRuntime{started: started}, &fakeGit{}, 4, 0, Options{})
	id := submit(t, env, "u1")

	env.d.admitOnce(context.Background())
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime never started")
	}

	ok, err := env.d.Cancel(context.Background(), "u1", id)
	if err != nil || !ok {
		t.Fatalf("Cancel: ok=%v err=%v", ok, err)
	}
	env.d.Wait()

	tk := waitStatus(t, env, id, models.StatusCancelled)
	if tk.CompletedAt == nil {
		t.Error("completed_at should be set on cancellation")
	}
	if env.sb.Active() != 0 {
		t.Errorf("sandbox should be released, active=%d", env.sb.Active())
	}
}

func TestCancel_unauthorized(t *testing.T) {
	t.Parallel()
	env := newEnv(t, agent.StubRuntime{}, &fakeGit{}, 4, 0, Options{})
	id := submit(t, env, "u1")

	if _, err := env.d.Cancel(context.Background(), "u2", id); !errors.Is(err, faults.ErrUnauthorized) {
		t.Fatalf("foreign cancel: got %v, want ErrUnauthorized", err)
	}
	if _, err := env.d.Cancel(context.Background(), "u1", "missing"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("missing task: got %v, want ErrNotFound", err)
	}
}

func TestTimeout_failsTask(t *testing.T) {
	t.Parallel()
	env := newEnv(t, blockingRuntime{}, &fakeGit{}, 4, 30*time.Millisecond, Options{})
	id := submit(t, env, "u1")

	env.d.admitOnce(context.Background())
	tk := waitStatus(t, env, id, models.StatusFailed)
	env.d.Wait()

	if tk.Error == nil || *tk.Error != faults.ErrTimeout.Error() {
		t.Errorf("error: got %v, want %q", tk.Error, faults.ErrTimeout.Error())
	}
	if env.sb.Active() != 0 {
		t.Errorf("sandbox should be released exactly once, active=%d", env.sb.Active())
	}
}

func TestPushAndPR(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 12, "html_url": "https://github.com/acme/widgets/pull/12"}`))
	}))
	defer srv.Close()

	eng := &fakeGit{}
	env := newEnv(t, agent.StubRuntime{}, eng, 4, 0, Options{})
	env.d.GitHub = &git.GitHub{BaseURL: srv.URL, Client: srv.Client()}

	id, err := env.d.Submit(context.Background(), SubmitRequest{
		OwnerID:     "u1",
		Prompt:      "add a readme",
		RepoURL:     "https://github.com/acme/widgets",
		Agent:       "claude",
		GitHubToken: "tok",
		CreatePR:    true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	env.d.admitOnce(context.Background())
	env.d.Wait()

	tk := waitStatus(t, env, id, models.StatusCompleted)
	if eng.pushCalls != 1 {
		t.Errorf("push calls: got %d, want 1", eng.pushCalls)
	}
	if tk.CommitHash == nil || *tk.CommitHash != "abc12345" {
		t.Errorf("commit_hash: got %v", tk.CommitHash)
	}
	if tk.PRNumber == nil || *tk.PRNumber != 12 {
		t.Errorf("pr_number: got %v", tk.PRNumber)
	}
	if tk.PRURL == nil || *tk.PRURL != "https://github.com/acme/widgets/pull/12" {
		t.Errorf("pr_url: got %v", tk.PRURL)
	}
}

func TestCreatePullRequest_afterCompletion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 3, "html_url": "https://github.com/acme/widgets/pull/3"}`))
	}))
	defer srv.Close()

	eng := &fakeGit{}
	env := newEnv(t, agent.StubRuntime{}, eng, 4, 0, Options{})
	env.d.GitHub = &git.GitHub{BaseURL: srv.URL, Client: srv.Client()}

	id, err := env.d.Submit(context.Background(), SubmitRequest{
		OwnerID:     "u1",
		Prompt:      "add a readme",
		RepoURL:     "https://github.com/acme/widgets",
		Agent:       "claude",
		GitHubToken: "tok", // push, but no auto-PR
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	env.d.admitOnce(context.Background())
	env.d.Wait()
	waitStatus(t, env, id, models.StatusCompleted)

	pr, err := env.d.CreatePullRequest(context.Background(), "u1", id, "tok")
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pr.Number != 3 {
		t.Errorf("pr number: got %d", pr.Number)
	}

	// Idempotent: a second call returns the stored PR without another API hit.
	again, err := env.d.CreatePullRequest(context.Background(), "u1", id, "tok")
	if err != nil {
		t.Fatalf("CreatePullRequest again: %v", err)
	}
	if again.Number != 3 {
		t.Errorf("repeat pr number: got %d", again.Number)
	}
}

func TestCreatePullRequest_requiresCompleted(t *testing.T) {
	t.Parallel()
	env := newEnv(t, agent.StubRuntime{}, &fakeGit{}, 4, 0, Options{})
	id := submit(t, env, "u1")

	_, err := env.d.CreatePullRequest(context.Background(), "u1", id, "tok")
	if !errors.Is(err, faults.ErrInvalidState) {
		t.Fatalf("pending task: got %v, want ErrInvalidState", err)
	}
}
