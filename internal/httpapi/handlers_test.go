package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seanGSISG/async-code/internal/config"
	"github.com/seanGSISG/async-code/internal/git"
	"github.com/seanGSISG/async-code/internal/identity"
	"github.com/seanGSISG/async-code/pkg/models"
)

// nopEngine satisfies git.Engine without touching a real repository.
type nopEngine struct{}

func (nopEngine) Clone(ctx context.Context, dir, repoURL, branch, token string) error { return nil }
func (nopEngine) CreateBranch(ctx context.Context, dir, branch string) error          { return nil }
func (nopEngine) BaseCommit(ctx context.Context, dir string) (string, error)          { return "base0000", nil }
func (nopEngine) ExtractChanges(ctx context.Context, dir, baseRef string) (git.Changes, error) {
	return git.Changes{}, nil
}
func (nopEngine) CommitAndPush(ctx context.Context, dir, branch, message string) (string, error) {
	return "", nil
}

func newTestApp(t *testing.T, mutate func(*ServerOptions)) (*App, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.RetryBackoff = time.Millisecond
	cfg.AdmitInterval = 5 * time.Millisecond
	opts := ServerOptions{
		Home: t.TempDir(),
		Addr: "127.0.0.1:0",
		Cfg:  cfg,
		Git:  nopEngine{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		ts.Close()
		app.Sandboxes.Shutdown()
		_ = app.Store.Close()
	})
	return app, ts
}

// call sends a request with the identity header and decodes the JSON response.
func call(t *testing.T, method, url, user, body string, out any) int {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(identity.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestTaskRoutes(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t, nil)

	// Health needs no identity.
	if code := call(t, http.MethodGet, ts.URL+"/health", "", "", nil); code != http.StatusOK {
		t.Fatalf("GET /health: status=%d", code)
	}

	// No identity header on an API route.
	if code := call(t, http.MethodGet, ts.URL+"/tasks", "", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("GET /tasks without identity: status=%d, want 401", code)
	}

	// Validation failure surfaces as 400.
	if code := call(t, http.MethodPost, ts.URL+"/start-task", "u1",
		`{"repo_url":"https://github.com/o/r","agent":"claude"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("POST /start-task without prompt: status=%d, want 400", code)
	}

	var created struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	code := call(t, http.MethodPost, ts.URL+"/start-task", "u1",
		`{"prompt":"add a readme","repo_url":"https://github.com/o/r","agent":"claude"}`, &created)
	if code != http.StatusOK {
		t.Fatalf("POST /start-task: status=%d", code)
	}
	if created.TaskID == "" || created.Status != models.StatusPending {
		t.Fatalf("POST /start-task: got %+v", created)
	}

	var status struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if code := call(t, http.MethodGet, ts.URL+"/task-status/"+created.TaskID, "u1", "", &status); code != http.StatusOK {
		t.Fatalf("GET /task-status: status=%d", code)
	}
	if status.Status != models.StatusPending {
		t.Fatalf("task status = %q, want pending", status.Status)
	}

	// Another owner cannot see the task.
	if code := call(t, http.MethodGet, ts.URL+"/task-status/"+created.TaskID, "u2", "", nil); code != http.StatusNotFound {
		t.Fatalf("GET /task-status as other owner: status=%d, want 404", code)
	}

	var list []models.TaskSummary
	if code := call(t, http.MethodGet, ts.URL+"/tasks", "u1", "", &list); code != http.StatusOK {
		t.Fatalf("GET /tasks: status=%d", code)
	}
	if len(list) != 1 || list[0].TaskID != created.TaskID || list[0].Prompt != "add a readme" {
		t.Fatalf("GET /tasks: got %+v", list)
	}
	if list[0].HasPatch {
		t.Error("pending task should not report a patch")
	}

	// Chat is rejected before the task runs.
	if code := call(t, http.MethodPost, ts.URL+"/tasks/"+created.TaskID+"/chat", "u1",
		`{"content":"also add tests"}`, nil); code != http.StatusConflict {
		t.Fatalf("POST chat on pending task: status=%d, want 409", code)
	}

	var cancel struct {
		Cancelled bool   `json:"cancelled"`
		Status    string `json:"status"`
	}
	if code := call(t, http.MethodPost, ts.URL+"/tasks/"+created.TaskID+"/cancel", "u1", "{}", &cancel); code != http.StatusOK {
		t.Fatalf("POST cancel: status=%d", code)
	}
	if !cancel.Cancelled || cancel.Status != models.StatusCancelled {
		t.Fatalf("cancel: got %+v", cancel)
	}

	// Diff fields exist even when empty.
	var diff struct {
		TaskID string `json:"task_id"`
	}
	if code := call(t, http.MethodGet, ts.URL+"/git-diff/"+created.TaskID, "u1", "", &diff); code != http.StatusOK {
		t.Fatalf("GET /git-diff: status=%d", code)
	}
	if diff.TaskID != created.TaskID {
		t.Fatalf("git-diff task_id = %q", diff.TaskID)
	}

	// PR creation requires a completed task.
	if code := call(t, http.MethodPost, ts.URL+"/create-pr/"+created.TaskID, "u1", "{}", nil); code != http.StatusConflict {
		t.Fatalf("POST /create-pr on cancelled task: status=%d, want 409", code)
	}

	if code := call(t, http.MethodDelete, ts.URL+"/tasks/"+created.TaskID, "u1", "", nil); code != http.StatusOK {
		t.Fatalf("DELETE /tasks/{id}: status=%d", code)
	}
	if code := call(t, http.MethodGet, ts.URL+"/tasks/"+created.TaskID, "u1", "", nil); code != http.StatusNotFound {
		t.Fatalf("GET deleted task: status=%d, want 404", code)
	}
}

func TestProjectRoutes(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t, nil)

	var p models.Project
	code := call(t, http.MethodPost, ts.URL+"/projects", "u1",
		`{"repo_url":"https://github.com/octo/widgets","display_name":"Widgets"}`, &p)
	if code != http.StatusOK {
		t.Fatalf("POST /projects: status=%d", code)
	}
	if p.ProjectID == "" || p.RepoOwner != "octo" || p.RepoName != "widgets" {
		t.Fatalf("POST /projects: got %+v", p)
	}

	// Duplicate repo for the same owner is rejected.
	if code := call(t, http.MethodPost, ts.URL+"/projects", "u1",
		`{"repo_url":"https://github.com/octo/widgets"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("duplicate POST /projects: status=%d, want 400", code)
	}

	var list []models.Project
	if code := call(t, http.MethodGet, ts.URL+"/projects", "u1", "", &list); code != http.StatusOK {
		t.Fatalf("GET /projects: status=%d", code)
	}
	if len(list) != 1 {
		t.Fatalf("GET /projects: got %d projects, want 1", len(list))
	}

	// Submitting against a foreign project fails validation.
	if code := call(t, http.MethodPost, ts.URL+"/start-task", "u2",
		`{"prompt":"x","repo_url":"https://github.com/octo/widgets","agent":"claude","project_id":"`+p.ProjectID+`"}`, nil); code != http.StatusBadRequest {
		t.Fatalf("start-task with foreign project: status=%d, want 400", code)
	}

	if code := call(t, http.MethodDelete, ts.URL+"/projects/"+p.ProjectID, "u1", "", nil); code != http.StatusOK {
		t.Fatalf("DELETE /projects/{id}: status=%d", code)
	}
	if code := call(t, http.MethodDelete, ts.URL+"/projects/"+p.ProjectID, "u1", "", nil); code != http.StatusNotFound {
		t.Fatalf("DELETE missing project: status=%d, want 404", code)
	}
}

func TestValidateToken(t *testing.T) {
	t.Parallel()
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user":
			_ = json.NewEncoder(w).Encode(map[string]string{"login": "octocat"})
		case "/repos/octo/widgets":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(gh.Close)

	_, ts := newTestApp(t, func(o *ServerOptions) {
		o.GitHub = &git.GitHub{BaseURL: gh.URL, Client: gh.Client()}
	})

	var resp struct {
		Valid      bool   `json:"valid"`
		Login      string `json:"login"`
		RepoAccess bool   `json:"repo_access"`
	}
	code := call(t, http.MethodPost, ts.URL+"/validate-token", "u1",
		`{"github_token":"tok","repo_url":"https://github.com/octo/widgets"}`, &resp)
	if code != http.StatusOK {
		t.Fatalf("POST /validate-token: status=%d", code)
	}
	if !resp.Valid || resp.Login != "octocat" || !resp.RepoAccess {
		t.Fatalf("validate-token: got %+v", resp)
	}

	// Inaccessible repo: token valid, repo_access false.
	resp = struct {
		Valid      bool   `json:"valid"`
		Login      string `json:"login"`
		RepoAccess bool   `json:"repo_access"`
	}{}
	code = call(t, http.MethodPost, ts.URL+"/validate-token", "u1",
		`{"github_token":"tok","repo_url":"https://github.com/octo/private"}`, &resp)
	if code != http.StatusOK {
		t.Fatalf("POST /validate-token (no repo access): status=%d", code)
	}
	if !resp.Valid || resp.RepoAccess {
		t.Fatalf("validate-token (no repo access): got %+v", resp)
	}
}

func TestStaticIdentity(t *testing.T) {
	t.Parallel()
	_, ts := newTestApp(t, func(o *ServerOptions) {
		o.Cfg.AuthDisabled = true
	})

	// No header required when auth is disabled; everything lands on the
	// local user.
	var created struct {
		TaskID string `json:"task_id"`
	}
	code := call(t, http.MethodPost, ts.URL+"/start-task", "",
		`{"prompt":"p","repo_url":"https://github.com/o/r","agent":"claude"}`, &created)
	if code != http.StatusOK {
		t.Fatalf("POST /start-task without header: status=%d", code)
	}
	var list []models.TaskSummary
	if code := call(t, http.MethodGet, ts.URL+"/tasks", "", "", &list); code != http.StatusOK {
		t.Fatalf("GET /tasks: status=%d", code)
	}
	if len(list) != 1 {
		t.Fatalf("GET /tasks: got %d tasks, want 1", len(list))
	}
}

func TestProfileSyncHook(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var seen []string
	_, ts := newTestApp(t, func(o *ServerOptions) {
		o.ProfileSync = func(userID string) {
			mu.Lock()
			seen = append(seen, userID)
			mu.Unlock()
		}
	})

	if code := call(t, http.MethodGet, ts.URL+"/tasks", "u1", "", nil); code != http.StatusOK {
		t.Fatalf("GET /tasks: status=%d", code)
	}
	// Unauthenticated requests never reach the hook.
	if code := call(t, http.MethodGet, ts.URL+"/tasks", "", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("GET /tasks without identity: status=%d, want 401", code)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "u1" {
		t.Fatalf("profile sync hook saw %v, want [u1]", seen)
	}
}

func TestStreamDeliversTaskUpdates(t *testing.T) {
	t.Parallel()
	app, ts := newTestApp(t, nil)

	resp, err := http.Get(ts.URL + "/stream")
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	go func() {
		// Give the subscriber a moment, then publish through the hub the
		// dispatcher uses.
		time.Sleep(20 * time.Millisecond)
		app.Hub.PublishJSON(map[string]any{"type": "task_update", "task_id": "t1"})
	}()

	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			got += string(buf[:n])
			if strings.Contains(got, "task_update") {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("stream never delivered task_update; got %q", got)
}
