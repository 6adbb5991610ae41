// Package httpapi is the external interface: a JSON HTTP API plus an SSE
// stream over the dispatcher. Routing is a plain http.ServeMux with manual
// path parsing; every task and project route resolves the caller's identity
// first and only ever sees that owner's rows.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/seanGSISG/async-code/internal/agent"
	"github.com/seanGSISG/async-code/internal/config"
	"github.com/seanGSISG/async-code/internal/dispatcher"
	"github.com/seanGSISG/async-code/internal/faults"
	"github.com/seanGSISG/async-code/internal/git"
	"github.com/seanGSISG/async-code/internal/identity"
	"github.com/seanGSISG/async-code/internal/sandbox"
	"github.com/seanGSISG/async-code/internal/store"
	"github.com/seanGSISG/async-code/internal/store/postgres"
	"github.com/seanGSISG/async-code/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read
// more than maxBytes. Applied before decoding JSON.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (frontend on a different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+identity.UserHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, limits,
// DB, metrics). Git, GitHub, and Runtime default to the real implementations;
// tests substitute fakes.
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	Cfg            config.Config
	MetricsHandler http.Handler // if set, used for /metrics (OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics

	Git          git.Engine    // default git.CLI{}
	GitHub       *git.GitHub   // default git.NewGitHub()
	Runtime      agent.Runtime // default stub, or subprocess when AgentCommand set
	AgentCommand string        // agent binary run inside the sandbox

	// ProfileSync, when set, is called with the resolved user id on every
	// authenticated request.
	ProfileSync identity.ProfileSyncHook
}

// App holds the HTTP server and the wired orchestrator pieces. The daemon
// runs App.Dispatcher's admission loop alongside the server.
type App struct {
	Server     *http.Server
	Hub        *SSEHub
	Store      store.Store
	Sandboxes  *sandbox.Manager
	Dispatcher *dispatcher.Dispatcher
	Resolver   identity.Resolver
	Home       string
}

// NewApp creates the HTTP app (server, hub, store, sandbox pool, dispatcher)
// and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	cfg := opts.Cfg.WithDefaults()
	hub := NewSSEHub()
	mux := http.NewServeMux()

	var st store.Store
	var err error
	if cfg.DBDriver == "postgres" {
		st, err = postgres.Open(cfg.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	eng := opts.Git
	if eng == nil {
		eng = git.CLI{}
	}
	gh := opts.GitHub
	if gh == nil {
		gh = git.NewGitHub()
	}
	rt := opts.Runtime
	if rt == nil {
		if opts.AgentCommand != "" {
			rt = agent.SubprocessRuntime{Command: opts.AgentCommand, SandboxHome: opts.Home}
		} else {
			rt = agent.StubRuntime{}
		}
	}

	sb := sandbox.NewManager(opts.Home, cfg.SandboxCapacity, cfg.SandboxTimeout)
	disp := dispatcher.New(st, sb, eng, gh, rt, dispatcher.Options{
		PerOwnerLimit: cfg.PerOwnerLimit,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
		AdmitInterval: cfg.AdmitInterval,
	})
	disp.Publisher = hub

	resolver := identity.ForConfig(cfg.AuthDisabled, opts.ProfileSync)

	// user resolves the caller or writes the 401 itself.
	user := func(w http.ResponseWriter, r *http.Request) (string, bool) {
		id, err := resolver.Resolve(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid "+identity.UserHeader+" header")
			return "", false
		}
		return id, true
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			running, _ := st.CountRunning(r.Context())
			pending, _ := st.ListPending(r.Context(), 0)
			_, _ = fmt.Fprintf(w, "# TYPE asynccode_tasks gauge\n")
			_, _ = fmt.Fprintf(w, "asynccode_tasks{status=\"pending\"} %d\n", len(pending))
			_, _ = fmt.Fprintf(w, "asynccode_tasks{status=\"running\"} %d\n", running)
			_, _ = fmt.Fprintf(w, "asynccode_active_sandboxes %d\n", sb.Active())
		})
	}

	mux.HandleFunc("/stream", hub.Handler())

	// --- Tasks ---
	mux.HandleFunc("/start-task", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		owner, ok := user(w, r)
		if !ok {
			return
		}
		var body struct {
			Prompt       string  `json:"prompt"`
			RepoURL      string  `json:"repo_url"`
			TargetBranch string  `json:"target_branch"`
			Agent        string  `json:"agent"`
			ProjectID    *string `json:"project_id"`
			GitHubToken  string  `json:"github_token"`
			CreatePR     bool    `json:"create_pr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		id, err := disp.Submit(r.Context(), dispatcher.SubmitRequest{
			OwnerID:      owner,
			Prompt:       body.Prompt,
			RepoURL:      body.RepoURL,
			TargetBranch: body.TargetBranch,
			Agent:        body.Agent,
			ProjectID:    body.ProjectID,
			GitHubToken:  body.GitHubToken,
			CreatePR:     body.CreatePR,
		})
		if err != nil {
			writeFaultError(w, err)
			return
		}
		writeJSON(w, map[string]any{"task_id": id, "status": models.StatusPending})
	})

	mux.HandleFunc("/task-status/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		owner, ok := user(w, r)
		if !ok {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/task-status/")
		t, err := getOwnedTask(r.Context(), st, owner, id)
		if err != nil {
			writeFaultError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"task_id":     t.TaskID,
			"status":      t.Status,
			"error":       t.Error,
			"pr_branch":   t.PRBranch,
			"commit_hash": t.CommitHash,
			"pr_number":   t.PRNumber,
			"pr_url":      t.PRURL,
			"metadata":    t.Metadata,
		})
	})

	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		owner, ok := user(w, r)
		if !ok {
			return
		}
		var projectID *string
		if p := r.URL.Query().Get("project_id"); p != "" {
			projectID = &p
		}
		tasks, err := st.ListTasks(r.Context(), owner, projectID, 0)
		if err != nil {
			writeFaultError(w, err)
			return
		}
		out := make([]models.TaskSummary, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, summarize(t))
		}
		writeJSON(w, out)
	})

	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		owner, ok := user(w, r)
		if !ok {
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
		if len(parts) < 1 || parts[0] == "" {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		id := parts[0]

		// /tasks/{id}
		if len(parts) == 1 || parts[1] == "" {
			switch r.Method {
			case http.MethodGet:
				t, err := getOwnedTask(r.Context(), st, owner, id)
				if err != nil {
					writeFaultError(w, err)
					return
				}
				writeJSON(w, t)
			case http.MethodDelete:
				t, err := getOwnedTask(r.Context(), st, owner, id)
				if err != nil {
					writeFaultError(w, err)
					return
				}
				if t.Status == models.StatusRunning {
					writeJSONError(w, http.StatusConflict, "cancel the task before deleting it")
					return
				}
				if err := st.DeleteTask(r.Context(), owner, id); err != nil {
					writeFaultError(w, err)
					return
				}
				writeJSON(w, map[string]any{"ok": true})
			default:
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			}
			return
		}

		switch parts[1] {
		case "chat":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var body struct {
				Content string `json:"content"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if strings.TrimSpace(body.Content) == "" {
				writeJSONError(w, http.StatusBadRequest, "content required")
				return
			}
			t, err := getOwnedTask(r.Context(), st, owner, id)
			if err != nil {
				writeFaultError(w, err)
				return
			}
			if t.Status != models.StatusRunning {
				writeJSONError(w, http.StatusConflict, "chat is only accepted while the task is running")
				return
			}
			msg := models.ChatMessage{Role: models.RoleUser, Content: body.Content, Timestamp: time.Now().UTC()}
			if err := disp.Transcript.Append(r.Context(), owner, id, msg); err != nil {
				writeFaultError(w, err)
				return
			}
			hub.PublishJSON(map[string]any{
				"type":      "chat",
				"task_id":   id,
				"role":      msg.Role,
				"content":   msg.Content,
				"timestamp": msg.Timestamp.Format(time.RFC3339Nano),
			})
			writeJSON(w, map[string]any{"ok": true})
		case "cancel":
			if r.Method != http.MethodPost {
				writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			cancelled, err := disp.Cancel(r.Context(), owner, id)
			if err != nil {
				writeFaultError(w, err)
				return
			}
			t, err := getOwnedTask(r.Context(), st, owner, id)
			if err != nil {
				writeFaultError(w, err)
				return
			}
			writeJSON(w, map[string]any{"cancelled": cancelled, "status": t.Status})
		default:
			writeJSONError(w, http.StatusNotFound, "not found")
		}
	})

	mux.HandleFunc("/git-diff/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		owner, ok := user(w, r)
		if !ok {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/git-diff/")
		t, err := getOwnedTask(r.Context(), st, owner, id)
		if err != nil {
			writeFaultError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"task_id":       t.TaskID,
			"diff":          t.GitDiff,
			"patch":         t.GitPatch,
			"changed_files": t.ChangedFiles,
		})
	})

	mux.HandleFunc("/create-pr/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		owner, ok := user(w, r)
		if !ok {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/create-pr/")
		var body struct {
			GitHubToken string `json:"github_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		pr, err := disp.CreatePullRequest(r.Context(), owner, id, body.GitHubToken)
		if err != nil {
			writeFaultError(w, err)
			return
		}
		writeJSON(w, pr)
	})

	mux.HandleFunc("/validate-token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, ok := user(w, r); !ok {
			return
		}
		var body struct {
			GitHubToken string `json:"github_token"`
			RepoURL     string `json:"repo_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		login, err := gh.ValidateToken(r.Context(), body.GitHubToken)
		if err != nil {
			writeFaultError(w, err)
			return
		}
		resp := map[string]any{"valid": true, "login": login}
		if body.RepoURL != "" {
			ref, err := git.ParseRepoURL(body.RepoURL)
			if err != nil {
				writeFaultError(w, err)
				return
			}
			resp["repo_access"] = gh.CheckRepoAccess(r.Context(), body.GitHubToken, ref) == nil
		}
		writeJSON(w, resp)
	})

	// --- Projects ---
	mux.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		owner, ok := user(w, r)
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			projects, err := st.ListProjects(r.Context(), owner)
			if err != nil {
				writeFaultError(w, err)
				return
			}
			writeJSON(w, projects)
		case http.MethodPost:
			var body struct {
				RepoURL     string                 `json:"repo_url"`
				DisplayName string                 `json:"display_name"`
				Settings    models.ProjectSettings `json:"settings"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json")
				return
			}
			if body.RepoURL == "" {
				writeJSONError(w, http.StatusBadRequest, "repo_url required")
				return
			}
			p := models.Project{
				ProjectID:   uuid.NewString(),
				OwnerID:     owner,
				RepoURL:     body.RepoURL,
				DisplayName: body.DisplayName,
				Settings:    body.Settings,
			}
			if ref, err := git.ParseRepoURL(body.RepoURL); err == nil {
				p.RepoOwner = ref.Owner
				p.RepoName = ref.Name
			}
			if err := st.CreateProject(r.Context(), p); err != nil {
				writeFaultError(w, err)
				return
			}
			created, err := st.GetProject(r.Context(), owner, p.ProjectID)
			if err != nil || created == nil {
				writeJSON(w, p)
				return
			}
			writeJSON(w, created)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/projects/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		owner, ok := user(w, r)
		if !ok {
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/projects/")
		if err := st.DeleteProject(r.Context(), owner, id); err != nil {
			writeFaultError(w, err)
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "async-code")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})

	return &App{
		Server:     srv,
		Hub:        hub,
		Store:      st,
		Sandboxes:  sb,
		Dispatcher: disp,
		Resolver:   resolver,
		Home:       opts.Home,
	}, nil
}

// getOwnedTask fetches a task within the owner boundary; a missing row is
// faults.ErrNotFound whether the task doesn't exist or belongs to someone else.
func getOwnedTask(ctx context.Context, st store.Store, ownerID, taskID string) (*models.Task, error) {
	if taskID == "" {
		return nil, faults.Validationf("task id required")
	}
	t, err := st.GetTask(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, faults.ErrNotFound
	}
	return t, nil
}

// summarize converts a task to its list shape: first user message truncated
// to the summary length, plus whether a patch was captured.
func summarize(t models.Task) models.TaskSummary {
	prompt := ""
	for _, m := range t.ChatMessages {
		if m.Role == models.RoleUser {
			prompt = m.Content
			break
		}
	}
	if len(prompt) > models.DefaultPromptSummaryLen {
		prompt = prompt[:models.DefaultPromptSummaryLen] + "..."
	}
	return models.TaskSummary{
		TaskID:    t.TaskID,
		Status:    t.Status,
		Prompt:    prompt,
		HasPatch:  t.GitPatch != "",
		ProjectID: t.ProjectID,
		RepoURL:   t.RepoURL,
		Agent:     t.Agent,
		CreatedAt: t.CreatedAt,
	}
}

// writeFaultError maps the fault taxonomy onto HTTP status codes.
func writeFaultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, faults.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, faults.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, faults.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, faults.ErrInvalidState):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, faults.ErrRepoAccess):
		writeJSONError(w, http.StatusForbidden, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
