// Package client provides a Go SDK for the async-code HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/seanGSISG/async-code/pkg/models"
)

// UserHeader carries the caller's identity; it must match what the server's
// identity resolver expects.
const UserHeader = "X-User-ID"

// Client calls the async-code HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:5000"
	UserID     string       // optional; sent as X-User-ID on every request
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL, acting as userID.
func New(baseURL, userID string) *Client {
	return &Client{BaseURL: baseURL, UserID: userID}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserID != "" {
		req.Header.Set(UserHeader, c.UserID)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// StartTaskRequest is the payload for StartTask.
type StartTaskRequest struct {
	Prompt       string  `json:"prompt"`
	RepoURL      string  `json:"repo_url"`
	TargetBranch string  `json:"target_branch,omitempty"`
	Agent        string  `json:"agent"`
	ProjectID    *string `json:"project_id,omitempty"`
	GitHubToken  string  `json:"github_token,omitempty"`
	CreatePR     bool    `json:"create_pr,omitempty"`
}

// StartTask submits a task and returns its id.
func (c *Client) StartTask(ctx context.Context, req StartTaskRequest) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/start-task", req, &out)
	return out.TaskID, err
}

// TaskStatus is the compact /task-status shape.
type TaskStatus struct {
	TaskID     string                   `json:"task_id"`
	Status     string                   `json:"status"`
	Error      *string                  `json:"error"`
	PRBranch   *string                  `json:"pr_branch"`
	CommitHash *string                  `json:"commit_hash"`
	PRNumber   *int                     `json:"pr_number"`
	PRURL      *string                  `json:"pr_url"`
	Metadata   models.ExecutionMetadata `json:"metadata"`
}

// GetTaskStatus returns the status of one task.
func (c *Client) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var out TaskStatus
	err := c.doJSON(ctx, http.MethodGet, "/task-status/"+url.PathEscape(taskID), nil, &out)
	return &out, err
}

// ListTasks returns the caller's tasks, optionally filtered by project.
func (c *Client) ListTasks(ctx context.Context, projectID string) ([]models.TaskSummary, error) {
	path := "/tasks"
	if projectID != "" {
		path += "?project_id=" + url.QueryEscape(projectID)
	}
	var out []models.TaskSummary
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetTask returns one task in full.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
	return &out, err
}

// DeleteTask removes a task record. Running tasks must be cancelled first.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, nil)
}

// Chat appends a user message to a running task's transcript.
func (c *Client) Chat(ctx context.Context, taskID, content string) error {
	return c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/chat",
		map[string]string{"content": content}, nil)
}

// Cancel cancels a pending or running task. Returns whether this call won
// the terminal transition and the task's status afterwards.
func (c *Client) Cancel(ctx context.Context, taskID string) (bool, string, error) {
	var out struct {
		Cancelled bool   `json:"cancelled"`
		Status    string `json:"status"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", map[string]any{}, &out)
	return out.Cancelled, out.Status, err
}

// GitDiff holds the captured changes of a task.
type GitDiff struct {
	TaskID       string   `json:"task_id"`
	Diff         string   `json:"diff"`
	Patch        string   `json:"patch"`
	ChangedFiles []string `json:"changed_files"`
}

// GetGitDiff returns the diff, patch, and changed files of a task.
func (c *Client) GetGitDiff(ctx context.Context, taskID string) (*GitDiff, error) {
	var out GitDiff
	err := c.doJSON(ctx, http.MethodGet, "/git-diff/"+url.PathEscape(taskID), nil, &out)
	return &out, err
}

// CreatePR opens a pull request for a completed task.
func (c *Client) CreatePR(ctx context.Context, taskID, githubToken string) (*models.PullRequest, error) {
	var out models.PullRequest
	err := c.doJSON(ctx, http.MethodPost, "/create-pr/"+url.PathEscape(taskID),
		map[string]string{"github_token": githubToken}, &out)
	return &out, err
}

// TokenInfo is the /validate-token response.
type TokenInfo struct {
	Valid      bool   `json:"valid"`
	Login      string `json:"login"`
	RepoAccess bool   `json:"repo_access"`
}

// ValidateToken checks a GitHub token, optionally against a repository.
func (c *Client) ValidateToken(ctx context.Context, githubToken, repoURL string) (*TokenInfo, error) {
	var out TokenInfo
	err := c.doJSON(ctx, http.MethodPost, "/validate-token",
		map[string]string{"github_token": githubToken, "repo_url": repoURL}, &out)
	return &out, err
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects(ctx context.Context) ([]models.Project, error) {
	var out []models.Project
	err := c.doJSON(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

// CreateProject registers a repository as a project.
func (c *Client) CreateProject(ctx context.Context, repoURL, displayName string, settings models.ProjectSettings) (*models.Project, error) {
	var out models.Project
	err := c.doJSON(ctx, http.MethodPost, "/projects", map[string]any{
		"repo_url":     repoURL,
		"display_name": displayName,
		"settings":     settings,
	}, &out)
	return &out, err
}

// DeleteProject removes a project and its tasks.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, nil)
}
