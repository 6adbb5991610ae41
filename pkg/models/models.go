// Package models provides shared types for the async-code HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Task is one AI coding-agent run against a repository, tracked from
// submission through patch production and (optionally) pull-request creation.
type Task struct {
	TaskID       string  `json:"task_id"`
	OwnerID      string  `json:"owner_id"`
	ProjectID    *string `json:"project_id,omitempty"`
	Status       string  `json:"status"`
	Agent        string  `json:"agent"`
	RepoURL      string  `json:"repo_url"`
	TargetBranch string  `json:"target_branch"`

	// Git outcome fields; each is written at most once, on success.
	PRBranch     *string  `json:"pr_branch,omitempty"`
	CommitHash   *string  `json:"commit_hash,omitempty"`
	PRNumber     *int     `json:"pr_number,omitempty"`
	PRURL        *string  `json:"pr_url,omitempty"`
	GitDiff      string   `json:"git_diff,omitempty"`
	GitPatch     string   `json:"git_patch,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`

	SandboxID *string `json:"sandbox_id,omitempty"`
	Error     *string `json:"error,omitempty"`

	ChatMessages []ChatMessage     `json:"chat_messages,omitempty"`
	Metadata     ExecutionMetadata `json:"execution_metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ChatMessage is one entry in a task's append-only transcript.
type ChatMessage struct {
	Role      string    `json:"role"` // user, assistant, or system
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionMetadata records run diagnostics. Known keys are explicit fields;
// Extra is a pass-through map for anything the runtime wants to attach.
type ExecutionMetadata struct {
	SandboxID    string            `json:"sandbox_id,omitempty"`
	AgentRuntime string            `json:"agent_runtime,omitempty"`
	Attempts     int               `json:"attempts,omitempty"`
	CloneMillis  int64             `json:"clone_ms,omitempty"`
	AgentMillis  int64             `json:"agent_ms,omitempty"`
	TotalMillis  int64             `json:"total_ms,omitempty"`
	LogTail      string            `json:"log_tail,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// TaskSummary is the compact task shape returned by list endpoints.
type TaskSummary struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Prompt    string    `json:"prompt"` // first user message, truncated
	HasPatch  bool      `json:"has_patch"`
	ProjectID *string   `json:"project_id,omitempty"`
	RepoURL   string    `json:"repo_url"`
	Agent     string    `json:"agent"`
	CreatedAt time.Time `json:"created_at"`
}

// Project groups tasks that target the same repository.
// (owner_id, repo_url) is unique per owner.
type Project struct {
	ProjectID   string          `json:"project_id"`
	OwnerID     string          `json:"owner_id"`
	RepoURL     string          `json:"repo_url"`
	RepoOwner   string          `json:"repo_owner,omitempty"`
	RepoName    string          `json:"repo_name,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	Settings    ProjectSettings `json:"settings,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

// ProjectSettings holds per-project defaults plus a generic pass-through map.
type ProjectSettings struct {
	DefaultBranch string            `json:"default_branch,omitempty"`
	DefaultAgent  string            `json:"default_agent,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// PullRequest is the result of PR creation.
type PullRequest struct {
	Number int    `json:"pr_number"`
	URL    string `json:"pr_url"`
	Branch string `json:"branch"`
}
