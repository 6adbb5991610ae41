// Package agent bridges the orchestrator to coding-agent runtimes. A runtime
// receives the task transcript and an isolated work dir, streams events back
// while it works, and leaves its changes in the work tree for the git engine
// to collect.
package agent

import (
	"context"
	"time"

	"github.com/seanGSISG/async-code/pkg/models"
)

// Event types and statuses on the runtime event stream.
const (
	EventChat   = "chat"
	EventStatus = "status"

	StatusAwaitInput = "await_input"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Event is one item on a session's ordered event stream: either a chat
// message (role + content) or a status signal.
type Event struct {
	Type      string    `json:"type"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionRequest is everything a runtime needs for one run.
type SessionRequest struct {
	TaskID     string               `json:"task_id"`
	Agent      string               `json:"agent"`
	WorkDir    string               `json:"work_dir"`
	Transcript []models.ChatMessage `json:"transcript"`
	Token      string               `json:"-"` // passed via env, never serialized
}

// SessionResult summarizes a finished session.
type SessionResult struct {
	Output string
}

// Runtime executes agent sessions. Implementations must preserve event
// arrival order when calling emit and must stop promptly when ctx is
// cancelled.
type Runtime interface {
	Name() string
	RunSession(ctx context.Context, req SessionRequest, emit func(Event)) (SessionResult, error)
}
