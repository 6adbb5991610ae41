package store

import (
	"context"
	"time"

	"github.com/seanGSISG/async-code/pkg/models"
)

// Store is the persistence interface for tasks and projects.
// Implementations: the default SQLite store (this package) and
// *postgres.Store (internal/store/postgres).
//
// Every read and write that takes an ownerID is filtered to that owner's
// rows; the orchestrator enforces the owner boundary before anything reaches
// the storage engine. Methods without an ownerID are internal orchestrator
// paths (admission loop, run pipeline) that operate on records the
// dispatcher already admitted.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t models.Task) error
	GetTask(ctx context.Context, ownerID, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, ownerID string, projectID *string, limit int) ([]models.Task, error)
	DeleteTask(ctx context.Context, ownerID, taskID string) error

	// Admission
	ListPending(ctx context.Context, limit int) ([]models.Task, error)
	CountRunningByOwner(ctx context.Context, ownerID string) (int, error)
	CountRunning(ctx context.Context) (int, error)

	// State machine. Both are atomic conditional updates; false means the
	// record was no longer in the expected prior state and the transition
	// was abandoned.
	MarkRunning(ctx context.Context, taskID, sandboxID string, seenUpdatedAt time.Time) (bool, error)
	MarkTerminal(ctx context.Context, taskID, fromStatus, toStatus string, errMsg *string) (bool, error)

	// Git outcome fields; write-once (existing non-empty values are kept).
	SetGitOutcome(ctx context.Context, taskID string, o GitOutcome) error
	SetPullRequest(ctx context.Context, taskID string, number int, url string) error

	// Transcript. ownerID "" is the internal writer (the session bridge);
	// a non-empty ownerID must match the task's owner. Appends to a terminal
	// task fail with faults.ErrInvalidState.
	AppendChatMessage(ctx context.Context, ownerID, taskID string, msg models.ChatMessage) error

	SetMetadata(ctx context.Context, taskID string, md models.ExecutionMetadata) error

	// Projects
	CreateProject(ctx context.Context, p models.Project) error
	GetProject(ctx context.Context, ownerID, projectID string) (*models.Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]models.Project, error)
	DeleteProject(ctx context.Context, ownerID, projectID string) error

	Close() error
}

// GitOutcome carries the fields the git workflow engine produces. Partial
// outcomes (diff/patch captured before a later stage failed) are persisted
// with the same call.
type GitOutcome struct {
	PRBranch     string
	CommitHash   string
	Diff         string
	Patch        string
	ChangedFiles []string
}
