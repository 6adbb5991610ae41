package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/seanGSISG/async-code/internal/faults"
	"github.com/seanGSISG/async-code/internal/store"
	"github.com/seanGSISG/async-code/pkg/models"
)

// Timestamps are stored as Unix milliseconds, matching the SQLite store.
// updated_at is bumped with GREATEST(now, updated_at+1) so it strictly
// increases on every mutation.

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromMS(*v)
	return &t
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const taskColumns = `task_id, owner_id, project_id, status, agent, repo_url, target_branch,
pr_branch, commit_hash, pr_number, pr_url, git_diff, git_patch, changed_files,
sandbox_id, error, chat_messages, execution_metadata,
created_at, updated_at, started_at, completed_at`

func (s *Store) CreateTask(ctx context.Context, t models.Task) error {
	if t.TaskID == "" || t.OwnerID == "" {
		return errors.New("task_id and owner_id required")
	}
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	if t.TargetBranch == "" {
		t.TargetBranch = models.DefaultTargetBranch
	}
	chat, err := marshalJSON(t.ChatMessages)
	if err != nil {
		return err
	}
	if t.ChatMessages == nil {
		chat = "[]"
	}
	meta, err := marshalJSON(t.Metadata)
	if err != nil {
		return err
	}
	now := time.Now()
	created := t.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = s.Pool.Exec(ctx, `
INSERT INTO tasks(task_id, owner_id, project_id, status, agent, repo_url, target_branch,
  chat_messages, execution_metadata, created_at, updated_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.TaskID, t.OwnerID, t.ProjectID, t.Status, t.Agent, t.RepoURL, t.TargetBranch,
		chat, meta, ms(created), ms(now))
	return err
}

func scanTask(row interface{ Scan(dest ...any) error }) (*models.Task, error) {
	var (
		t                      models.Task
		changedFiles           []byte
		chat, meta             []byte
		createdAt, updatedAt   int64
		startedAt, completedAt *int64
	)
	if err := row.Scan(
		&t.TaskID, &t.OwnerID, &t.ProjectID, &t.Status, &t.Agent, &t.RepoURL, &t.TargetBranch,
		&t.PRBranch, &t.CommitHash, &t.PRNumber, &t.PRURL, &t.GitDiff, &t.GitPatch, &changedFiles,
		&t.SandboxID, &t.Error, &chat, &meta,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(changedFiles, &t.ChangedFiles); err != nil {
		return nil, fmt.Errorf("changed_files for task %s: %w", t.TaskID, err)
	}
	if err := json.Unmarshal(chat, &t.ChatMessages); err != nil {
		return nil, fmt.Errorf("chat_messages for task %s: %w", t.TaskID, err)
	}
	if err := json.Unmarshal(meta, &t.Metadata); err != nil {
		return nil, fmt.Errorf("execution_metadata for task %s: %w", t.TaskID, err)
	}
	t.CreatedAt = fromMS(createdAt)
	t.UpdatedAt = fromMS(updatedAt)
	t.StartedAt = fromMSPtr(startedAt)
	t.CompletedAt = fromMSPtr(completedAt)
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, ownerID, taskID string) (*models.Task, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if ownerID != "" && t.OwnerID != ownerID {
		return nil, nil
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, ownerID string, projectID *string, limit int) ([]models.Task, error) {
	if limit <= 0 || limit > models.DefaultTaskListLimit {
		limit = models.DefaultTaskListLimit
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id = $1`
	args := []any{ownerID}
	if projectID != nil {
		q += ` AND project_id = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, *projectID, limit)
	} else {
		q += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTask(ctx context.Context, ownerID, taskID string) error {
	res, err := s.Pool.Exec(ctx, `DELETE FROM tasks WHERE task_id = $1 AND owner_id = $2`, taskID, ownerID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return faults.ErrNotFound
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	rows, err := s.Pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'pending' ORDER BY created_at ASC, task_id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) CountRunningByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE owner_id = $1 AND status = 'running'`, ownerID).Scan(&n)
	return n, err
}

func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'running'`).Scan(&n)
	return n, err
}

func (s *Store) MarkRunning(ctx context.Context, taskID, sandboxID string, seenUpdatedAt time.Time) (bool, error) {
	now := ms(time.Now())
	res, err := s.Pool.Exec(ctx, `
UPDATE tasks SET status='running', sandbox_id=$1, started_at=$2, updated_at=GREATEST($3, updated_at+1)
WHERE task_id=$4 AND status='pending' AND updated_at=$5`,
		sandboxID, now, now, taskID, ms(seenUpdatedAt))
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) MarkTerminal(ctx context.Context, taskID, fromStatus, toStatus string, errMsg *string) (bool, error) {
	if !models.Terminal(toStatus) {
		return false, fmt.Errorf("not a terminal status: %s", toStatus)
	}
	now := ms(time.Now())
	res, err := s.Pool.Exec(ctx, `
UPDATE tasks SET status=$1, error=COALESCE($2, error), completed_at=$3, updated_at=GREATEST($4, updated_at+1)
WHERE task_id=$5 AND status=$6`,
		toStatus, errMsg, now, now, taskID, fromStatus)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) SetGitOutcome(ctx context.Context, taskID string, o store.GitOutcome) error {
	files, err := marshalJSON(o.ChangedFiles)
	if err != nil {
		return err
	}
	if o.ChangedFiles == nil {
		files = "[]"
	}
	now := ms(time.Now())
	_, err = s.Pool.Exec(ctx, `
UPDATE tasks SET
  pr_branch     = COALESCE(pr_branch, NULLIF($1, '')),
  commit_hash   = COALESCE(commit_hash, NULLIF($2, '')),
  git_diff      = CASE WHEN git_diff = '' THEN $3 ELSE git_diff END,
  git_patch     = CASE WHEN git_patch = '' THEN $4 ELSE git_patch END,
  changed_files = CASE WHEN changed_files = '[]'::jsonb THEN $5::jsonb ELSE changed_files END,
  updated_at    = GREATEST($6, updated_at+1)
WHERE task_id = $7`,
		o.PRBranch, o.CommitHash, o.Diff, o.Patch, files, now, taskID)
	return err
}

func (s *Store) SetPullRequest(ctx context.Context, taskID string, number int, url string) error {
	now := ms(time.Now())
	_, err := s.Pool.Exec(ctx, `
UPDATE tasks SET
  pr_number  = COALESCE(pr_number, $1),
  pr_url     = COALESCE(pr_url, NULLIF($2, '')),
  updated_at = GREATEST($3, updated_at+1)
WHERE task_id = $4`,
		number, url, now, taskID)
	return err
}

// AppendChatMessage locks the row for the read-check-append so concurrent
// writers serialize. Terminal tasks reject appends.
func (s *Store) AppendChatMessage(ctx context.Context, ownerID, taskID string, msg models.ChatMessage) error {
	if !models.ValidRole(msg.Role) {
		return faults.Validationf("unknown chat role %q", msg.Role)
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		owner  string
		status string
		chat   []byte
	)
	err = tx.QueryRow(ctx, `SELECT owner_id, status, chat_messages FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID).
		Scan(&owner, &status, &chat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return faults.ErrNotFound
		}
		return err
	}
	if ownerID != "" && owner != ownerID {
		return faults.ErrNotFound
	}
	if models.Terminal(status) {
		return fmt.Errorf("%w: task %s is %s", faults.ErrInvalidState, taskID, status)
	}

	var msgs []models.ChatMessage
	if err := json.Unmarshal(chat, &msgs); err != nil {
		return fmt.Errorf("chat_messages for task %s: %w", taskID, err)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msgs = append(msgs, msg)
	out, err := marshalJSON(msgs)
	if err != nil {
		return err
	}
	now := ms(time.Now())
	if _, err := tx.Exec(ctx, `UPDATE tasks SET chat_messages=$1, updated_at=GREATEST($2, updated_at+1) WHERE task_id=$3`, out, now, taskID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) SetMetadata(ctx context.Context, taskID string, md models.ExecutionMetadata) error {
	meta, err := marshalJSON(md)
	if err != nil {
		return err
	}
	now := ms(time.Now())
	_, err = s.Pool.Exec(ctx, `UPDATE tasks SET execution_metadata=$1, updated_at=GREATEST($2, updated_at+1) WHERE task_id=$3`, meta, now, taskID)
	return err
}

// --- Projects ---

const projectColumns = `project_id, owner_id, repo_url, repo_owner, repo_name, display_name, settings, created_at`

func (s *Store) CreateProject(ctx context.Context, p models.Project) error {
	if p.ProjectID == "" || p.OwnerID == "" || p.RepoURL == "" {
		return errors.New("project_id, owner_id, and repo_url required")
	}
	settings, err := marshalJSON(p.Settings)
	if err != nil {
		return err
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.Pool.Exec(ctx, `
INSERT INTO projects(project_id, owner_id, repo_url, repo_owner, repo_name, display_name, settings, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ProjectID, p.OwnerID, p.RepoURL, p.RepoOwner, p.RepoName, p.DisplayName, settings, ms(created))
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return faults.Validationf("project for %s already exists", p.RepoURL)
	}
	return err
}

func scanProject(row interface{ Scan(dest ...any) error }) (*models.Project, error) {
	var (
		p         models.Project
		settings  []byte
		createdAt int64
	)
	if err := row.Scan(&p.ProjectID, &p.OwnerID, &p.RepoURL, &p.RepoOwner, &p.RepoName, &p.DisplayName, &settings, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &p.Settings); err != nil {
		return nil, fmt.Errorf("settings for project %s: %w", p.ProjectID, err)
	}
	p.CreatedAt = fromMS(createdAt)
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, ownerID, projectID string) (*models.Project, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id = $1 AND owner_id = $2`, projectID, ownerID)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, ownerID string) ([]models.Project, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteProject(ctx context.Context, ownerID, projectID string) error {
	res, err := s.Pool.Exec(ctx, `DELETE FROM projects WHERE project_id = $1 AND owner_id = $2`, projectID, ownerID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return faults.ErrNotFound
	}
	return nil
}
