package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seanGSISG/async-code/internal/faults"
	"github.com/seanGSISG/async-code/pkg/models"
)

// Timestamps are stored as Unix milliseconds. updated_at is bumped with
// MAX(now, updated_at+1) so it strictly increases on every mutation even
// within the same millisecond.

func ms(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromMSPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *sqliteStore) CreateTask(ctx context.Context, t models.Task) error {
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
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO tasks(task_id, owner_id, project_id, status, agent, repo_url, target_branch,
  chat_messages, execution_metadata, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.OwnerID, t.ProjectID, t.Status, t.Agent, t.RepoURL, t.TargetBranch,
		chat, meta, ms(created), ms(now))
	return err
}

func scanTask(sc interface{ Scan(...any) error }) (*models.Task, error) {
	var (
		t                      models.Task
		projectID              sql.NullString
		prBranch               sql.NullString
		commitHash             sql.NullString
		prNumber               sql.NullInt64
		prURL                  sql.NullString
		changedFiles           string
		sandboxID              sql.NullString
		errMsg                 sql.NullString
		chat, meta             string
		createdAt, updatedAt   int64
		startedAt, completedAt sql.NullInt64
	)
	if err := sc.Scan(
		&t.TaskID, &t.OwnerID, &projectID, &t.Status, &t.Agent, &t.RepoURL, &t.TargetBranch,
		&prBranch, &commitHash, &prNumber, &prURL, &t.GitDiff, &t.GitPatch, &changedFiles,
		&sandboxID, &errMsg, &chat, &meta,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	t.ProjectID = strPtr(projectID)
	t.PRBranch = strPtr(prBranch)
	t.CommitHash = strPtr(commitHash)
	t.PRNumber = intPtr(prNumber)
	t.PRURL = strPtr(prURL)
	t.SandboxID = strPtr(sandboxID)
	t.Error = strPtr(errMsg)
	if err := json.Unmarshal([]byte(changedFiles), &t.ChangedFiles); err != nil {
		return nil, fmt.Errorf("changed_files for task %s: %w", t.TaskID, err)
	}
	if err := json.Unmarshal([]byte(chat), &t.ChatMessages); err != nil {
		return nil, fmt.Errorf("chat_messages for task %s: %w", t.TaskID, err)
	}
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return nil, fmt.Errorf("execution_metadata for task %s: %w", t.TaskID, err)
	}
	t.CreatedAt = fromMS(createdAt)
	t.UpdatedAt = fromMS(updatedAt)
	t.StartedAt = fromMSPtr(startedAt)
	t.CompletedAt = fromMSPtr(completedAt)
	return &t, nil
}

// GetTask returns the task if it exists and belongs to ownerID. ownerID ""
// skips the owner check (internal orchestrator paths only). A missing or
// foreign task returns (nil, nil).
func (s *sqliteStore) GetTask(ctx context.Context, ownerID, taskID string) (*models.Task, error) {
	t, err := scanTask(s.stmtGetTask.QueryRowContext(ctx, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if ownerID != "" && t.OwnerID != ownerID {
		return nil, nil
	}
	return t, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context, ownerID string, projectID *string, limit int) ([]models.Task, error) {
	if limit <= 0 || limit > models.DefaultTaskListLimit {
		limit = models.DefaultTaskListLimit
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_id = ?`
	args := []any{ownerID}
	if projectID != nil {
		q += ` AND project_id = ?`
		args = append(args, *projectID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *sqliteStore) DeleteTask(ctx context.Context, ownerID, taskID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ? AND owner_id = ?`, taskID, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.ErrNotFound
	}
	return nil
}

// ListPending returns pending tasks oldest-first (created_at, then task id).
func (s *sqliteStore) ListPending(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = models.DefaultTaskListLimit
	}
	rows, err := s.stmtListPending.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *sqliteStore) CountRunningByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.stmtCountRunOwner.QueryRowContext(ctx, ownerID).Scan(&n)
	return n, err
}

func (s *sqliteStore) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.stmtCountRunning.QueryRowContext(ctx).Scan(&n)
	return n, err
}

// MarkRunning transitions pending -> running, guarded by the prior status and
// the updated_at value the admission loop observed. Returns false when the
// record moved on (another actor advanced it).
func (s *sqliteStore) MarkRunning(ctx context.Context, taskID, sandboxID string, seenUpdatedAt time.Time) (bool, error) {
	now := ms(time.Now())
	res, err := s.stmtMarkRunning.ExecContext(ctx, sandboxID, now, now, taskID, ms(seenUpdatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkTerminal transitions fromStatus -> toStatus (one of the three terminal
// states), recording completed_at and, for failures, the error message.
// Returns false when the record was no longer in fromStatus.
func (s *sqliteStore) MarkTerminal(ctx context.Context, taskID, fromStatus, toStatus string, errMsg *string) (bool, error) {
	if !models.Terminal(toStatus) {
		return false, fmt.Errorf("not a terminal status: %s", toStatus)
	}
	now := ms(time.Now())
	res, err := s.DB.ExecContext(ctx, `
UPDATE tasks SET status=?, error=COALESCE(?, error), completed_at=?, updated_at=MAX(?, updated_at+1)
WHERE task_id=? AND status=?`,
		toStatus, errMsg, now, now, taskID, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetGitOutcome persists git artifacts. pr_branch and commit_hash are
// write-once; diff/patch/changed_files fill only when still empty, so a
// partial capture is never clobbered by a later empty one.
func (s *sqliteStore) SetGitOutcome(ctx context.Context, taskID string, o GitOutcome) error {
	files, err := marshalJSON(o.ChangedFiles)
	if err != nil {
		return err
	}
	if o.ChangedFiles == nil {
		files = "[]"
	}
	now := ms(time.Now())
	_, err = s.DB.ExecContext(ctx, `
UPDATE tasks SET
  pr_branch     = COALESCE(pr_branch, NULLIF(?, '')),
  commit_hash   = COALESCE(commit_hash, NULLIF(?, '')),
  git_diff      = CASE WHEN git_diff = '' THEN ? ELSE git_diff END,
  git_patch     = CASE WHEN git_patch = '' THEN ? ELSE git_patch END,
  changed_files = CASE WHEN changed_files = '[]' THEN ? ELSE changed_files END,
  updated_at    = MAX(?, updated_at+1)
WHERE task_id = ?`,
		o.PRBranch, o.CommitHash, o.Diff, o.Patch, files, now, taskID)
	return err
}

// SetPullRequest records PR number and URL; write-once.
func (s *sqliteStore) SetPullRequest(ctx context.Context, taskID string, number int, url string) error {
	now := ms(time.Now())
	_, err := s.DB.ExecContext(ctx, `
UPDATE tasks SET
  pr_number  = COALESCE(pr_number, ?),
  pr_url     = COALESCE(pr_url, NULLIF(?, '')),
  updated_at = MAX(?, updated_at+1)
WHERE task_id = ?`,
		number, url, now, taskID)
	return err
}

// AppendChatMessage appends one transcript entry inside a transaction so the
// read-check-append is atomic. Terminal tasks reject appends.
func (s *sqliteStore) AppendChatMessage(ctx context.Context, ownerID, taskID string, msg models.ChatMessage) error {
	if !models.ValidRole(msg.Role) {
		return faults.Validationf("unknown chat role %q", msg.Role)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		owner  string
		status string
		chat   string
	)
	err = tx.QueryRowContext(ctx, `SELECT owner_id, status, chat_messages FROM tasks WHERE task_id = ?`, taskID).
		Scan(&owner, &status, &chat)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	if err := json.Unmarshal([]byte(chat), &msgs); err != nil {
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
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET chat_messages=?, updated_at=MAX(?, updated_at+1) WHERE task_id=?`, out, now, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetMetadata(ctx context.Context, taskID string, md models.ExecutionMetadata) error {
	meta, err := marshalJSON(md)
	if err != nil {
		return err
	}
	now := ms(time.Now())
	_, err = s.DB.ExecContext(ctx, `UPDATE tasks SET execution_metadata=?, updated_at=MAX(?, updated_at+1) WHERE task_id=?`, meta, now, taskID)
	return err
}

// --- Projects ---

func (s *sqliteStore) CreateProject(ctx context.Context, p models.Project) error {
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
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO projects(project_id, owner_id, repo_url, repo_owner, repo_name, display_name, settings, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.OwnerID, p.RepoURL, p.RepoOwner, p.RepoName, p.DisplayName, settings, ms(created))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return faults.Validationf("project for %s already exists", p.RepoURL)
	}
	return err
}

func scanProject(sc interface{ Scan(...any) error }) (*models.Project, error) {
	var (
		p         models.Project
		settings  string
		createdAt int64
	)
	if err := sc.Scan(&p.ProjectID, &p.OwnerID, &p.RepoURL, &p.RepoOwner, &p.RepoName, &p.DisplayName, &settings, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
		return nil, fmt.Errorf("settings for project %s: %w", p.ProjectID, err)
	}
	p.CreatedAt = fromMS(createdAt)
	return &p, nil
}

const projectColumns = `project_id, owner_id, repo_url, repo_owner, repo_name, display_name, settings, created_at`

func (s *sqliteStore) GetProject(ctx context.Context, ownerID, projectID string) (*models.Project, error) {
	p, err := scanProject(s.DB.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE project_id = ? AND owner_id = ?`, projectID, ownerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *sqliteStore) ListProjects(ctx context.Context, ownerID string) ([]models.Project, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = ? ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// DeleteProject removes the project; its tasks cascade via the foreign key.
func (s *sqliteStore) DeleteProject(ctx context.Context, ownerID, projectID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM projects WHERE project_id = ? AND owner_id = ?`, projectID, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.ErrNotFound
	}
	return nil
}
