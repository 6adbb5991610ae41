// Package git is the workflow engine for repository operations: clone the
// target repo into a sandbox, branch, extract the agent's changes, and push.
// Everything shells out to the git CLI inside the sandbox work dir.
package git

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/seanGSISG/async-code/internal/faults"
)

// Changes is what ExtractChanges captures from a run: the unified diff
// against the base commit, a format-patch payload, and the touched files.
type Changes struct {
	Diff  string
	Patch string
	Files []string
}

// Engine is the git surface the dispatcher drives. The CLI implementation
// below is the real one; tests substitute a fake.
type Engine interface {
	// Clone shallow-clones repoURL at branch into dir, injecting token for
	// HTTPS auth. Auth failures map to faults.ErrRepoAccess, connectivity
	// failures to faults.ErrNetwork.
	Clone(ctx context.Context, dir, repoURL, branch, token string) error
	// CreateBranch creates and checks out branch in dir.
	CreateBranch(ctx context.Context, dir, branch string) error
	// BaseCommit returns the HEAD commit hash in dir.
	BaseCommit(ctx context.Context, dir string) (string, error)
	// ExtractChanges captures diff, patch, and changed files of the work tree
	// (staged or not) relative to baseRef.
	ExtractChanges(ctx context.Context, dir, baseRef string) (Changes, error)
	// CommitAndPush stages everything, commits with message, and pushes the
	// branch. Returns the commit hash, or "" when there was nothing to commit.
	CommitAndPush(ctx context.Context, dir, branch, message string) (string, error)
}

// CLI runs the git binary. The zero value is ready to use.
type CLI struct{}

var _ Engine = CLI{}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// AuthURL injects token credentials into an HTTPS repo URL. SSH and other
// schemes pass through unchanged (they authenticate via the agent's keys).
func AuthURL(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// classify maps git stderr text onto the transient-error taxonomy so the
// dispatcher knows what to retry.
func classify(err error, out string) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "operation timed out"),
		strings.Contains(lower, "could not connect"),
		strings.Contains(lower, "early eof"),
		strings.Contains(lower, "the remote end hung up"):
		return fmt.Errorf("%w: %v", faults.ErrNetwork, err)
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "repository not found"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "401"):
		return fmt.Errorf("%w: %v", faults.ErrRepoAccess, err)
	}
	return err
}

func (CLI) Clone(ctx context.Context, dir, repoURL, branch, token string) error {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, AuthURL(repoURL, token), ".")
	out, err := runGit(ctx, dir, args...)
	if err != nil {
		return classify(err, out)
	}
	// Commit identity for the agent's commits.
	if _, err := runGit(ctx, dir, "config", "user.email", "agent@async-code.local"); err != nil {
		return err
	}
	if _, err := runGit(ctx, dir, "config", "user.name", "async-code agent"); err != nil {
		return err
	}
	return nil
}

func (CLI) CreateBranch(ctx context.Context, dir, branch string) error {
	_, err := runGit(ctx, dir, "checkout", "-b", branch)
	return err
}

func (CLI) BaseCommit(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ExtractChanges stages the work tree first so untracked files the agent
// created show up in the diff, then captures everything relative to baseRef.
func (c CLI) ExtractChanges(ctx context.Context, dir, baseRef string) (Changes, error) {
	if _, err := runGit(ctx, dir, "add", "-A"); err != nil {
		return Changes{}, err
	}
	diff, err := runGit(ctx, dir, "diff", "--cached", baseRef)
	if err != nil {
		return Changes{}, err
	}
	namesOut, err := runGit(ctx, dir, "diff", "--cached", "--name-only", baseRef)
	if err != nil {
		return Changes{Diff: diff}, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(namesOut), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	ch := Changes{Diff: diff, Files: files}
	// format-patch needs a commit; synthesize the patch from the diff header
	// only after commit. Before commit the staged diff doubles as the patch.
	ch.Patch = diff
	return ch, nil
}

func (CLI) CommitAndPush(ctx context.Context, dir, branch, message string) (string, error) {
	if _, err := runGit(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	out, err := runGit(ctx, dir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(strings.ToLower(out), "nothing to commit") {
			return "", nil
		}
		return "", err
	}
	hash, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	hash = strings.TrimSpace(hash)
	if out, err := runGit(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return hash, classify(err, out)
	}
	return hash, nil
}

// BranchName returns the deterministic branch for a task:
// async-code/T<first 8 of task id>-<prompt slug>.
func BranchName(taskID, prompt string) string {
	id := taskID
	if len(id) > 8 {
		id = id[:8]
	}
	s := slug(prompt)
	if s == "" {
		return fmt.Sprintf("async-code/T%s", id)
	}
	return fmt.Sprintf("async-code/T%s-%s", id, s)
}

// slug lowercases and collapses everything non-alphanumeric to single
// hyphens, capped at 30 characters.
func slug(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= 30 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
