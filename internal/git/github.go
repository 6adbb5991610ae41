package git

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seanGSISG/async-code/internal/faults"
	"github.com/seanGSISG/async-code/pkg/models"
)

// RepoRef identifies a GitHub repository.
type RepoRef struct {
	Owner string
	Name  string
}

// ParseRepoURL extracts owner/name from an HTTPS or SSH GitHub URL.
func ParseRepoURL(raw string) (RepoRef, error) {
	s := strings.TrimSuffix(strings.TrimSpace(raw), ".git")
	var path string
	switch {
	case strings.HasPrefix(s, "git@"):
		// git@github.com:owner/repo
		_, after, ok := strings.Cut(s, ":")
		if !ok {
			return RepoRef{}, faults.Validationf("unparseable repo url %q", raw)
		}
		path = after
	case strings.HasPrefix(s, "https://"), strings.HasPrefix(s, "http://"):
		_, after, ok := strings.Cut(strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://"), "/")
		if !ok {
			return RepoRef{}, faults.Validationf("unparseable repo url %q", raw)
		}
		path = after
	default:
		return RepoRef{}, faults.Validationf("unsupported repo url %q", raw)
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, faults.Validationf("repo url %q missing owner/name", raw)
	}
	return RepoRef{Owner: parts[0], Name: parts[1]}, nil
}

// PRTitle builds the pull request title from the task prompt, truncated
// to the summary length.
func PRTitle(prompt string) string {
	p := strings.TrimSpace(prompt)
	if len(p) > models.DefaultPromptSummaryLen {
		return "Claude Code: " + p[:models.DefaultPromptSummaryLen] + "..."
	}
	return "Claude Code: " + p
}

// PRBody builds the pull request description from the changed file list.
func PRBody(prompt string, files []string) string {
	var b strings.Builder
	b.WriteString("Automated changes by async-code.\n\n")
	b.WriteString("## Task\n")
	b.WriteString(strings.TrimSpace(prompt))
	b.WriteString("\n")
	if len(files) > 0 {
		b.WriteString("\n## Changed files\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}

// GitHub talks to the GitHub REST API (v3). BaseURL defaults to the public
// endpoint; tests point it at an httptest server.
type GitHub struct {
	BaseURL string
	Client  *http.Client
}

func NewGitHub() *GitHub {
	return &GitHub{
		BaseURL: "https://api.github.com",
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GitHub) do(ctx context.Context, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			return json.Unmarshal(payload, out)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: github rejected the token", faults.ErrUnauthorized)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: github %s %s: %d", faults.ErrRepoAccess, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return faults.Validationf("github %s %s: %s", method, path, strings.TrimSpace(string(payload)))
	default:
		return fmt.Errorf("github %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
}

// OpenPullRequest creates a PR from head into base and returns its number
// and URL.
func (g *GitHub) OpenPullRequest(ctx context.Context, token string, ref RepoRef, head, base, title, body string) (*models.PullRequest, error) {
	req := map[string]string{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
	}
	var resp struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls", ref.Owner, ref.Name)
	if err := g.do(ctx, http.MethodPost, path, token, req, &resp); err != nil {
		return nil, err
	}
	return &models.PullRequest{Number: resp.Number, URL: resp.HTMLURL, Branch: head}, nil
}

// CheckRepoAccess verifies the token can read the repository.
func (g *GitHub) CheckRepoAccess(ctx context.Context, token string, ref RepoRef) error {
	path := fmt.Sprintf("/repos/%s/%s", ref.Owner, ref.Name)
	return g.do(ctx, http.MethodGet, path, token, nil, nil)
}

// ValidateToken checks the token against the authenticated-user endpoint and
// returns the login it belongs to.
func (g *GitHub) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", faults.ErrUnauthorized)
	}
	var resp struct {
		Login string `json:"login"`
	}
	if err := g.do(ctx, http.MethodGet, "/user", token, nil, &resp); err != nil {
		return "", err
	}
	return resp.Login, nil
}
