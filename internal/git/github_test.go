package git

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seanGSISG/async-code/internal/faults"
)

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		in      string
		want    RepoRef
		wantErr bool
	}{
		{"https://github.com/acme/widgets", RepoRef{"acme", "widgets"}, false},
		{"https://github.com/acme/widgets.git", RepoRef{"acme", "widgets"}, false},
		{"git@github.com:acme/widgets.git", RepoRef{"acme", "widgets"}, false},
		{"https://github.com/acme", RepoRef{}, true},
		{"ftp://github.com/acme/widgets", RepoRef{}, true},
		{"", RepoRef{}, true},
	}
	for _, tt := range tests {
		got, err := ParseRepoURL(tt.in)
		if tt.wantErr {
			if !errors.Is(err, faults.ErrValidation) {
				t.Errorf("ParseRepoURL(%q): got err %v, want ErrValidation", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRepoURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRepoURL(%q): got %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestPRTitle_truncation(t *testing.T) {
	long := strings.Repeat("a", 80)
	got := PRTitle(long)
	want := "Claude Code: " + strings.Repeat("a", 50) + "..."
	if got != want {
		t.Errorf("PRTitle: got %q, want %q", got, want)
	}
	short := PRTitle("fix bug")
	if short != "Claude Code: fix bug" {
		t.Errorf("PRTitle short: got %q", short)
	}
}

func TestPRBody(t *testing.T) {
	body := PRBody("fix bug", []string{"a.go", "b.go"})
	for _, want := range []string{"fix bug", "- `a.go`", "- `b.go`"} {
		if !strings.Contains(body, want) {
			t.Errorf("PRBody missing %q in %q", want, body)
		}
	}
}

func TestOpenPullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/pulls" {
			t.Errorf("path: got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header: got %q", got)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["head"] != "async-code/T1-fix" || req["base"] != "main" {
			t.Errorf("request: %v", req)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"html_url": "https://github.com/acme/widgets/pull/7",
		})
	}))
	defer srv.Close()

	gh := &GitHub{BaseURL: srv.URL, Client: srv.Client()}
	pr, err := gh.OpenPullRequest(context.Background(), "tok", RepoRef{"acme", "widgets"}, "async-code/T1-fix", "main", "title", "body")
	if err != nil {
		t.Fatalf("OpenPullRequest: %v", err)
	}
	if pr.Number != 7 || pr.URL != "https://github.com/acme/widgets/pull/7" {
		t.Errorf("pr: %+v", pr)
	}
}

func TestValidateToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer good" {
			_ = json.NewEncoder(w).Encode(map[string]string{"login": "octocat"})
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	gh := &GitHub{BaseURL: srv.URL, Client: srv.Client()}

	login, err := gh.ValidateToken(context.Background(), "good")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if login != "octocat" {
		t.Errorf("login: got %q", login)
	}

	if _, err := gh.ValidateToken(context.Background(), "bad"); !errors.Is(err, faults.ErrUnauthorized) {
		t.Errorf("bad token: got %v, want ErrUnauthorized", err)
	}
	if _, err := gh.ValidateToken(context.Background(), ""); !errors.Is(err, faults.ErrUnauthorized) {
		t.Errorf("empty token: got %v, want ErrUnauthorized", err)
	}
}
