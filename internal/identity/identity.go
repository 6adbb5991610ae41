// Package identity resolves the requesting user for every API call. The
// resolution strategy is chosen once at startup: header-based identity in
// normal operation, or a fixed local identity when auth is disabled.
package identity

import (
	"net/http"
	"strings"

	"github.com/seanGSISG/async-code/internal/faults"
)

// UserHeader carries the caller's user id on every request.
const UserHeader = "X-User-ID"

// LocalUser is the fixed identity used when auth is disabled.
const LocalUser = "local-user"

// Resolver maps an incoming request to an owner id.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// ProfileSyncHook is invoked by the boundary layer whenever an identity is
// resolved, replacing implicit storage-side profile mirroring. A nil hook is
// skipped.
type ProfileSyncHook func(userID string)

// HeaderResolver reads the user id from the X-User-ID header and rejects
// requests without one.
type HeaderResolver struct {
	Sync ProfileSyncHook
}

func (h HeaderResolver) Resolve(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(UserHeader))
	if id == "" {
		return "", faults.ErrUnauthorized
	}
	if h.Sync != nil {
		h.Sync(id)
	}
	return id, nil
}

// StaticResolver returns the same identity for every request. Used when auth
// is disabled (single-user local mode).
type StaticResolver struct {
	UserID string
	Sync   ProfileSyncHook
}

func (s StaticResolver) Resolve(r *http.Request) (string, error) {
	id := s.UserID
	if id == "" {
		id = LocalUser
	}
	if s.Sync != nil {
		s.Sync(id)
	}
	return id, nil
}

// ForConfig selects the resolver strategy: static when authDisabled, header
// otherwise.
func ForConfig(authDisabled bool, sync ProfileSyncHook) Resolver {
	if authDisabled {
		return StaticResolver{UserID: LocalUser, Sync: sync}
	}
	return HeaderResolver{Sync: sync}
}
