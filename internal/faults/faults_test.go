package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestTransient(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{ErrRepoAccess, true},
		{ErrNetwork, true},
		{ErrCapacityExceeded, true},
		{ErrTimeout, false},
		{ErrAgentFailure, false},
		{ErrValidation, false},
		{ErrCancelled, false},
		{fmt.Errorf("clone: %w", ErrNetwork), true},
		{fmt.Errorf("agent: %w", ErrAgentFailure), false},
		{errors.New("plain"), false},
	}
	for _, c := range cases {
		if got := Transient(c.err); got != c.want {
			t.Errorf("Transient(%v): got %v, want %v", c.err, got, c.want)
		}
	}
}

func TestValidationf(t *testing.T) {
	t.Parallel()

	err := Validationf("repo_url %q is malformed", "nope")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Validationf result should wrap ErrValidation, got %v", err)
	}
	if want := `validation error: repo_url "nope" is malformed`; err.Error() != want {
		t.Errorf("message: got %q, want %q", err.Error(), want)
	}
}
