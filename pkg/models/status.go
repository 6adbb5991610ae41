package models

// Task statuses used throughout the codebase. A task only moves forward:
// pending -> running -> {completed, failed, cancelled}.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Terminal reports whether status is one of the three terminal states.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether status is one of the five known states.
func ValidStatus(status string) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Chat message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ValidRole reports whether role is a known chat role.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Default limits.
const (
	DefaultTargetBranch        = "main"
	DefaultPerOwnerLimit       = 3
	DefaultSandboxCapacity     = 8
	DefaultMaxRetries          = 2
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultSSEChannelBuffer    = 256
	DefaultPromptSummaryLen    = 50
)
