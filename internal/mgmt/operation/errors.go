package operation

import (
	"errors"
	"fmt"
)

// Transport-level failures.
var (
	// ErrAgentDisconnected indicates the link is currently down.
	ErrAgentDisconnected = errors.New("agent disconnected")

	// ErrAgentTimeout indicates no ack or response arrived in time.
	ErrAgentTimeout = errors.New("agent timed out")
)

// Operation-level failures reported by the agent.
var (
	ErrConflictingOperation = errors.New("conflicting operation in progress")
	ErrMissingSecrets       = errors.New("agent secrets not configured")
	ErrNotInstalled         = errors.New("no version installed")
	ErrSaveNotFound         = errors.New("savefile not found")
)

// AgentError wraps a Failed terminal's diagnostic text.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent error: %s", e.Message)
}
