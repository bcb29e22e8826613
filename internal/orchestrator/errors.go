package orchestrator

import "errors"

// ErrCancelled is returned by Run when the caller's Cancel method stopped
// the run before every task reached a terminal state, per the Cancelled
// error taxonomy entry.
var ErrCancelled = errors.New("orchestrator: run cancelled")

// AgentFailureError wraps a task failure that the scheduler's FailureMode
// did not absorb, per the AgentFailure(reason) error taxonomy entry.
type AgentFailureError struct {
	TaskID string
	Reason string
}

func (e *AgentFailureError) Error() string {
	return "agent failure on task " + e.TaskID + ": " + e.Reason
}
