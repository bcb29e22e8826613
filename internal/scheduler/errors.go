package scheduler

import "strings"

// DeadlockError is returned by the dispatch loop when the ready set is
// empty, nothing is running, and at least one task remains non-terminal.
type DeadlockError struct {
	StuckTasks []string
}

func (e *DeadlockError) Error() string {
	return "deadlock: no task is ready or running, stuck: " + strings.Join(e.StuckTasks, ", ")
}
