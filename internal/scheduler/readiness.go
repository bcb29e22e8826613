package scheduler

import "sort"

// EligibleWithInterfaces is the interface-aware counterpart to Eligible.
// A task whose DependsOn are all resolved but whose RequiresInterfaces are
// not yet ready (per checker) is reported as blocked rather than eligible.
// checker may be nil, in which case this behaves exactly like Eligible.
func (d *DAG) EligibleWithInterfaces(checker InterfaceChecker) (eligible []*Task, blocked []*Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, task := range d.tasks {
		if task.Status != TaskPending && task.Status != TaskBlocked {
			continue
		}

		depsResolved := true
		for _, depID := range task.DependsOn {
			dep, exists := d.tasks[depID]
			if !exists || !d.isDependencyResolved(dep) {
				depsResolved = false
				break
			}
		}
		if !depsResolved {
			if task.Status == TaskBlocked {
				task.Status = TaskPending
			}
			continue
		}

		if checker != nil && !interfacesReady(checker, task.RequiresInterfaces) {
			task.Status = TaskBlocked
			blocked = append(blocked, cloneTask(task))
			continue
		}

		if task.Status == TaskBlocked {
			task.Status = TaskPending
		}
		eligible = append(eligible, cloneTask(task))
	}

	sortByPriority(eligible)
	return eligible, blocked
}

func interfacesReady(checker InterfaceChecker, names []string) bool {
	for _, name := range names {
		if !checker.Ready(name) {
			return false
		}
	}
	return true
}

// sortByPriority orders ready tasks by higher Priority first, then by ID.
// The dispatch loop reorders its ready set with SortReadyByPath, which puts
// the remaining path ahead of Priority.
func sortByPriority(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// RemainingPath returns, for each task ID, the length of the longest chain
// of not-yet-terminal dependents reachable from it. SortReadyByPath uses it
// as the first ordering key of the dispatch loop: admitting the task that
// unblocks the deepest remaining chain first tends to shorten the critical
// path of the overall run.
func (d *DAG) RemainingPath() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	memo := make(map[string]int, len(d.tasks))
	var depth func(id string) int
	depth = func(id string) int {
		if v, ok := memo[id]; ok {
			return v
		}
		memo[id] = 0 // break cycles defensively; Validate should have caught real ones
		best := 0
		for _, childID := range d.dependents[id] {
			if child, ok := d.tasks[childID]; ok && isNonTerminal(child.Status) {
				if v := depth(childID) + 1; v > best {
					best = v
				}
			}
		}
		memo[id] = best
		return best
	}

	paths := make(map[string]int, len(d.tasks))
	for id := range d.tasks {
		paths[id] = depth(id)
	}
	return paths
}

func isNonTerminal(s TaskStatus) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return false
	default:
		return true
	}
}

// SortReadyByPath orders ready tasks by RemainingPath descending, falling
// back to Priority then ID. Call after EligibleWithInterfaces when the
// caller wants the deepest-chain-first tiebreak instead of priority-only.
func (d *DAG) SortReadyByPath(ready []*Task) {
	paths := d.RemainingPath()
	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := paths[ready[i].ID], paths[ready[j].ID]
		if pi != pj {
			return pi > pj
		}
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
}

// Deadlocked reports whether the DAG can make no further progress: no task
// is running, none are eligible or blocked-but-satisfiable, and at least
// one task remains non-terminal. A true result almost always indicates a
// blocked task whose required interface will never become ready (its
// owning task failed FailHard or was itself cancelled).
func (d *DAG) Deadlocked(checker InterfaceChecker) bool {
	d.mu.RLock()
	running := 0
	var pendingOrBlocked []*Task
	for _, task := range d.tasks {
		switch task.Status {
		case TaskRunning:
			running++
		case TaskPending, TaskBlocked:
			pendingOrBlocked = append(pendingOrBlocked, task)
		}
	}
	d.mu.RUnlock()

	if running > 0 || len(pendingOrBlocked) == 0 {
		return false
	}

	eligible, _ := d.EligibleWithInterfaces(checker)
	return len(eligible) == 0
}

// CancelDependents marks every transitive dependent of a FailHard failure
// as TaskCancelled, and returns their IDs. Dependents already terminal are
// left untouched. Safe to call once per failure; calling it again is a
// no-op since cancelled tasks are terminal.
func (d *DAG) CancelDependents(taskID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cancelled []string
	var walk func(id string)
	walk = func(id string) {
		for _, childID := range d.dependents[id] {
			child, ok := d.tasks[childID]
			if !ok || !isNonTerminal(child.Status) {
				continue
			}
			child.Status = TaskCancelled
			cancelled = append(cancelled, childID)
			walk(childID)
		}
	}
	walk(taskID)
	return cancelled
}
