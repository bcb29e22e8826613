package orchestrator

import (
	"github.com/clod/orchestrator/internal/plan"
	"github.com/clod/orchestrator/internal/scheduler"
)

// buildDAG derives the scheduler's runtime task graph from a validated
// plan, per the doc comment on plan.Task: "The scheduler's runtime Task
// is derived from this one at plan-load time." Every task defaults to
// FailHard so that a failure cascades to TaskCancelled dependents
// rather than leaving them pending forever; a plan has no per-task
// override for this today.
func buildDAG(p plan.TeamPlan) (*scheduler.DAG, error) {
	dag := scheduler.NewDAG()
	for _, t := range p.Tasks {
		task := &scheduler.Task{
			ID:                 t.ID,
			Name:               t.ID,
			AgentRole:          t.Role,
			Prompt:             t.Description,
			DependsOn:          t.DependsOn,
			WritesFiles:        t.ScopeHint,
			RequiresInterfaces: t.Requires,
			ProvidesInterfaces: t.Provides,
			Priority:           t.Priority,
			Status:             scheduler.TaskPending,
			FailureMode:        scheduler.FailHard,
		}
		if err := dag.AddTask(task); err != nil {
			return nil, err
		}
	}
	return dag, nil
}
