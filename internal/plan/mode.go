package plan

// EffectiveMaxParallel resolves the run's max_parallel option against the
// plan's execution_mode: sequential always forces
// a worker pool of one regardless of what the caller requested; smart and
// parallel both honor the requested bound (smart's dependency-driven
// dispatch already serialises anything that must be serial).
func EffectiveMaxParallel(mode ExecutionMode, requested int) int {
	if requested < 1 {
		requested = 1
	}
	if mode == ModeSequential {
		return 1
	}
	return requested
}

// ApplyMode returns a copy of the plan with DependsOn adjusted for the
// declared execution_mode. `parallel` ignores the author's depends_on
// entirely -- every task runs as soon as it is pending, a potentially
// unsafe mode the operator opts into explicitly; `sequential` and `smart`
// leave depends_on untouched — sequential's serial behavior falls out of
// EffectiveMaxParallel returning 1, not from rewriting the graph.
func ApplyMode(p TeamPlan) TeamPlan {
	if p.ExecutionMode != ModeParallel {
		return p
	}

	out := p
	out.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		t.DependsOn = nil
		out.Tasks[i] = t
	}
	return out
}
