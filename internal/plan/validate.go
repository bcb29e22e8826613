package plan

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// PlanError describes one static-validation failure.3 and the
// InvalidPlan error taxonomy entry.
type PlanError struct {
	TaskID string
	Reason string
}

func (e PlanError) Error() string {
	if e.TaskID == "" {
		return e.Reason
	}
	return fmt.Sprintf("task %q: %s", e.TaskID, e.Reason)
}

// InvalidPlanError wraps every PlanError found during validation.
type InvalidPlanError struct {
	Errors []PlanError
}

func (e *InvalidPlanError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, pe := range e.Errors {
		msgs[i] = pe.Error()
	}
	return fmt.Sprintf("invalid plan: %s", strings.Join(msgs, "; "))
}

// ExternalInterfaceChecker reports whether a named interface is already
// `ready` in Shared Context, for plans that set AllowExternalInterfaces.
type ExternalInterfaceChecker interface {
	Ready(name string) bool
}

// Validate runs the plan's three static checks: unique identifiers and
// resolvable references, an acyclic dependency graph, and a provider for
// every required interface. external may be nil when
// AllowExternalInterfaces is false. Returns the topological task order on
// success, or an *InvalidPlanError collecting every problem found.
func Validate(p TeamPlan, external ExternalInterfaceChecker) ([]string, error) {
	var errs []PlanError

	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" {
			errs = append(errs, PlanError{Reason: "task has empty ID"})
			continue
		}
		if seen[t.ID] {
			errs = append(errs, PlanError{TaskID: t.ID, Reason: "duplicate task ID"})
			continue
		}
		seen[t.ID] = true
	}

	providers := make(map[string]string) // interface name -> owning task ID
	for _, t := range p.Tasks {
		for _, name := range t.Provides {
			if owner, ok := providers[name]; ok {
				errs = append(errs, PlanError{TaskID: t.ID, Reason: fmt.Sprintf("interface %q already provided by task %q", name, owner)})
				continue
			}
			providers[name] = t.ID
		}
	}

	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				errs = append(errs, PlanError{TaskID: t.ID, Reason: fmt.Sprintf("depends_on references unknown task %q", dep)})
			}
		}
		for _, req := range t.Requires {
			if _, provided := providers[req]; provided {
				continue
			}
			if external != nil && p.AllowExternalInterfaces && external.Ready(req) {
				continue
			}
			errs = append(errs, PlanError{TaskID: t.ID, Reason: fmt.Sprintf("requires interface %q with no provider in plan", req)})
		}
	}

	if len(errs) > 0 {
		return nil, &InvalidPlanError{Errors: errs}
	}

	order, err := topoOrder(p.Tasks)
	if err != nil {
		return nil, &InvalidPlanError{Errors: []PlanError{{Reason: err.Error()}}}
	}

	return order, nil
}

func topoOrder(tasks []Task) ([]string, error) {
	var edges []toposort.Edge
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains a cycle: %w", err)
	}

	order := make([]string, 0, len(tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(byID) {
		return nil, fmt.Errorf("topological sort lost tasks: expected %d, got %d", len(byID), len(order))
	}
	return order, nil
}
