// Package plan holds the static, validated representation of a team plan:
// the tasks an operator hands to the orchestrator before any scheduling or
// worktree creation happens.
package plan

import "time"

// ExecutionMode tags how the scheduler should treat DependsOn, see mode.go.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModeSmart      ExecutionMode = "smart"
)

// Task is the static description of one unit of work, before it has been
// assigned a worktree or dispatched. The scheduler's runtime Task
// (internal/scheduler.Task) is derived from this one at plan-load time.
type Task struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Description string `json:"description"`

	DependsOn []string `json:"depends_on,omitempty"`

	Provides []string `json:"provides,omitempty"`
	Requires []string `json:"requires,omitempty"`

	// ScopeHint lists file paths the task is authorised to touch. Advisory:
	// enforced by the agent backend, not the scheduler.
	ScopeHint []string `json:"scope_hint,omitempty"`

	// Priority breaks ties among simultaneously-ready tasks. Higher runs
	// first. Defaults to 0.
	Priority int `json:"priority,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TeamPlan is the top-level unit the orchestrator facade accepts: an
// ordered sequence of tasks plus run-wide settings.
type TeamPlan struct {
	ProjectPath     string        `json:"project_path"`
	MainDescription string        `json:"main_description"`
	ExecutionMode   ExecutionMode `json:"execution_mode"`
	Tasks           []Task        `json:"tasks"`

	// AllowExternalInterfaces permits a required interface to be satisfied
	// by something already `ready` in Shared Context at start-of-run,
	// instead of requiring a task in this plan to provide it.
	AllowExternalInterfaces bool `json:"allow_external_interfaces,omitempty"`
}

// InterfaceKind tags the nature of a published contract.
type InterfaceKind string

const (
	KindAPI     InterfaceKind = "api"
	KindSchema  InterfaceKind = "schema"
	KindEvent   InterfaceKind = "event"
	KindLibrary InterfaceKind = "library"
)
