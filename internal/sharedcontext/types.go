// Package sharedcontext is the single source of cross-agent truth during a
// team run: agent status updates, the interface draft->ready registry, and
// blocker bookkeeping, backed by an atomically-written JSON file.
package sharedcontext

import (
	"encoding/json"
	"time"
)

// InterfaceStatus is the draft->ready->deprecated lifecycle.
type InterfaceStatus string

const (
	InterfaceDraft      InterfaceStatus = "draft"
	InterfaceReady      InterfaceStatus = "ready"
	InterfaceDeprecated InterfaceStatus = "deprecated"
)

// AgentUpdate is one event in an agent's append-only status log.
type AgentUpdate struct {
	AgentID   string          `json:"agent_id"`
	Role      string          `json:"role"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int             `json:"seq"` // per-agent monotonic sequence, enforced on append
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Artifacts json.RawMessage `json:"artifacts,omitempty"`
	Blockers  []string        `json:"blockers,omitempty"`
}

// Interface is a shared contract published by one task and consumed by
// others.
type Interface struct {
	Name    string          `json:"name"`
	Kind    string          `json:"kind"`
	Owner   string          `json:"owner_task_id"`
	Spec    json.RawMessage `json:"spec,omitempty"`
	Status  InterfaceStatus `json:"status"`
	Version int             `json:"version"`
}

// Blocker is a recorded inability to proceed pending an interface.
type Blocker struct {
	TaskID        string    `json:"task_id"`
	InterfaceName string    `json:"interface_name"`
	Reason        string    `json:"reason"`
	DeclaredAt    time.Time `json:"declared_at"`
}

// Snapshot is the structured shape returned by ExportSummary, for
// observers.
type Snapshot struct {
	Agents     map[string]AgentUpdate `json:"agents"` // latest update per agent
	Interfaces map[string]Interface   `json:"interfaces"`
	Blockers   []Blocker              `json:"blockers"`
}

// document is the on-disk shape persisted under shared_context.json.
type document struct {
	Updates    map[string][]AgentUpdate `json:"updates"`
	Interfaces map[string]Interface    `json:"interfaces"`
	Blockers   map[string]Blocker      `json:"blockers"` // keyed by taskID+"\x00"+interfaceName
}
