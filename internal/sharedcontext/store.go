package sharedcontext

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/clod/orchestrator/internal/events"
)

// Store is the durable, single-writer-gated home of Shared Context. All
// mutating methods take the same mutex; readers outside that gate serve the
// last-committed in-memory snapshot, per the shared-resource policy.
type Store struct {
	mu   sync.Mutex
	path string

	updates    map[string][]AgentUpdate
	interfaces map[string]Interface
	blockers   map[string]Blocker

	bus *events.EventBus // optional; nil disables event publication
}

// SetEventBus attaches an EventBus for observability. Nil-safe: a
// Store with no bus attached behaves exactly as before. Call once, before
// the run starts; not protected against concurrent SetEventBus calls.
func (s *Store) SetEventBus(bus *events.EventBus) {
	s.bus = bus
}

func (s *Store) publish(topic string, event events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, event)
	}
}

// New loads a Store from path if it exists, or initialises an empty one
// otherwise, per the persistence contract.
func New(path string) (*Store, error) {
	s := &Store{
		path:       path,
		updates:    make(map[string][]AgentUpdate),
		interfaces: make(map[string]Interface),
		blockers:   make(map[string]Blocker),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("sharedcontext: failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("sharedcontext: failed to parse %s: %w", path, err)
	}
	if doc.Updates != nil {
		s.updates = doc.Updates
	}
	if doc.Interfaces != nil {
		s.interfaces = doc.Interfaces
	}
	if doc.Blockers != nil {
		s.blockers = doc.Blockers
	}
	return s, nil
}

func blockerKey(taskID, interfaceName string) string {
	return taskID + "\x00" + interfaceName
}

// UpdateAgentStatus appends an event to the agent's log and persists it.
// Rejects updates whose Seq does not strictly exceed the agent's last
// recorded Seq, enforcing the per-agent monotonic-log invariant.
func (s *Store) UpdateAgentStatus(update AgentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.updates[update.AgentID]
	if len(log) > 0 && update.Seq <= log[len(log)-1].Seq {
		return fmt.Errorf("%w: agent %s seq %d <= last seq %d", ErrStaleUpdate, update.AgentID, update.Seq, log[len(log)-1].Seq)
	}

	s.updates[update.AgentID] = append(log, update)

	if len(update.Blockers) > 0 {
		for _, iface := range update.Blockers {
			// declare_blocker without a reason is a shorthand some backends
			// use when the blocker is implicit in the status event itself.
			key := blockerKey(update.AgentID, iface)
			if _, exists := s.blockers[key]; !exists {
				s.blockers[key] = Blocker{TaskID: update.AgentID, InterfaceName: iface, Reason: update.Message, DeclaredAt: update.Timestamp}
			}
		}
	}

	return s.persistLocked()
}

// RegisterInterface inserts or replaces the record for iface.Name. A caller
// may only replace a record it owns; see ErrInterfaceConflict. Publishing
// draft -> ready bumps Version; republishing ready with an unchanged
// Version is rejected. A later republish while consumers are already
// running is accepted but advisory only: running consumers are not
// notified.
func (s *Store) RegisterInterface(iface Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.interfaces[iface.Name]
	if exists {
		if existing.Owner != iface.Owner {
			return fmt.Errorf("%w: %q is owned by %q, not %q", ErrInterfaceConflict, iface.Name, existing.Owner, iface.Owner)
		}
		if existing.Status == InterfaceReady && iface.Status == InterfaceReady && iface.Version <= existing.Version {
			return fmt.Errorf("%w: %q is already ready at version %d", ErrInterfaceConflict, iface.Name, existing.Version)
		}
		if existing.Status == InterfaceDraft && iface.Status == InterfaceReady && iface.Version <= existing.Version {
			iface.Version = existing.Version + 1
		}
	}

	s.interfaces[iface.Name] = iface
	s.publish(events.TopicInterface, events.InterfaceRegisteredEvent{
		Name:      iface.Name,
		Owner:     iface.Owner,
		Status:    string(iface.Status),
		Version:   iface.Version,
		Timestamp: time.Now(),
	})

	if iface.Status == InterfaceReady {
		for key, b := range s.blockers {
			if b.InterfaceName == iface.Name {
				delete(s.blockers, key)
				s.publish(events.TopicBlocker, events.BlockerResolvedEvent{
					TaskID_:       b.TaskID,
					InterfaceName: b.InterfaceName,
					Implicit:      true,
					Timestamp:     time.Now(),
				})
			}
		}
	}

	return s.persistLocked()
}

// GetInterface returns the current record for name, if any.
func (s *Store) GetInterface(name string) (Interface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iface, ok := s.interfaces[name]
	return iface, ok
}

// Ready reports whether the named interface is currently ready. Satisfies
// scheduler.InterfaceChecker and plan.ExternalInterfaceChecker.
func (s *Store) Ready(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	iface, ok := s.interfaces[name]
	return ok && iface.Status == InterfaceReady
}

// GetAgentArtifacts returns the artifacts attached to an agent's latest
// update, if any.
func (s *Store) GetAgentArtifacts(agentID string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.updates[agentID]
	if len(log) == 0 {
		return nil, false
	}
	last := log[len(log)-1]
	return last.Artifacts, last.Artifacts != nil
}

// CheckDependencies partitions required interfaces into ready and pending.
func (s *Store) CheckDependencies(agentID string, required []string) (ready []string, pending []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range required {
		if iface, ok := s.interfaces[name]; ok && iface.Status == InterfaceReady {
			ready = append(ready, name)
		} else {
			pending = append(pending, name)
		}
	}
	return ready, pending
}

// DeclareBlocker records that taskID cannot proceed pending interfaceName.
func (s *Store) DeclareBlocker(b Blocker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockers[blockerKey(b.TaskID, b.InterfaceName)] = b
	s.publish(events.TopicBlocker, events.BlockerDeclaredEvent{
		TaskID_:       b.TaskID,
		InterfaceName: b.InterfaceName,
		Reason:        b.Reason,
		Timestamp:     time.Now(),
	})
	return s.persistLocked()
}

// ResolveBlocker purges a blocker record explicitly (operator intervention;
// the implicit path is the interface reaching ready, handled in
// RegisterInterface).
func (s *Store) ResolveBlocker(taskID, interfaceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := blockerKey(taskID, interfaceName)
	if _, existed := s.blockers[key]; existed {
		delete(s.blockers, key)
		s.publish(events.TopicBlocker, events.BlockerResolvedEvent{
			TaskID_:       taskID,
			InterfaceName: interfaceName,
			Implicit:      false,
			Timestamp:     time.Now(),
		})
	}
	return s.persistLocked()
}

// Blockers returns every currently outstanding blocker for a task.
func (s *Store) Blockers(taskID string) []Blocker {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Blocker
	for _, b := range s.blockers {
		if b.TaskID == taskID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InterfaceName < out[j].InterfaceName })
	return out
}

// ExportSummary returns a structured snapshot for observers.
func (s *Store) ExportSummary() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make(map[string]AgentUpdate, len(s.updates))
	for id, log := range s.updates {
		if len(log) > 0 {
			agents[id] = log[len(log)-1]
		}
	}

	interfaces := make(map[string]Interface, len(s.interfaces))
	for k, v := range s.interfaces {
		interfaces[k] = v
	}

	blockers := make([]Blocker, 0, len(s.blockers))
	for _, b := range s.blockers {
		blockers = append(blockers, b)
	}
	sort.Slice(blockers, func(i, j int) bool {
		if blockers[i].TaskID != blockers[j].TaskID {
			return blockers[i].TaskID < blockers[j].TaskID
		}
		return blockers[i].InterfaceName < blockers[j].InterfaceName
	})

	return Snapshot{Agents: agents, Interfaces: interfaces, Blockers: blockers}
}
