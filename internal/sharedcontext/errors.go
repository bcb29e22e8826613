package sharedcontext

import "errors"

// ErrInterfaceConflict is returned when a caller attempts to publish an
// interface it does not own, or re-publish a ready interface without
// bumping the version, per the InterfaceConflict error taxonomy entry.
var ErrInterfaceConflict = errors.New("sharedcontext: interface conflict")

// ErrStaleUpdate is returned by UpdateAgentStatus when an update's sequence
// number does not strictly increase the agent's log, violating the
// per-agent monotonicity invariant.
var ErrStaleUpdate = errors.New("sharedcontext: agent update is not monotonic")
