// Package fault defines the typed error taxonomy surfaced by the engine.
// Callers classify failures with errors.As; only TaskAlreadyAssignedError
// is meant to be retried (with a different bid) after refreshing state.
package fault

import "fmt"

// ValidationError marks malformed input, rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// AuthorizationError marks an actor without standing on an entity.
type AuthorizationError struct {
	ActorID    string
	EntityKind string
	EntityID   string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s has no standing on %s %s", e.ActorID, e.EntityKind, e.EntityID)
}

// InvalidTransitionError marks a state-machine edge that is not permitted,
// including gating failures ("not allowed right now").
type InvalidTransitionError struct {
	EntityKind string
	From       string
	To         string
	Reason     string
}

func (e InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s transition %s -> %s: %s", e.EntityKind, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid %s transition %s -> %s", e.EntityKind, e.From, e.To)
}

// ConflictError marks a uniqueness violation (duplicate bid, duplicate
// payment) or a write lost to a concurrent writer of the same row.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Reason)
}

// TaskAlreadyAssignedError is the optimistic-lock loss on bid accept:
// another accept committed first. Distinct from ConflictError because the
// caller should refresh and may legitimately retry a different bid.
type TaskAlreadyAssignedError struct {
	TaskID string
}

func (e TaskAlreadyAssignedError) Error() string {
	return fmt.Sprintf("task %s is already assigned", e.TaskID)
}

// GatewayError marks a payment-gateway capture failure. No local state
// changed besides the failed audit row.
type GatewayError struct {
	Reason string
}

func (e GatewayError) Error() string {
	return fmt.Sprintf("payment gateway: %s", e.Reason)
}
