// Package events carries marketplace lifecycle events from the engine to
// one or more sinks. Emission is fire-and-forget: the engine calls Emit
// after its own state change has committed, and a sink failure is logged
// but never surfaces as a business error.
package events

import "context"

// Event types emitted by the engine.
const (
	TaskCreated     = "task.created"
	TaskAssigned    = "task.assigned"
	TaskStarted     = "task.started"
	TaskCompleted   = "task.completed"
	TaskCancelled   = "task.cancelled"
	TaskExpired     = "task.expired"
	BidSubmitted    = "bid.submitted"
	BidAccepted     = "bid.accepted"
	BidRejected     = "bid.rejected"
	BidWithdrawn    = "bid.withdrawn"
	EscrowHeld      = "escrow.held"
	EscrowFailed    = "escrow.failed"
	PaymentReleased = "payment.released"
	PaymentRefunded = "payment.refunded"
	PaymentDisputed = "payment.disputed"
)

type Event struct {
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Sink consumes emitted events. Implementations must return quickly;
// anything slow should hand off internally.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Fanout delivers each event to every sink, collecting nothing: the
// first error is returned for logging but later sinks still run.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, e Event) error {
	var first error
	for _, s := range f {
		if err := s.Emit(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
