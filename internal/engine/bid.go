package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"taskmarket/internal/domain"
	"taskmarket/internal/engine/fault"
	"taskmarket/internal/events"
	"taskmarket/internal/repo"
	"taskmarket/internal/telemetry"
)

type SubmitBidParams struct {
	TaskID     string
	ProviderID string
	Amount     decimal.Decimal
	Message    string
}

// SubmitBid places a pending bid on an open task. One pending bid per
// (task, provider): the check runs under the store's uniqueness
// constraint, so two racing submissions cannot both land.
func (e *Engine) SubmitBid(ctx context.Context, p SubmitBidParams) (domain.Bid, error) {
	if p.ProviderID == "" {
		return domain.Bid{}, fault.ValidationError{Field: "provider_id", Reason: "is required"}
	}
	if p.Amount.LessThan(e.Config.BidMin()) || p.Amount.GreaterThan(e.Config.BidMax()) {
		return domain.Bid{}, fault.ValidationError{
			Field:  "amount",
			Reason: "must be between " + e.Config.BidMin().String() + " and " + e.Config.BidMax().String(),
		}
	}

	t, err := e.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return domain.Bid{}, err
	}
	if p.ProviderID == t.ClientID {
		return domain.Bid{}, fault.ValidationError{Field: "provider_id", Reason: "cannot bid on own task"}
	}
	if t.Status != domain.TaskOpen {
		return domain.Bid{}, fault.InvalidTransitionError{
			EntityKind: "task", From: t.Status, To: t.Status,
			Reason: "bids are only accepted on open tasks",
		}
	}

	now := e.nowTime()
	b := domain.Bid{
		ID:         uuid.New().String(),
		TaskID:     t.ID,
		ProviderID: p.ProviderID,
		Amount:     p.Amount,
		Message:    p.Message,
		Status:     domain.BidPending,
		CreatedAt:  now.Format(time.RFC3339),
		ExpiresAt:  now.AddDate(0, 0, e.Config.Bids.TTLDays).Format(time.RFC3339),
	}
	ok, err := e.Bids.InsertPending(ctx, b)
	if err != nil {
		return domain.Bid{}, err
	}
	if !ok {
		// Task closed between the read above and the insert.
		return domain.Bid{}, fault.InvalidTransitionError{
			EntityKind: "task", From: t.Status, To: t.Status,
			Reason: "bids are only accepted on open tasks",
		}
	}
	telemetry.BidsSubmitted.Inc()
	e.emit(ctx, events.Event{
		Type:       events.BidSubmitted,
		TaskID:     t.ID,
		EntityKind: "bid",
		EntityID:   b.ID,
		ActorID:    p.ProviderID,
		Payload:    map[string]any{"amount": b.Amount.String()},
	})
	return b, nil
}

type RespondToBidParams struct {
	BidID   string
	ActorID string
	Accept  bool
	Note    string
}

// RespondToBid accepts or rejects a pending bid on behalf of the task's
// client. Acceptance runs the single-acceptance protocol: of N accepts
// racing on bids of the same task, exactly one wins; the rest fail with
// TaskAlreadyAssignedError and must refresh state before retrying.
func (e *Engine) RespondToBid(ctx context.Context, p RespondToBidParams) (domain.Bid, error) {
	b, err := e.Bids.Get(ctx, p.BidID)
	if err != nil {
		return domain.Bid{}, err
	}
	t, err := e.Tasks.Get(ctx, b.TaskID)
	if err != nil {
		return domain.Bid{}, err
	}
	if p.ActorID != t.ClientID {
		return domain.Bid{}, fault.AuthorizationError{ActorID: p.ActorID, EntityKind: "bid", EntityID: b.ID}
	}

	now := e.now()
	if !p.Accept {
		if t.Status != domain.TaskOpen {
			return domain.Bid{}, fault.InvalidTransitionError{
				EntityKind: "task", From: t.Status, To: t.Status,
				Reason: "bids can only be responded to on open tasks",
			}
		}
		if b.Status != domain.BidPending {
			return domain.Bid{}, fault.InvalidTransitionError{
				EntityKind: "bid", From: b.Status, To: domain.BidRejected,
				Reason: "bid already responded to",
			}
		}
		ok, err := e.Bids.Reject(ctx, b.ID, p.Note, now)
		if err != nil {
			return domain.Bid{}, err
		}
		if !ok {
			return domain.Bid{}, fault.ConflictError{Resource: "bid", Reason: "bid is no longer pending"}
		}
		e.emit(ctx, events.Event{
			Type:       events.BidRejected,
			TaskID:     t.ID,
			EntityKind: "bid",
			EntityID:   b.ID,
			ActorID:    p.ActorID,
			Payload:    map[string]any{"provider_id": b.ProviderID},
		})
		return e.Bids.Get(ctx, b.ID)
	}

	// Task state is checked before the bid state so a caller whose bid
	// was auto-rejected by a competing accept sees the assignment
	// conflict, not a generic "already responded" rejection.
	switch t.Status {
	case domain.TaskOpen:
	case domain.TaskCancelled:
		return domain.Bid{}, fault.InvalidTransitionError{
			EntityKind: "task", From: t.Status, To: domain.TaskAssigned,
			Reason: "task is cancelled",
		}
	default:
		return domain.Bid{}, fault.TaskAlreadyAssignedError{TaskID: t.ID}
	}
	if b.Status != domain.BidPending {
		return domain.Bid{}, fault.InvalidTransitionError{
			EntityKind: "bid", From: b.Status, To: domain.BidAccepted,
			Reason: "bid already responded to",
		}
	}
	if b.ExpiresAt <= now {
		return domain.Bid{}, fault.InvalidTransitionError{
			EntityKind: "bid", From: b.Status, To: domain.BidAccepted,
			Reason: "bid has expired",
		}
	}

	ok, err := e.Bids.Accept(ctx, repo.AcceptParams{
		TaskID:         t.ID,
		BidID:          b.ID,
		ProviderID:     b.ProviderID,
		RespondedAt:    now,
		ResponseNote:   p.Note,
		AutoRejectNote: "another bid was accepted",
	})
	if err != nil {
		return domain.Bid{}, err
	}
	if !ok {
		// Lost the compare-and-swap: another accept committed first.
		telemetry.AcceptConflicts.Inc()
		return domain.Bid{}, fault.TaskAlreadyAssignedError{TaskID: t.ID}
	}

	e.emit(ctx, events.Event{
		Type:       events.BidAccepted,
		TaskID:     t.ID,
		EntityKind: "bid",
		EntityID:   b.ID,
		ActorID:    p.ActorID,
		Payload:    map[string]any{"provider_id": b.ProviderID, "amount": b.Amount.String()},
	})
	e.emit(ctx, events.Event{
		Type:       events.TaskAssigned,
		TaskID:     t.ID,
		EntityKind: "task",
		EntityID:   t.ID,
		ActorID:    p.ActorID,
		Payload:    map[string]any{"old_status": domain.TaskOpen, "new_status": domain.TaskAssigned, "provider_id": b.ProviderID},
	})
	return e.Bids.Get(ctx, b.ID)
}

type WithdrawBidParams struct {
	BidID   string
	ActorID string
	Reason  string
}

// WithdrawBid retracts the provider's own pending bid, freeing the
// (task, provider) slot for a later re-bid.
func (e *Engine) WithdrawBid(ctx context.Context, p WithdrawBidParams) (domain.Bid, error) {
	b, err := e.Bids.Get(ctx, p.BidID)
	if err != nil {
		return domain.Bid{}, err
	}
	if p.ActorID != b.ProviderID {
		return domain.Bid{}, fault.AuthorizationError{ActorID: p.ActorID, EntityKind: "bid", EntityID: b.ID}
	}
	if b.Status != domain.BidPending {
		return domain.Bid{}, fault.InvalidTransitionError{
			EntityKind: "bid", From: b.Status, To: domain.BidWithdrawn,
			Reason: "only pending bids can be withdrawn",
		}
	}
	now := e.now()
	ok, err := e.Bids.Withdraw(ctx, b.ID, b.TaskID, p.Reason, now)
	if err != nil {
		return domain.Bid{}, err
	}
	if !ok {
		return domain.Bid{}, fault.ConflictError{Resource: "bid", Reason: "bid is no longer pending"}
	}
	e.emit(ctx, events.Event{
		Type:       events.BidWithdrawn,
		TaskID:     b.TaskID,
		EntityKind: "bid",
		EntityID:   b.ID,
		ActorID:    p.ActorID,
	})
	return e.Bids.Get(ctx, b.ID)
}
