package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskmarket/internal/domain"
	"taskmarket/internal/engine/fault"
	"taskmarket/internal/events"
	"taskmarket/internal/payments"
	"taskmarket/internal/telemetry"
)

type FundEscrowParams struct {
	TaskID     string
	ActorID    string
	ProviderID string
	Method     string
}

// FundEscrow captures the task budget through the payment gateway and
// records the held payment. The gateway is called before the payment
// row is written, so no database transaction spans the external call;
// the gateway reference is keyed by task, making a retried capture
// after a crash idempotent on the gateway side. A gateway failure
// leaves a failed audit row, which the uniqueness constraint ignores so
// funding can be retried.
func (e *Engine) FundEscrow(ctx context.Context, p FundEscrowParams) (domain.Payment, error) {
	if p.Method == "" {
		return domain.Payment{}, fault.ValidationError{Field: "method", Reason: "is required"}
	}
	t, err := e.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.ActorID != t.ClientID {
		return domain.Payment{}, fault.AuthorizationError{ActorID: p.ActorID, EntityKind: "task", EntityID: t.ID}
	}
	if t.Status != domain.TaskAssigned && t.Status != domain.TaskInProgress {
		return domain.Payment{}, fault.InvalidTransitionError{
			EntityKind: "payment", From: t.Status, To: domain.PaymentHeld,
			Reason: "escrow can only be funded for assigned or in-progress tasks",
		}
	}
	if t.AssignedProviderID == nil || p.ProviderID != *t.AssignedProviderID {
		return domain.Payment{}, fault.ValidationError{Field: "provider_id", Reason: "does not match the assigned provider"}
	}
	if _, err := e.Payments.GetByTask(ctx, t.ID); err == nil {
		return domain.Payment{}, fault.ConflictError{Resource: "payment", Reason: "task already has a payment"}
	}

	amount := t.Budget
	commission := amount.Mul(t.CommissionRate).Round(2)
	providerAmount := amount.Sub(commission)

	now := e.nowTime()
	ts := now.Format(time.RFC3339)
	pay := domain.Payment{
		ID:               uuid.New().String(),
		TaskID:           t.ID,
		ClientID:         t.ClientID,
		ProviderID:       p.ProviderID,
		Amount:           amount,
		CommissionAmount: commission,
		ProviderAmount:   providerAmount,
		Method:           p.Method,
		CreatedAt:        ts,
	}

	res, gerr := e.Gateway.AuthorizeAndCapture(ctx, payments.CaptureRequest{
		Reference: t.ID,
		Amount:    amount,
		Method:    p.Method,
	})
	if gerr != nil {
		telemetry.EscrowCaptureFailures.Inc()
		pay.Status = domain.PaymentFailed
		if err := e.Payments.Insert(ctx, pay); err != nil {
			e.logger().Warn("failed payment audit row not written", "task_id", t.ID, "error", err)
		}
		e.emit(ctx, events.Event{
			Type:       events.EscrowFailed,
			TaskID:     t.ID,
			EntityKind: "payment",
			EntityID:   pay.ID,
			ActorID:    p.ActorID,
			Payload:    map[string]any{"reason": gerr.Error()},
		})
		return domain.Payment{}, fault.GatewayError{Reason: gerr.Error()}
	}

	release := now.AddDate(0, 0, e.Config.Escrow.AutoReleaseDays).Format(time.RFC3339)
	pay.Status = domain.PaymentHeld
	pay.GatewayRef = &res.GatewayRef
	pay.HeldAt = &ts
	pay.ReleaseScheduledAt = &release
	if err := e.Payments.Insert(ctx, pay); err != nil {
		return domain.Payment{}, err
	}
	telemetry.EscrowHeld.Inc()
	e.emit(ctx, events.Event{
		Type:       events.EscrowHeld,
		TaskID:     t.ID,
		EntityKind: "payment",
		EntityID:   pay.ID,
		ActorID:    p.ActorID,
		Payload: map[string]any{
			"amount":            pay.Amount.String(),
			"commission_amount": pay.CommissionAmount.String(),
			"provider_amount":   pay.ProviderAmount.String(),
		},
	})
	return pay, nil
}

type SettleParams struct {
	PaymentID string
	ActorID   string
	Reason    string
}

// ReleaseEscrow pays out a held payment for a completed task. The held
// check rides on the status compare-and-swap, so a second release (or a
// release racing a refund) fails instead of double-applying.
func (e *Engine) ReleaseEscrow(ctx context.Context, p SettleParams) (domain.Payment, error) {
	pay, t, err := e.paymentWithTask(ctx, p.PaymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.ActorID != pay.ClientID {
		return domain.Payment{}, fault.AuthorizationError{ActorID: p.ActorID, EntityKind: "payment", EntityID: pay.ID}
	}
	if t.Status != domain.TaskCompleted {
		return domain.Payment{}, fault.InvalidTransitionError{
			EntityKind: "payment", From: pay.Status, To: domain.PaymentReleased,
			Reason: "task is not completed",
		}
	}
	if pay.Status != domain.PaymentHeld {
		return domain.Payment{}, fault.InvalidTransitionError{
			EntityKind: "payment", From: pay.Status, To: domain.PaymentReleased,
			Reason: "payment is not held",
		}
	}
	now := e.now()
	ok, err := e.Payments.MarkReleased(ctx, pay.ID, now)
	if err != nil {
		return domain.Payment{}, err
	}
	if !ok {
		return domain.Payment{}, fault.ConflictError{Resource: "payment", Reason: "payment is no longer held"}
	}
	telemetry.PaymentsReleased.WithLabelValues("manual").Inc()
	e.emit(ctx, events.Event{
		Type:       events.PaymentReleased,
		TaskID:     pay.TaskID,
		EntityKind: "payment",
		EntityID:   pay.ID,
		ActorID:    p.ActorID,
		Payload:    map[string]any{"provider_id": pay.ProviderID, "amount": pay.ProviderAmount.String()},
	})
	return e.Payments.Get(ctx, pay.ID)
}

// RefundEscrow returns a held payment to the client of a cancelled task.
func (e *Engine) RefundEscrow(ctx context.Context, p SettleParams) (domain.Payment, error) {
	pay, t, err := e.paymentWithTask(ctx, p.PaymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.ActorID != pay.ClientID {
		return domain.Payment{}, fault.AuthorizationError{ActorID: p.ActorID, EntityKind: "payment", EntityID: pay.ID}
	}
	if t.Status != domain.TaskCancelled {
		return domain.Payment{}, fault.InvalidTransitionError{
			EntityKind: "payment", From: pay.Status, To: domain.PaymentRefunded,
			Reason: "task is not cancelled",
		}
	}
	if pay.Status != domain.PaymentHeld {
		return domain.Payment{}, fault.InvalidTransitionError{
			EntityKind: "payment", From: pay.Status, To: domain.PaymentRefunded,
			Reason: "payment is not held",
		}
	}
	now := e.now()
	ok, err := e.Payments.MarkRefunded(ctx, pay.ID, now)
	if err != nil {
		return domain.Payment{}, err
	}
	if !ok {
		return domain.Payment{}, fault.ConflictError{Resource: "payment", Reason: "payment is no longer held"}
	}
	telemetry.PaymentsRefunded.Inc()
	e.emit(ctx, events.Event{
		Type:       events.PaymentRefunded,
		TaskID:     pay.TaskID,
		EntityKind: "payment",
		EntityID:   pay.ID,
		ActorID:    p.ActorID,
		Payload:    map[string]any{"amount": pay.Amount.String(), "reason": p.Reason},
	})
	return e.Payments.Get(ctx, pay.ID)
}

type DisputeParams struct {
	PaymentID string
	ActorID   string
	Reason    string
}

// DisputeEscrow flags a held payment so the auto-release sweep skips
// it. Either party to the payment may raise a dispute; resolution is a
// manual release or refund.
func (e *Engine) DisputeEscrow(ctx context.Context, p DisputeParams) (domain.Payment, error) {
	if p.Reason == "" {
		return domain.Payment{}, fault.ValidationError{Field: "reason", Reason: "is required"}
	}
	pay, err := e.Payments.Get(ctx, p.PaymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.ActorID != pay.ClientID && p.ActorID != pay.ProviderID {
		return domain.Payment{}, fault.AuthorizationError{ActorID: p.ActorID, EntityKind: "payment", EntityID: pay.ID}
	}
	if pay.Status != domain.PaymentHeld {
		return domain.Payment{}, fault.InvalidTransitionError{
			EntityKind: "payment", From: pay.Status, To: pay.Status,
			Reason: "only held payments can be disputed",
		}
	}
	ok, err := e.Payments.MarkDisputed(ctx, pay.ID, p.Reason, e.now())
	if err != nil {
		return domain.Payment{}, err
	}
	if !ok {
		return domain.Payment{}, fault.ConflictError{Resource: "payment", Reason: "payment already disputed or no longer held"}
	}
	e.emit(ctx, events.Event{
		Type:       events.PaymentDisputed,
		TaskID:     pay.TaskID,
		EntityKind: "payment",
		EntityID:   pay.ID,
		ActorID:    p.ActorID,
		Payload:    map[string]any{"reason": p.Reason},
	})
	return e.Payments.Get(ctx, pay.ID)
}

// AutoRelease pays out held, undisputed payments whose release window
// elapsed with the task completed. Same transition as a manual release;
// safe to run redundantly because each payout rides the held
// compare-and-swap.
func (e *Engine) AutoRelease(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.Payments.ListAutoReleaseDue(ctx, now)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, pay := range due {
		ok, err := e.Payments.MarkReleased(ctx, pay.ID, now)
		if err != nil {
			return released, err
		}
		if !ok {
			continue
		}
		released++
		telemetry.PaymentsReleased.WithLabelValues("auto").Inc()
		e.emit(ctx, events.Event{
			Type:       events.PaymentReleased,
			TaskID:     pay.TaskID,
			EntityKind: "payment",
			EntityID:   pay.ID,
			ActorID:    "system",
			Payload:    map[string]any{"provider_id": pay.ProviderID, "amount": pay.ProviderAmount.String(), "trigger": "auto"},
		})
	}
	return released, nil
}

func (e *Engine) paymentWithTask(ctx context.Context, paymentID string) (domain.Payment, domain.Task, error) {
	pay, err := e.Payments.Get(ctx, paymentID)
	if err != nil {
		return domain.Payment{}, domain.Task{}, err
	}
	t, err := e.Tasks.Get(ctx, pay.TaskID)
	if err != nil {
		return domain.Payment{}, domain.Task{}, err
	}
	return pay, t, nil
}
