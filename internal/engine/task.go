package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"taskmarket/internal/domain"
	"taskmarket/internal/engine/fault"
	"taskmarket/internal/events"
	"taskmarket/internal/repo"
	"taskmarket/internal/telemetry"
)

const expiredReason = "expired"

type CreateTaskParams struct {
	ClientID    string
	ClientTier  string
	Category    string
	Title       string
	Description string
	Budget      decimal.Decimal
	Urgency     string
}

// CreateTask validates the posting, snapshots the client's commission
// rate onto the task, and opens it for bids.
func (e *Engine) CreateTask(ctx context.Context, p CreateTaskParams) (domain.Task, error) {
	if p.ClientID == "" {
		return domain.Task{}, fault.ValidationError{Field: "client_id", Reason: "is required"}
	}
	if strings.TrimSpace(p.Title) == "" {
		return domain.Task{}, fault.ValidationError{Field: "title", Reason: "is required"}
	}
	if !e.Config.HasCategory(p.Category) {
		return domain.Task{}, fault.ValidationError{Field: "category", Reason: "unknown category " + p.Category}
	}
	if !e.Config.HasUrgency(p.Urgency) {
		return domain.Task{}, fault.ValidationError{Field: "urgency", Reason: "unknown urgency " + p.Urgency}
	}
	if p.Budget.LessThan(e.Config.BudgetMin()) || p.Budget.GreaterThan(e.Config.BudgetMax()) {
		return domain.Task{}, fault.ValidationError{
			Field:  "budget",
			Reason: "must be between " + e.Config.BudgetMin().String() + " and " + e.Config.BudgetMax().String(),
		}
	}

	now := e.nowTime()
	t := domain.Task{
		ID:             uuid.New().String(),
		ClientID:       p.ClientID,
		Category:       p.Category,
		Title:          strings.TrimSpace(p.Title),
		Description:    p.Description,
		Budget:         p.Budget,
		CommissionRate: e.Policy.RateFor(p.ClientTier),
		Urgency:        p.Urgency,
		Status:         domain.TaskOpen,
		CreatedAt:      now.Format(time.RFC3339),
		ExpiresAt:      now.AddDate(0, 0, e.Config.Tasks.TTLDays).Format(time.RFC3339),
	}
	if err := e.Tasks.Insert(ctx, t); err != nil {
		return domain.Task{}, err
	}
	telemetry.TasksCreated.Inc()
	e.emit(ctx, events.Event{
		Type:       events.TaskCreated,
		TaskID:     t.ID,
		EntityKind: "task",
		EntityID:   t.ID,
		ActorID:    t.ClientID,
		Payload:    map[string]any{"category": t.Category, "budget": t.Budget.String(), "urgency": t.Urgency},
	})
	return t, nil
}

type TransitionTaskParams struct {
	TaskID    string
	ActorID   string
	NewStatus string
	Reason    string
}

// TransitionTask moves a task along its lifecycle. Standing rules:
// in_progress belongs to the assigned provider; completed may come from
// either party; cancelled belongs to the client. The write is a
// compare-and-swap on the current status, so a concurrent transition
// surfaces as a conflict instead of a silent overwrite.
func (e *Engine) TransitionTask(ctx context.Context, p TransitionTaskParams) (domain.Task, error) {
	t, err := e.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return domain.Task{}, err
	}

	isClient := p.ActorID == t.ClientID
	isProvider := t.AssignedProviderID != nil && p.ActorID == *t.AssignedProviderID
	if !isClient && !isProvider {
		return domain.Task{}, fault.AuthorizationError{ActorID: p.ActorID, EntityKind: "task", EntityID: t.ID}
	}

	switch p.NewStatus {
	case domain.TaskInProgress:
		if !isProvider {
			return domain.Task{}, fault.AuthorizationError{ActorID: p.ActorID, EntityKind: "task", EntityID: t.ID}
		}
	case domain.TaskCompleted:
		// Either party may mark completion.
	case domain.TaskCancelled:
		if !isClient {
			return domain.Task{}, fault.AuthorizationError{ActorID: p.ActorID, EntityKind: "task", EntityID: t.ID}
		}
	default:
		return domain.Task{}, fault.ValidationError{Field: "status", Reason: "unknown status " + p.NewStatus}
	}

	if !allowedTransition(t.Status, p.NewStatus) {
		return domain.Task{}, fault.InvalidTransitionError{EntityKind: "task", From: t.Status, To: p.NewStatus}
	}

	from := t.Status
	now := e.now()
	t.Status = p.NewStatus
	switch p.NewStatus {
	case domain.TaskInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case domain.TaskCompleted:
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
	case domain.TaskCancelled:
		t.CancelledAt = &now
		if p.Reason != "" {
			reason := p.Reason
			t.CancelReason = &reason
		}
	}

	ok, err := e.Tasks.UpdateStatusIf(ctx, t, from)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, fault.ConflictError{Resource: "task", Reason: "task changed concurrently, refresh and retry"}
	}

	if from == domain.TaskOpen && p.NewStatus == domain.TaskCancelled {
		if _, err := e.Bids.RejectAllPending(ctx, t.ID, "task cancelled", now); err != nil {
			e.logger().Warn("reject pending bids after cancel failed", "task_id", t.ID, "error", err)
		}
	}

	e.emit(ctx, events.Event{
		Type:       lifecycleEventType(p.NewStatus),
		TaskID:     t.ID,
		EntityKind: "task",
		EntityID:   t.ID,
		ActorID:    p.ActorID,
		Payload:    map[string]any{"old_status": from, "new_status": p.NewStatus},
	})
	return t, nil
}

// allowedTransition is the task state machine: open -> assigned ->
// in_progress -> completed, with cancelled reachable from the first
// three. Terminal states have no exits. The open -> assigned edge is
// owned by bid acceptance and never taken here.
func allowedTransition(from, to string) bool {
	switch from {
	case domain.TaskAssigned:
		return to == domain.TaskInProgress || to == domain.TaskCancelled
	case domain.TaskInProgress:
		return to == domain.TaskCompleted || to == domain.TaskCancelled
	case domain.TaskOpen:
		return to == domain.TaskCancelled
	default:
		return false
	}
}

func lifecycleEventType(status string) string {
	switch status {
	case domain.TaskAssigned:
		return events.TaskAssigned
	case domain.TaskInProgress:
		return events.TaskStarted
	case domain.TaskCompleted:
		return events.TaskCompleted
	case domain.TaskCancelled:
		return events.TaskCancelled
	default:
		return "task." + status
	}
}

// ExpireTasks cancels open tasks past their expiry and rejects their
// pending bids. Idempotent: a task already moved by another writer is
// skipped via the status compare-and-swap.
func (e *Engine) ExpireTasks(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.Tasks.List(ctx, repo.TaskFilter{Status: domain.TaskOpen, ExpiresBefore: now})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, t := range due {
		reason := expiredReason
		t.Status = domain.TaskCancelled
		t.CancelReason = &reason
		ts := now
		t.CancelledAt = &ts
		ok, err := e.Tasks.UpdateStatusIf(ctx, t, domain.TaskOpen)
		if err != nil {
			return expired, err
		}
		if !ok {
			continue
		}
		if _, err := e.Bids.RejectAllPending(ctx, t.ID, "task expired", now); err != nil {
			return expired, err
		}
		expired++
		telemetry.TasksExpired.Inc()
		e.emit(ctx, events.Event{
			Type:       events.TaskExpired,
			TaskID:     t.ID,
			EntityKind: "task",
			EntityID:   t.ID,
			ActorID:    "system",
			Payload:    map[string]any{"expires_at": t.ExpiresAt},
		})
	}
	return expired, nil
}
