package engine_test

import (
	"errors"
	"testing"
	"time"

	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
	"taskmarket/internal/engine/fault"
)

// assignTask runs a task through bid acceptance so lifecycle tests
// start from assigned.
func assignTask(t *testing.T, env *testEnv, clientID, providerID string) domain.Task {
	t.Helper()
	task := env.createTask(t, clientID, "500")
	bid := env.submitBid(t, task.ID, providerID, "400")
	env.acceptBid(t, bid.ID, clientID)
	assigned, err := env.Engine.Tasks.Get(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return assigned
}

func TestTaskLifecyclePath(t *testing.T) {
	env := newTestEnv(t)
	task := assignTask(t, env, "client-1", "provider-1")

	task = env.transition(t, task.ID, "provider-1", domain.TaskInProgress)
	if task.StartedAt == nil {
		t.Fatalf("expected started_at set")
	}
	task = env.transition(t, task.ID, "provider-1", domain.TaskCompleted)
	if task.CompletedAt == nil {
		t.Fatalf("expected completed_at set")
	}

	// Terminal: no exit from completed.
	_, err := env.Engine.TransitionTask(env.Ctx, engine.TransitionTaskParams{
		TaskID:    task.ID,
		ActorID:   "client-1",
		NewStatus: domain.TaskCancelled,
	})
	var te fault.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestClientMayCompleteInProgressTask(t *testing.T) {
	env := newTestEnv(t)
	task := assignTask(t, env, "client-1", "provider-1")
	env.transition(t, task.ID, "provider-1", domain.TaskInProgress)
	done := env.transition(t, task.ID, "client-1", domain.TaskCompleted)
	if done.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
}

func TestOnlyProviderStartsWork(t *testing.T) {
	env := newTestEnv(t)
	task := assignTask(t, env, "client-1", "provider-1")
	_, err := env.Engine.TransitionTask(env.Ctx, engine.TransitionTaskParams{
		TaskID:    task.ID,
		ActorID:   "client-1",
		NewStatus: domain.TaskInProgress,
	})
	var ae fault.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestOnlyClientCancels(t *testing.T) {
	env := newTestEnv(t)
	task := assignTask(t, env, "client-1", "provider-1")
	_, err := env.Engine.TransitionTask(env.Ctx, engine.TransitionTaskParams{
		TaskID:    task.ID,
		ActorID:   "provider-1",
		NewStatus: domain.TaskCancelled,
		Reason:    "changed my mind",
	})
	var ae fault.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestStrangerHasNoStanding(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	_, err := env.Engine.TransitionTask(env.Ctx, engine.TransitionTaskParams{
		TaskID:    task.ID,
		ActorID:   "intruder",
		NewStatus: domain.TaskCancelled,
	})
	var ae fault.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestCompleteRequiresInProgress(t *testing.T) {
	env := newTestEnv(t)
	task := assignTask(t, env, "client-1", "provider-1")
	_, err := env.Engine.TransitionTask(env.Ctx, engine.TransitionTaskParams{
		TaskID:    task.ID,
		ActorID:   "provider-1",
		NewStatus: domain.TaskCompleted,
	})
	var te fault.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelOpenTaskRejectsPendingBids(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	bid := env.submitBid(t, task.ID, "provider-1", "400")

	cancelled, err := env.Engine.TransitionTask(env.Ctx, engine.TransitionTaskParams{
		TaskID:    task.ID,
		ActorID:   "client-1",
		NewStatus: domain.TaskCancelled,
		Reason:    "no longer needed",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancelReason == nil || *cancelled.CancelReason != "no longer needed" {
		t.Fatalf("expected cancel reason persisted")
	}
	refreshed, err := env.Engine.Bids.Get(env.Ctx, bid.ID)
	if err != nil {
		t.Fatalf("get bid: %v", err)
	}
	if refreshed.Status != domain.BidRejected {
		t.Fatalf("expected rejected bid, got %s", refreshed.Status)
	}
}

func TestExpirySweepCancelsOverdueOpenTasks(t *testing.T) {
	env := newTestEnv(t)
	stale := env.createTask(t, "client-1", "500")
	staleBid := env.submitBid(t, stale.ID, "provider-1", "400")

	// An assigned task past its posting expiry must not be touched.
	assigned := assignTask(t, env, "client-2", "provider-2")

	env.advance(31 * 24 * time.Hour)
	fresh := env.createTask(t, "client-3", "500")

	expired, err := env.Engine.ExpireTasks(env.Ctx)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired task, got %d", expired)
	}

	got, _ := env.Engine.Tasks.Get(env.Ctx, stale.ID)
	if got.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.CancelReason == nil || *got.CancelReason != "expired" {
		t.Fatalf("expected expired reason")
	}
	b, _ := env.Engine.Bids.Get(env.Ctx, staleBid.ID)
	if b.Status != domain.BidRejected {
		t.Fatalf("expected rejected bid, got %s", b.Status)
	}
	still, _ := env.Engine.Tasks.Get(env.Ctx, assigned.ID)
	if still.Status != domain.TaskAssigned {
		t.Fatalf("assigned task should survive the sweep, got %s", still.Status)
	}
	open, _ := env.Engine.Tasks.Get(env.Ctx, fresh.ID)
	if open.Status != domain.TaskOpen {
		t.Fatalf("fresh task should stay open, got %s", open.Status)
	}

	// Idempotent: a second run finds nothing.
	expired, err = env.Engine.ExpireTasks(env.Ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected idempotent sweep, got %d", expired)
	}
}

func TestIdempotentTimestampsOnRepeatedEdges(t *testing.T) {
	env := newTestEnv(t)
	task := assignTask(t, env, "client-1", "provider-1")
	started := env.transition(t, task.ID, "provider-1", domain.TaskInProgress)
	firstStart := *started.StartedAt

	env.advance(time.Hour)
	// in_progress -> in_progress is not an allowed edge; started_at
	// must not move on the failed attempt.
	_, err := env.Engine.TransitionTask(env.Ctx, engine.TransitionTaskParams{
		TaskID:    task.ID,
		ActorID:   "provider-1",
		NewStatus: domain.TaskInProgress,
	})
	if err == nil {
		t.Fatalf("expected error on repeated edge")
	}
	refreshed, _ := env.Engine.Tasks.Get(env.Ctx, task.ID)
	if refreshed.StartedAt == nil || *refreshed.StartedAt != firstStart {
		t.Fatalf("started_at changed on failed transition")
	}
}
