package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"taskmarket/internal/config"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
	"taskmarket/internal/engine/fault"
)

func TestDuplicatePendingBidRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	env.submitBid(t, task.ID, "provider-1", "400")

	_, err := env.Engine.SubmitBid(env.Ctx, engine.SubmitBidParams{
		TaskID:     task.ID,
		ProviderID: "provider-1",
		Amount:     decimal.NewFromInt(450),
	})
	var ce fault.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestWithdrawFreesBidSlot(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	bid := env.submitBid(t, task.ID, "provider-1", "400")

	withdrawn, err := env.Engine.WithdrawBid(env.Ctx, engine.WithdrawBidParams{
		BidID:   bid.ID,
		ActorID: "provider-1",
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if withdrawn.Status != domain.BidWithdrawn {
		t.Fatalf("expected withdrawn, got %s", withdrawn.Status)
	}
	refreshed, err := env.Engine.Tasks.Get(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if refreshed.BidsCount != 0 {
		t.Fatalf("expected bids_count 0, got %d", refreshed.BidsCount)
	}

	// A withdrawn bid no longer blocks a new bid by the same provider.
	env.submitBid(t, task.ID, "provider-1", "420")
}

func TestBidOnOwnTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	_, err := env.Engine.SubmitBid(env.Ctx, engine.SubmitBidParams{
		TaskID:     task.ID,
		ProviderID: "client-1",
		Amount:     decimal.NewFromInt(400),
	})
	var ve fault.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBidOnNonOpenTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	bid := env.submitBid(t, task.ID, "provider-1", "400")
	env.acceptBid(t, bid.ID, "client-1")

	_, err := env.Engine.SubmitBid(env.Ctx, engine.SubmitBidParams{
		TaskID:     task.ID,
		ProviderID: "provider-2",
		Amount:     decimal.NewFromInt(450),
	})
	var te fault.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
}

func TestSecondAcceptLosesRace(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	bidA := env.submitBid(t, task.ID, "provider-1", "400")
	bidB := env.submitBid(t, task.ID, "provider-2", "450")

	env.acceptBid(t, bidA.ID, "client-1")
	_, err := env.Engine.RespondToBid(env.Ctx, engine.RespondToBidParams{
		BidID:   bidB.ID,
		ActorID: "client-1",
		Accept:  true,
	})
	var taa fault.TaskAlreadyAssignedError
	if !errors.As(err, &taa) {
		t.Fatalf("expected task-already-assigned error, got %v", err)
	}
	if taa.TaskID != task.ID {
		t.Fatalf("unexpected task id %s", taa.TaskID)
	}
}

func TestRejectBidKeepsTaskOpen(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	bid := env.submitBid(t, task.ID, "provider-1", "400")

	rejected, err := env.Engine.RespondToBid(env.Ctx, engine.RespondToBidParams{
		BidID:   bid.ID,
		ActorID: "client-1",
		Accept:  false,
		Note:    "too expensive",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.BidRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	refreshed, err := env.Engine.Tasks.Get(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if refreshed.Status != domain.TaskOpen {
		t.Fatalf("expected task still open, got %s", refreshed.Status)
	}
	// Rejected bids free the slot for a re-bid.
	env.submitBid(t, task.ID, "provider-1", "380")
}

func TestRejectRequiresOpenTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	bidA := env.submitBid(t, task.ID, "provider-1", "400")
	bidB := env.submitBid(t, task.ID, "provider-2", "450")
	env.acceptBid(t, bidA.ID, "client-1")

	_, err := env.Engine.RespondToBid(env.Ctx, engine.RespondToBidParams{
		BidID:   bidB.ID,
		ActorID: "client-1",
		Accept:  false,
		Note:    "no longer relevant",
	})
	var te fault.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
	if te.From != domain.TaskAssigned {
		t.Fatalf("expected assigned task in error, got %s", te.From)
	}
}

func TestRespondRequiresTaskClient(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	bid := env.submitBid(t, task.ID, "provider-1", "400")

	_, err := env.Engine.RespondToBid(env.Ctx, engine.RespondToBidParams{
		BidID:   bid.ID,
		ActorID: "intruder",
		Accept:  true,
	})
	var ae fault.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestWithdrawRequiresBidProvider(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	bid := env.submitBid(t, task.ID, "provider-1", "400")

	_, err := env.Engine.WithdrawBid(env.Ctx, engine.WithdrawBidParams{
		BidID:   bid.ID,
		ActorID: "provider-2",
	})
	var ae fault.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestExpiredBidNotAcceptable(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "client-1", "500")
	bid := env.submitBid(t, task.ID, "provider-1", "400")

	// Past the bid TTL but before the task expiry.
	env.advance(8 * 24 * time.Hour)
	_, err := env.Engine.RespondToBid(env.Ctx, engine.RespondToBidParams{
		BidID:   bid.ID,
		ActorID: "client-1",
		Accept:  true,
	})
	var te fault.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
	// The task is untouched by the failed accept.
	refreshed, err := env.Engine.Tasks.Get(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if refreshed.Status != domain.TaskOpen {
		t.Fatalf("expected open task, got %s", refreshed.Status)
	}
}

// Drives N goroutines accepting different bids on the same task through
// the in-memory store. Exactly one accept may win; every loser must see
// TaskAlreadyAssignedError, and the surviving accepted bid must match
// the task's assigned provider.
func TestConcurrentAcceptsExactlyOneWins(t *testing.T) {
	const bidders = 16

	store := newMemStore()
	eng := &engine.Engine{
		Tasks:  store,
		Bids:   memBids{store: store},
		Config: config.Default(),
		Now:    func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
	eng.Policy = eng.Config.CommissionPolicy()

	ctx := context.Background()
	task, err := eng.CreateTask(ctx, engine.CreateTaskParams{
		ClientID: "client-1",
		Category: "delivery",
		Title:    "Race me",
		Budget:   decimal.NewFromInt(100),
		Urgency:  "urgent",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	bidIDs := make([]string, bidders)
	for i := range bidIDs {
		b, err := eng.SubmitBid(ctx, engine.SubmitBidParams{
			TaskID:     task.ID,
			ProviderID: fmt.Sprintf("provider-%d", i),
			Amount:     decimal.NewFromInt(int64(50 + i)),
		})
		if err != nil {
			t.Fatalf("submit bid %d: %v", i, err)
		}
		bidIDs[i] = b.ID
	}

	var wg sync.WaitGroup
	results := make([]error, bidders)
	start := make(chan struct{})
	for i := range bidIDs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := eng.RespondToBid(ctx, engine.RespondToBidParams{
				BidID:   bidIDs[i],
				ActorID: "client-1",
				Accept:  true,
			})
			results[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for i, err := range results {
		if err == nil {
			wins++
			continue
		}
		var taa fault.TaskAlreadyAssignedError
		if !errors.As(err, &taa) {
			t.Fatalf("accept %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning accept, got %d", wins)
	}

	final, err := eng.Tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != domain.TaskAssigned {
		t.Fatalf("expected assigned task, got %s", final.Status)
	}
	bids, err := eng.Bids.ListByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list bids: %v", err)
	}
	accepted := 0
	for _, b := range bids {
		switch b.Status {
		case domain.BidAccepted:
			accepted++
			if final.AssignedProviderID == nil || b.ProviderID != *final.AssignedProviderID {
				t.Fatalf("accepted bid provider %s does not match assignment", b.ProviderID)
			}
		case domain.BidRejected:
		default:
			t.Fatalf("unexpected bid status %s", b.Status)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted bid, got %d", accepted)
	}
}
