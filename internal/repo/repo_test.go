package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"taskmarket/internal/db"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine/fault"
	"taskmarket/internal/migrate"
)

const testTS = "2026-01-01T00:00:00Z"

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func makeTask(id, status string) domain.Task {
	return domain.Task{
		ID:             id,
		ClientID:       "client-1",
		Category:       "cleaning",
		Title:          "Task " + id,
		Budget:         decimal.NewFromInt(100),
		CommissionRate: decimal.RequireFromString("0.10"),
		Urgency:        "normal",
		Status:         status,
		CreatedAt:      testTS,
		ExpiresAt:      "2026-01-31T00:00:00Z",
	}
}

func makeBid(id, taskID, providerID string) domain.Bid {
	return domain.Bid{
		ID:         id,
		TaskID:     taskID,
		ProviderID: providerID,
		Amount:     decimal.NewFromInt(80),
		Status:     domain.BidPending,
		CreatedAt:  testTS,
		ExpiresAt:  "2026-01-08T00:00:00Z",
	}
}

func TestUpdateStatusIfIsConditional(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	tasks := Tasks{DB: conn}

	task := makeTask("t1", domain.TaskOpen)
	if err := tasks.Insert(ctx, task); err != nil {
		t.Fatalf("insert: %v", err)
	}

	task.Status = domain.TaskCancelled
	ok, err := tasks.UpdateStatusIf(ctx, task, domain.TaskOpen)
	if err != nil || !ok {
		t.Fatalf("expected swap to land, ok=%v err=%v", ok, err)
	}
	// The expected status no longer matches; the write must not land.
	ok, err = tasks.UpdateStatusIf(ctx, task, domain.TaskOpen)
	if err != nil {
		t.Fatalf("second swap: %v", err)
	}
	if ok {
		t.Fatalf("stale swap must not land")
	}
}

func TestInsertPendingRejectsClosedTaskAndDuplicates(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	tasks := Tasks{DB: conn}
	bids := Bids{DB: conn}

	if err := tasks.Insert(ctx, makeTask("t1", domain.TaskOpen)); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tasks.Insert(ctx, makeTask("t2", domain.TaskCancelled)); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	ok, err := bids.InsertPending(ctx, makeBid("b1", "t1", "provider-1"))
	if err != nil || !ok {
		t.Fatalf("insert bid: ok=%v err=%v", ok, err)
	}
	got, err := tasks.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.BidsCount != 1 {
		t.Fatalf("expected bids_count 1, got %d", got.BidsCount)
	}

	// Same provider, same task: blocked by the partial unique index.
	_, err = bids.InsertPending(ctx, makeBid("b2", "t1", "provider-1"))
	var ce fault.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}

	ok, err = bids.InsertPending(ctx, makeBid("b3", "t2", "provider-1"))
	if err != nil {
		t.Fatalf("insert on closed task: %v", err)
	}
	if ok {
		t.Fatalf("bid on cancelled task must not land")
	}

	_, err = bids.InsertPending(ctx, makeBid("b4", "missing", "provider-1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcceptAssignsAndRejectsRest(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	tasks := Tasks{DB: conn}
	bids := Bids{DB: conn}

	if err := tasks.Insert(ctx, makeTask("t1", domain.TaskOpen)); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	for _, b := range []domain.Bid{
		makeBid("b1", "t1", "provider-1"),
		makeBid("b2", "t1", "provider-2"),
		makeBid("b3", "t1", "provider-3"),
	} {
		if ok, err := bids.InsertPending(ctx, b); err != nil || !ok {
			t.Fatalf("insert bid %s: ok=%v err=%v", b.ID, ok, err)
		}
	}

	ok, err := bids.Accept(ctx, AcceptParams{
		TaskID:         "t1",
		BidID:          "b2",
		ProviderID:     "provider-2",
		RespondedAt:    testTS,
		AutoRejectNote: "another bid was accepted",
	})
	if err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}

	task, err := tasks.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != domain.TaskAssigned || task.AssignedProviderID == nil || *task.AssignedProviderID != "provider-2" {
		t.Fatalf("unexpected assignment: %+v", task)
	}
	all, err := bids.ListByTask(ctx, "t1")
	if err != nil {
		t.Fatalf("list bids: %v", err)
	}
	for _, b := range all {
		want := domain.BidRejected
		if b.ID == "b2" {
			want = domain.BidAccepted
		}
		if b.Status != want {
			t.Fatalf("bid %s: expected %s, got %s", b.ID, want, b.Status)
		}
	}

	// The task is no longer open; a second accept loses the swap.
	ok, err = bids.Accept(ctx, AcceptParams{TaskID: "t1", BidID: "b1", ProviderID: "provider-1", RespondedAt: testTS})
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if ok {
		t.Fatalf("second accept must lose the compare-and-swap")
	}
}

func TestPaymentSlotIgnoresFailedRows(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	tasks := Tasks{DB: conn}
	payments := Payments{DB: conn}

	if err := tasks.Insert(ctx, makeTask("t1", domain.TaskAssigned)); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	base := domain.Payment{
		TaskID:           "t1",
		ClientID:         "client-1",
		ProviderID:       "provider-1",
		Amount:           decimal.NewFromInt(100),
		CommissionAmount: decimal.NewFromInt(10),
		ProviderAmount:   decimal.NewFromInt(90),
		Method:           "card",
		CreatedAt:        testTS,
	}

	failed := base
	failed.ID = "p1"
	failed.Status = domain.PaymentFailed
	if err := payments.Insert(ctx, failed); err != nil {
		t.Fatalf("insert failed payment: %v", err)
	}

	held := base
	held.ID = "p2"
	held.Status = domain.PaymentHeld
	if err := payments.Insert(ctx, held); err != nil {
		t.Fatalf("insert held payment after failure: %v", err)
	}

	// A second live payment for the task violates the slot.
	dup := base
	dup.ID = "p3"
	dup.Status = domain.PaymentHeld
	err := payments.Insert(ctx, dup)
	var ce fault.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := payments.GetByTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get by task: %v", err)
	}
	if got.ID != "p2" {
		t.Fatalf("expected live payment p2, got %s", got.ID)
	}
}

func TestMarkDisputedOnlyOnce(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	tasks := Tasks{DB: conn}
	payments := Payments{DB: conn}

	if err := tasks.Insert(ctx, makeTask("t1", domain.TaskCompleted)); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	p := domain.Payment{
		ID:               "p1",
		TaskID:           "t1",
		ClientID:         "client-1",
		ProviderID:       "provider-1",
		Amount:           decimal.NewFromInt(100),
		CommissionAmount: decimal.NewFromInt(10),
		ProviderAmount:   decimal.NewFromInt(90),
		Method:           "card",
		Status:           domain.PaymentHeld,
		CreatedAt:        testTS,
	}
	if err := payments.Insert(ctx, p); err != nil {
		t.Fatalf("insert payment: %v", err)
	}

	ok, err := payments.MarkDisputed(ctx, "p1", "work incomplete", testTS)
	if err != nil || !ok {
		t.Fatalf("dispute: ok=%v err=%v", ok, err)
	}
	ok, err = payments.MarkDisputed(ctx, "p1", "again", testTS)
	if err != nil {
		t.Fatalf("second dispute: %v", err)
	}
	if ok {
		t.Fatalf("second dispute must not land")
	}
}

func TestEventFilterByTaskAndType(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	tasks := Tasks{DB: conn}
	events := Events{DB: conn}

	if err := tasks.Insert(ctx, makeTask("t1", domain.TaskOpen)); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tasks.Insert(ctx, makeTask("t2", domain.TaskOpen)); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	rows := []domain.Event{
		{TS: testTS, Type: "task.created", TaskID: "t1", EntityKind: "task", EntityID: "t1", ActorID: "client-1"},
		{TS: testTS, Type: "bid.submitted", TaskID: "t1", EntityKind: "bid", EntityID: "b1", ActorID: "provider-1"},
		{TS: testTS, Type: "task.created", TaskID: "t2", EntityKind: "task", EntityID: "t2", ActorID: "client-1"},
	}
	for _, ev := range rows {
		if err := events.Insert(ctx, ev); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	got, err := events.List(ctx, EventFilter{TaskID: "t1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for t1, got %d", len(got))
	}
	got, err = events.List(ctx, EventFilter{Type: "task.created"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 task.created events, got %d", len(got))
	}
}
