// Package engine implements the marketplace core: task lifecycle, the
// bid acceptance protocol, and escrow over a transactional store. All
// cross-entity consistency lives in the store operations; the engine
// holds no locks of its own, so multiple instances can run against the
// same database.
package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"taskmarket/internal/config"
	"taskmarket/internal/domain"
	"taskmarket/internal/events"
	"taskmarket/internal/payments"
	"taskmarket/internal/policy"
	"taskmarket/internal/repo"
)

// TaskStore is the task persistence surface the engine needs.
type TaskStore interface {
	Insert(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f repo.TaskFilter) ([]domain.Task, error)
	UpdateStatusIf(ctx context.Context, t domain.Task, expect string) (bool, error)
}

// BidStore groups the bid operations; Accept is the atomic
// single-acceptance protocol.
type BidStore interface {
	InsertPending(ctx context.Context, b domain.Bid) (bool, error)
	Get(ctx context.Context, id string) (domain.Bid, error)
	ListByTask(ctx context.Context, taskID string) ([]domain.Bid, error)
	Accept(ctx context.Context, p repo.AcceptParams) (bool, error)
	Reject(ctx context.Context, bidID, note, ts string) (bool, error)
	Withdraw(ctx context.Context, bidID, taskID, note, ts string) (bool, error)
	RejectAllPending(ctx context.Context, taskID, note, ts string) (int, error)
}

type PaymentStore interface {
	Insert(ctx context.Context, p domain.Payment) error
	Get(ctx context.Context, id string) (domain.Payment, error)
	GetByTask(ctx context.Context, taskID string) (domain.Payment, error)
	MarkReleased(ctx context.Context, id, ts string) (bool, error)
	MarkRefunded(ctx context.Context, id, ts string) (bool, error)
	MarkDisputed(ctx context.Context, id, reason, ts string) (bool, error)
	ListAutoReleaseDue(ctx context.Context, now string) ([]domain.Payment, error)
}

type Engine struct {
	Tasks    TaskStore
	Bids     BidStore
	Payments PaymentStore
	Events   events.Sink
	Gateway  payments.Gateway
	Policy   policy.Commission
	Config   *config.Config
	Log      *slog.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// New wires an Engine over the SQL stores with the local event log as
// the default sink.
func New(conn *sql.DB, cfg *config.Config, gw payments.Gateway, log *slog.Logger) *Engine {
	return &Engine{
		Tasks:    repo.Tasks{DB: conn},
		Bids:     repo.Bids{DB: conn},
		Payments: repo.Payments{DB: conn},
		Events:   events.NewWriter(conn),
		Gateway:  gw,
		Policy:   cfg.CommissionPolicy(),
		Config:   cfg,
		Log:      log,
	}
}

func (e *Engine) nowTime() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) now() string {
	return e.nowTime().Format(time.RFC3339)
}

// emit delivers an event to the sink after the state change committed.
// Sink failures are logged and swallowed: delivery is best-effort and
// must never fail a business operation.
func (e *Engine) emit(ctx context.Context, ev events.Event) {
	if e.Events == nil {
		return
	}
	ev.TS = e.now()
	if err := e.Events.Emit(ctx, ev); err != nil {
		e.logger().Warn("event emit failed", "type", ev.Type, "task_id", ev.TaskID, "error", err)
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}
