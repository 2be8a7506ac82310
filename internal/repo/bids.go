package repo

import (
	"context"
	"database/sql"

	"taskmarket/internal/domain"
	"taskmarket/internal/engine/fault"
)

type Bids struct {
	DB *sql.DB
}

const bidColumns = `id,task_id,provider_id,amount,COALESCE(message,'') AS message,status,response_note,created_at,expires_at,responded_at`

func scanBid(row taskScanner) (domain.Bid, error) {
	var b domain.Bid
	var amount string
	var responseNote, respondedAt sql.NullString
	err := row.Scan(&b.ID, &b.TaskID, &b.ProviderID, &amount, &b.Message, &b.Status, &responseNote, &b.CreatedAt, &b.ExpiresAt, &respondedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if b.Amount, err = parseDecimal(amount); err != nil {
		return b, err
	}
	b.ResponseNote = stringPtr(responseNote)
	b.RespondedAt = stringPtr(respondedAt)
	return b, nil
}

// InsertPending inserts a bid and bumps the task's bid counter in one
// transaction. Returns false when the task is no longer open; the partial
// unique index turns a duplicate (task, provider) bid into a ConflictError
// even when two submissions race.
func (r Bids) InsertPending(ctx context.Context, b domain.Bid) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, b.TaskID).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if status != domain.TaskOpen {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO bids(id,task_id,provider_id,amount,message,status,response_note,created_at,expires_at,responded_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.TaskID, b.ProviderID, b.Amount.String(), nullable(b.Message), b.Status,
		nullableStringPtr(b.ResponseNote), b.CreatedAt, b.ExpiresAt, nullableStringPtr(b.RespondedAt)); err != nil {
		if isUniqueViolation(err) {
			return false, fault.ConflictError{Resource: "bid", Reason: "provider already has a pending bid on this task"}
		}
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET bids_count=bids_count+1 WHERE id=?`, b.TaskID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r Bids) Get(ctx context.Context, id string) (domain.Bid, error) {
	return scanBid(r.DB.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=?`, id))
}

func (r Bids) ListByTask(ctx context.Context, taskID string) ([]domain.Bid, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

type AcceptParams struct {
	TaskID         string
	BidID          string
	ProviderID     string
	RespondedAt    string
	ResponseNote   string
	AutoRejectNote string
}

// Accept executes the single-acceptance protocol as one atomic unit: a
// compare-and-swap on the task row (open -> assigned), acceptance of the
// target bid, and rejection of every other pending bid on the task. Of N
// concurrent accepts, exactly one observes the open task; the rest get
// false.
func (r Bids) Accept(ctx context.Context, p AcceptParams) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, assigned_provider_id=?, assigned_at=? WHERE id=? AND status=?`,
		domain.TaskAssigned, p.ProviderID, p.RespondedAt, p.TaskID, domain.TaskOpen)
	if err != nil {
		return false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return false, nil
	}
	res, err = tx.ExecContext(ctx, `UPDATE bids SET status=?, responded_at=?, response_note=? WHERE id=? AND status=?`,
		domain.BidAccepted, p.RespondedAt, nullable(p.ResponseNote), p.BidID, domain.BidPending)
	if err != nil {
		return false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// Bid was withdrawn between the precondition read and this write.
		return false, fault.ConflictError{Resource: "bid", Reason: "bid is no longer pending"}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bids SET status=?, responded_at=?, response_note=? WHERE task_id=? AND id!=? AND status=?`,
		domain.BidRejected, p.RespondedAt, p.AutoRejectNote, p.TaskID, p.BidID, domain.BidPending); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Reject moves a single pending bid to rejected.
func (r Bids) Reject(ctx context.Context, bidID, note, ts string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE bids SET status=?, responded_at=?, response_note=? WHERE id=? AND status=?`,
		domain.BidRejected, ts, nullable(note), bidID, domain.BidPending)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// Withdraw moves a pending bid to withdrawn and decrements the task's bid
// counter in the same transaction.
func (r Bids) Withdraw(ctx context.Context, bidID, taskID, note, ts string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE bids SET status=?, responded_at=?, response_note=? WHERE id=? AND status=?`,
		domain.BidWithdrawn, ts, nullable(note), bidID, domain.BidPending)
	if err != nil {
		return false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET bids_count=bids_count-1 WHERE id=? AND bids_count>0`, taskID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// RejectAllPending rejects every pending bid on a task (expiry sweep).
func (r Bids) RejectAllPending(ctx context.Context, taskID, note, ts string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE bids SET status=?, responded_at=?, response_note=? WHERE task_id=? AND status=?`,
		domain.BidRejected, ts, note, taskID, domain.BidPending)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}
