package repo

import (
	"context"
	"database/sql"

	"taskmarket/internal/domain"
	"taskmarket/internal/engine/fault"
)

type Payments struct {
	DB *sql.DB
}

const paymentColumns = `id,task_id,client_id,provider_id,amount,commission_amount,provider_amount,method,gateway_ref,status,dispute_reason,created_at,held_at,release_scheduled_at,released_at,disputed_at`

func scanPayment(row taskScanner) (domain.Payment, error) {
	var p domain.Payment
	var amount, commission, provider string
	var gatewayRef, disputeReason, heldAt, releaseScheduledAt, releasedAt, disputedAt sql.NullString
	err := row.Scan(&p.ID, &p.TaskID, &p.ClientID, &p.ProviderID, &amount, &commission, &provider,
		&p.Method, &gatewayRef, &p.Status, &disputeReason, &p.CreatedAt, &heldAt, &releaseScheduledAt, &releasedAt, &disputedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.Amount, err = parseDecimal(amount); err != nil {
		return p, err
	}
	if p.CommissionAmount, err = parseDecimal(commission); err != nil {
		return p, err
	}
	if p.ProviderAmount, err = parseDecimal(provider); err != nil {
		return p, err
	}
	p.GatewayRef = stringPtr(gatewayRef)
	p.DisputeReason = stringPtr(disputeReason)
	p.HeldAt = stringPtr(heldAt)
	p.ReleaseScheduledAt = stringPtr(releaseScheduledAt)
	p.ReleasedAt = stringPtr(releasedAt)
	p.DisputedAt = stringPtr(disputedAt)
	return p, nil
}

// Insert persists a payment row. The partial unique index on task_id
// rejects a second non-failed payment for the same task.
func (r Payments) Insert(ctx context.Context, p domain.Payment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payments(id,task_id,client_id,provider_id,amount,commission_amount,provider_amount,method,gateway_ref,status,dispute_reason,created_at,held_at,release_scheduled_at,released_at,disputed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TaskID, p.ClientID, p.ProviderID, p.Amount.String(), p.CommissionAmount.String(), p.ProviderAmount.String(),
		p.Method, nullableStringPtr(p.GatewayRef), p.Status, nullableStringPtr(p.DisputeReason), p.CreatedAt,
		nullableStringPtr(p.HeldAt), nullableStringPtr(p.ReleaseScheduledAt), nullableStringPtr(p.ReleasedAt), nullableStringPtr(p.DisputedAt))
	if err != nil && isUniqueViolation(err) {
		return fault.ConflictError{Resource: "payment", Reason: "task already has a payment"}
	}
	return err
}

func (r Payments) Get(ctx context.Context, id string) (domain.Payment, error) {
	return scanPayment(r.DB.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id))
}

// GetByTask returns the task's live (non-failed) payment.
func (r Payments) GetByTask(ctx context.Context, taskID string) (domain.Payment, error) {
	return scanPayment(r.DB.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE task_id=? AND status!=?`, taskID, domain.PaymentFailed))
}

// MarkReleased transitions held -> released; false when the payment was
// not held (already settled, refunded, or failed).
func (r Payments) MarkReleased(ctx context.Context, id, ts string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE payments SET status=?, released_at=? WHERE id=? AND status=?`,
		domain.PaymentReleased, ts, id, domain.PaymentHeld)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkRefunded transitions held -> refunded.
func (r Payments) MarkRefunded(ctx context.Context, id, ts string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE payments SET status=?, released_at=? WHERE id=? AND status=?`,
		domain.PaymentRefunded, ts, id, domain.PaymentHeld)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkDisputed flags a held payment; a dispute blocks auto-release only.
func (r Payments) MarkDisputed(ctx context.Context, id, reason, ts string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE payments SET disputed_at=?, dispute_reason=? WHERE id=? AND status=? AND disputed_at IS NULL`,
		ts, reason, id, domain.PaymentHeld)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ListAutoReleaseDue returns held, undisputed payments whose release
// window elapsed and whose task is completed.
func (r Payments) ListAutoReleaseDue(ctx context.Context, now string) ([]domain.Payment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+prefixedPaymentColumns+` FROM payments p
JOIN tasks t ON t.id = p.task_id
WHERE p.status=? AND p.disputed_at IS NULL AND p.release_scheduled_at<=? AND t.status=?
ORDER BY p.release_scheduled_at ASC`, domain.PaymentHeld, now, domain.TaskCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

const prefixedPaymentColumns = `p.id,p.task_id,p.client_id,p.provider_id,p.amount,p.commission_amount,p.provider_amount,p.method,p.gateway_ref,p.status,p.dispute_reason,p.created_at,p.held_at,p.release_scheduled_at,p.released_at,p.disputed_at`
