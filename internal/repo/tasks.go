package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskmarket/internal/domain"
)

type Tasks struct {
	DB *sql.DB
}

const taskColumns = `id,client_id,category,title,COALESCE(description,'') AS description,budget,commission_rate,urgency,status,assigned_provider_id,bids_count,cancel_reason,created_at,expires_at,assigned_at,started_at,completed_at,cancelled_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (domain.Task, error) {
	var t domain.Task
	var budget, rate string
	var provider, cancelReason, assignedAt, startedAt, completedAt, cancelledAt sql.NullString
	err := row.Scan(&t.ID, &t.ClientID, &t.Category, &t.Title, &t.Description, &budget, &rate, &t.Urgency,
		&t.Status, &provider, &t.BidsCount, &cancelReason, &t.CreatedAt, &t.ExpiresAt,
		&assignedAt, &startedAt, &completedAt, &cancelledAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.Budget, err = parseDecimal(budget); err != nil {
		return t, err
	}
	if t.CommissionRate, err = parseDecimal(rate); err != nil {
		return t, err
	}
	t.AssignedProviderID = stringPtr(provider)
	t.CancelReason = stringPtr(cancelReason)
	t.AssignedAt = stringPtr(assignedAt)
	t.StartedAt = stringPtr(startedAt)
	t.CompletedAt = stringPtr(completedAt)
	t.CancelledAt = stringPtr(cancelledAt)
	return t, nil
}

func (r Tasks) Insert(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,client_id,category,title,description,budget,commission_rate,urgency,status,assigned_provider_id,bids_count,cancel_reason,created_at,expires_at,assigned_at,started_at,completed_at,cancelled_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ClientID, t.Category, t.Title, nullable(t.Description), t.Budget.String(), t.CommissionRate.String(), t.Urgency,
		t.Status, nullableStringPtr(t.AssignedProviderID), t.BidsCount, nullableStringPtr(t.CancelReason),
		t.CreatedAt, t.ExpiresAt, nullableStringPtr(t.AssignedAt), nullableStringPtr(t.StartedAt),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CancelledAt))
	return err
}

func (r Tasks) Get(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilter struct {
	ClientID      string
	ProviderID    string
	Status        string
	Category      string
	ExpiresBefore string
	Limit         int
}

func (r Tasks) List(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.ProviderID != "" {
		clauses = append(clauses, "assigned_provider_id=?")
		args = append(args, f.ProviderID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.ExpiresBefore != "" {
		clauses = append(clauses, "expires_at<=?")
		args = append(args, f.ExpiresBefore)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateStatusIf writes the task's status and status-dependent fields only
// if the row still carries the expected status. Returns false when another
// writer got there first.
func (r Tasks) UpdateStatusIf(ctx context.Context, t domain.Task, expect string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, assigned_provider_id=?, cancel_reason=?, assigned_at=?, started_at=?, completed_at=?, cancelled_at=? WHERE id=? AND status=?`,
		t.Status, nullableStringPtr(t.AssignedProviderID), nullableStringPtr(t.CancelReason),
		nullableStringPtr(t.AssignedAt), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt),
		nullableStringPtr(t.CancelledAt), t.ID, expect)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Tasks) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
