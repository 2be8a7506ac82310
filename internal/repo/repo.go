// Package repo implements the SQL stores consumed by the engine. Each
// compound operation owns its transaction so the locking strategy stays
// out of the business logic; conditional updates return whether the
// expected state still matched (the "exactly one writer wins" primitive).
package repo

import (
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"
	sqlite "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// SQLite extended result codes for uniqueness violations.
const (
	sqliteConstraintUnique     = 2067
	sqliteConstraintPrimaryKey = 1555
)

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey
	}
	return false
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
