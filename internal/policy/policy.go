// Package policy holds the commission policy: a pure rate lookup by client
// tier. The engine resolves a rate exactly once per task creation and
// snapshots it onto the task, so later policy changes never alter the
// economics of tasks already posted.
package policy

import "github.com/shopspring/decimal"

type Commission struct {
	Default decimal.Decimal
	Tiers   map[string]decimal.Decimal
}

// RateFor returns the commission rate for a client tier, falling back to
// the default rate for unknown or empty tiers.
func (c Commission) RateFor(tier string) decimal.Decimal {
	if tier != "" {
		if rate, ok := c.Tiers[tier]; ok {
			return rate
		}
	}
	return c.Default
}
