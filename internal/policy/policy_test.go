package policy

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRateForTiers(t *testing.T) {
	c := Commission{
		Default: decimal.RequireFromString("0.10"),
		Tiers: map[string]decimal.Decimal{
			"plus":       decimal.RequireFromString("0.07"),
			"enterprise": decimal.RequireFromString("0.05"),
		},
	}

	cases := []struct {
		tier string
		want string
	}{
		{"plus", "0.07"},
		{"enterprise", "0.05"},
		{"standard", "0.10"},
		{"", "0.10"},
	}
	for _, tc := range cases {
		got := c.RateFor(tc.tier)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("RateFor(%q) = %s, want %s", tc.tier, got, tc.want)
		}
	}
}
