package cli

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// Money formatting keeps the value and groups the integer part by thousands.
func TestProperty_MoneyFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	grouped := regexp.MustCompile(`^-?\d{1,3}(,\d{3})*\.\d{2}$`)

	properties.Property("FormatMoney groups digits by three", prop.ForAll(
		func(cents int64) bool {
			formatted := FormatMoney(decimal.New(cents, -2))
			if !grouped.MatchString(formatted) {
				t.Logf("bad grouping for %d cents: %s", cents, formatted)
				return false
			}
			return true
		},
		gen.Int64Range(-1e15, 1e15),
	))

	properties.Property("FormatMoney preserves value", prop.ForAll(
		func(cents int64) bool {
			amount := decimal.New(cents, -2)
			parsed, err := decimal.NewFromString(strings.ReplaceAll(FormatMoney(amount), ",", ""))
			if err != nil {
				return false
			}
			return parsed.Equal(amount)
		},
		gen.Int64Range(-1e15, 1e15),
	))

	properties.Property("FormatPnL signs positive amounts", prop.ForAll(
		func(cents int64) bool {
			formatted := FormatPnL(decimal.New(cents, -2))
			switch {
			case cents > 0:
				return strings.HasPrefix(formatted, "+")
			case cents < 0:
				return strings.HasPrefix(formatted, "-")
			default:
				return formatted == "0.00"
			}
		},
		gen.Int64Range(-1e12, 1e12),
	))

	properties.Property("TruncateString respects max length", prop.ForAll(
		func(s string, maxLen int) bool {
			return len(TruncateString(s, maxLen)) <= maxLen || len(s) <= maxLen
		},
		gen.AnyString(),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "expired"},
		{42 * time.Second, "42s"},
		{5*time.Minute + 3*time.Second, "5m 3s"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
