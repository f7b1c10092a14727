package tickengine

import (
	"testing"

	"github.com/shopspring/decimal"

	"arena/internal/config"
)

func testEngine(entropy config.EntropyConfig) *Engine {
	return &Engine{entropy: entropy}
}

// TestComputeFeeProgressiveTiers exercises the literal scenario values:
// BASE=0.50, K=5, PENALTY=0.25, MAX=3.00.
func TestComputeFeeProgressiveTiers(t *testing.T) {
	t.Parallel()

	e := testEngine(config.EntropyConfig{
		Base:    decimal.RequireFromString("0.50"),
		K:       5,
		Penalty: decimal.RequireFromString("0.25"),
		MaxFee:  decimal.RequireFromString("3.00"),
	})

	cases := []struct {
		idleStreak int
		want       string
	}{
		{0, "0.50"},
		{4, "0.50"},
		{5, "0.75"},
		{9, "0.75"},
		{10, "1.00"},
		{50, "3.00"},  // would be 0.50 + 10*0.25 = 3.00, right at the cap
		{100, "3.00"}, // far past the cap, still clamped
	}

	for _, tc := range cases {
		got := e.computeFee(tc.idleStreak)
		want := decimal.RequireFromString(tc.want)
		if !got.Equal(want) {
			t.Errorf("computeFee(%d) = %s, want %s", tc.idleStreak, got, want)
		}
	}
}

func TestComputeFeeNeverExceedsMax(t *testing.T) {
	t.Parallel()

	e := testEngine(config.EntropyConfig{
		Base:    decimal.RequireFromString("0.50"),
		K:       5,
		Penalty: decimal.RequireFromString("0.25"),
		MaxFee:  decimal.RequireFromString("3.00"),
	})

	for streak := 0; streak <= 1000; streak += 17 {
		fee := e.computeFee(streak)
		if fee.GreaterThan(e.entropy.MaxFee) {
			t.Fatalf("computeFee(%d) = %s exceeds MaxFee %s", streak, fee, e.entropy.MaxFee)
		}
	}
}

func TestFallbackHintPriorityChain(t *testing.T) {
	t.Parallel()

	cases := []struct {
		researchCount, otherCount int
		want                      strategyHint
	}{
		{1, 0, hintResearch},
		{1, 5, hintResearch},
		{0, 1, hintPortfolio},
		{0, 0, hintWager},
	}

	for _, tc := range cases {
		got := fallbackHint(tc.researchCount, tc.otherCount)
		if got != tc.want {
			t.Errorf("fallbackHint(%d, %d) = %s, want %s", tc.researchCount, tc.otherCount, got, tc.want)
		}
	}
}
