package ledger

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
)

func TestDigestIsIdempotent(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	amount := decimal.RequireFromString("100.00000000")
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	d1 := Digest(agentID, amount, arena.KindGrant, "genesis", ts, ZeroDigest, 1)
	d2 := Digest(agentID, amount, arena.KindGrant, "genesis", ts, ZeroDigest, 1)

	if d1 != d2 {
		t.Fatalf("digest not idempotent: %s != %s", d1, d2)
	}
	if len(d1) != 64 {
		t.Fatalf("expected 64-char hex digest, got %d chars", len(d1))
	}
}

func TestDigestChangesWithAnyField(t *testing.T) {
	t.Parallel()

	agentID := uuid.New()
	amount := decimal.RequireFromString("1.00000000")
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := Digest(agentID, amount, arena.KindWager, "ref", ts, ZeroDigest, 1)

	cases := map[string]string{
		"amount":    Digest(agentID, decimal.RequireFromString("2.00000000"), arena.KindWager, "ref", ts, ZeroDigest, 1),
		"kind":      Digest(agentID, amount, arena.KindHeartbeat, "ref", ts, ZeroDigest, 1),
		"reference": Digest(agentID, amount, arena.KindWager, "other", ts, ZeroDigest, 1),
		"sequence":  Digest(agentID, amount, arena.KindWager, "ref", ts, ZeroDigest, 2),
	}

	for name, digest := range cases {
		if digest == base {
			t.Errorf("changing %s did not change the digest", name)
		}
	}
}

func TestCanonicalAmountFixedScale(t *testing.T) {
	t.Parallel()

	got := arena.CanonicalAmount(decimal.RequireFromString("-0.2"))
	want := "-0.20000000"
	if got != want {
		t.Errorf("CanonicalAmount(-0.2) = %q, want %q", got, want)
	}
}
