package stream

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"arena/internal/arena"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventCodeMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		outcome arena.TickOutcome
		want    string
	}{
		{arena.OutcomeWager, "W"},
		{arena.OutcomeHeartbeat, "H"},
		{arena.OutcomeLiquidation, "L"},
		{arena.OutcomeResearch, "R"},
		{arena.OutcomePortfolio, "R"},
		{arena.OutcomeLiquidationObserved, "H"},
	}

	for _, tc := range cases {
		if got := eventCode(tc.outcome); got != tc.want {
			t.Errorf("eventCode(%s) = %q, want %q", tc.outcome, got, tc.want)
		}
	}
}

func TestPublishWithInvalidURLDoesNotPanic(t *testing.T) {
	t.Parallel()

	p := New("not-a-valid-redis-url", discardLogger())
	p.PublishTickEvent(context.Background(), uuid.New(), arena.OutcomeHeartbeat, nil)
}

func TestPublishClearsConnectionOnFailure(t *testing.T) {
	t.Parallel()

	p := New("redis://127.0.0.1:1/0", discardLogger())
	p.PublishTickEvent(context.Background(), uuid.New(), arena.OutcomeWager, nil)

	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client != nil {
		t.Errorf("expected connection to be cleared after a failed publish")
	}
}
