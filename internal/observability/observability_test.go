package observability

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
)

func TestFromContextNilIsSafe(t *testing.T) {
	t.Parallel()

	c := FromContext(context.Background())
	if c != nil {
		t.Fatalf("expected nil collector outside any scope")
	}
	c.AddTokens(10, 20, decimal.NewFromInt(1))
	c.SetOutcome(arena.OutcomeHeartbeat, decimal.Zero)
	if got := c.Record(); got.Outcome != "" {
		t.Errorf("expected zero-value record from nil collector, got %+v", got)
	}
}

func TestWrapEmitsRecordOnSuccess(t *testing.T) {
	t.Parallel()

	agentID, tickID := uuid.New(), uuid.New()
	var captured arena.MetricsRecord
	sink := func(ctx context.Context, rec arena.MetricsRecord) { captured = rec }

	err := Wrap(context.Background(), agentID, tickID, arena.ModeObserve, slog.Default(), sink, func(ctx context.Context, c *Collector) error {
		c.AddTokens(5, 7, decimal.NewFromFloat(0.002))
		c.SetOutcome(arena.OutcomeWager, decimal.NewFromInt(10))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.Outcome != arena.OutcomeWager {
		t.Errorf("expected outcome WAGER, got %s", captured.Outcome)
	}
	if captured.PromptTokens != 5 || captured.CompletionTokens != 7 {
		t.Errorf("token counts not captured: %+v", captured)
	}
}

func TestWrapEmitsRecordOnError(t *testing.T) {
	t.Parallel()

	agentID, tickID := uuid.New(), uuid.New()
	emitted := false
	sink := func(ctx context.Context, rec arena.MetricsRecord) { emitted = true }

	wantErr := errors.New("boom")
	err := Wrap(context.Background(), agentID, tickID, arena.ModeEnforce, slog.Default(), sink, func(ctx context.Context, c *Collector) error {
		c.SetError("boom")
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected wrapped error to propagate, got %v", err)
	}
	if !emitted {
		t.Errorf("expected sink to be called even on error path")
	}
}

func TestCollectorPropagatesThroughContext(t *testing.T) {
	t.Parallel()

	c := newCollector(uuid.New(), uuid.New(), arena.ModeObserve)
	ctx := WithContext(context.Background(), c)

	nested := func(ctx context.Context) {
		nestedC := FromContext(ctx)
		nestedC.AddTokens(1, 2, decimal.Zero)
	}
	nested(ctx)

	rec := c.Record()
	if rec.PromptTokens != 1 {
		t.Errorf("expected nested call to see the same collector, got %+v", rec)
	}
}
