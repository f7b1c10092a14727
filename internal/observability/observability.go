// Package observability is the context-propagating metrics envelope that
// wraps agent tick execution: a per-invocation collector carries a
// working MetricsRecord, accumulates token usage as the tick calls into the
// language model gateway, and is emitted on exit regardless of
// outcome.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
)

type collectorKey struct{}

// Collector carries the working metrics record for one tick. Every setter
// is safe to call even when the collector was obtained from an inactive
// context (see FromContext), so callers never need to branch on whether
// observability is active.
type Collector struct {
	record arena.MetricsRecord
}

// newCollector seeds a fresh collector for one tick.
func newCollector(agentID, tickID uuid.UUID, mode arena.EnforcementMode) *Collector {
	return &Collector{
		record: arena.MetricsRecord{
			AgentID:         agentID,
			TickID:          tickID,
			EnforcementMode: mode,
			Timestamp:       time.Now().UTC(),
			Extension:       map[string]any{},
		},
	}
}

// WithContext activates c on ctx, returning a derived context that
// propagates through nested and asynchronous calls (the language model
// gateway's tracked wrapper looks the collector up this way).
func WithContext(ctx context.Context, c *Collector) context.Context {
	return context.WithValue(ctx, collectorKey{}, c)
}

// FromContext returns the active collector, or nil if none is active.
// Callers outside a tick (e.g. tests exercising the gateway directly)
// always see nil and must treat that as "no tracking", not an error.
func FromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(collectorKey{}).(*Collector)
	return c
}

// AddTokens accumulates prompt/completion token usage and an estimated
// USD cost. Safe to call on a nil receiver (no-op).
func (c *Collector) AddTokens(prompt, completion int, costUSD decimal.Decimal) {
	if c == nil {
		return
	}
	c.record.PromptTokens += prompt
	c.record.CompletionTokens += completion
	c.record.TokenCost = c.record.TokenCost.Add(costUSD)
}

// SetOutcome records the tick's final outcome and balance snapshot.
func (c *Collector) SetOutcome(outcome arena.TickOutcome, balance decimal.Decimal) *Collector {
	if c == nil {
		return c
	}
	c.record.Outcome = outcome
	c.record.BalanceSnapshot = balance
	return c
}

// SetIdleStreak records the idle streak observed at the start of the tick.
func (c *Collector) SetIdleStreak(n int) *Collector {
	if c == nil {
		return c
	}
	c.record.IdleStreak = n
	return c
}

// SetPhantomLiquidation records an observe-mode phantom enforcement
// outcome: the fee that would have been charged and the fact that the
// agent would have been liquidated, without touching the ledger.
func (c *Collector) SetPhantomLiquidation(fee decimal.Decimal) *Collector {
	if c == nil {
		return c
	}
	c.record.WouldHaveBeenLiquidated = true
	c.record.PhantomEntropyFee = fee
	return c
}

// SetError records an error_type. In observe mode it also marks
// enforcement as a no-op for this tick, since observe mode's error path
// makes no ledger write; in enforce mode the error path does write one,
// so EnforcementNoop stays false.
func (c *Collector) SetError(errType string) *Collector {
	if c == nil {
		return c
	}
	c.record.ErrorType = errType
	c.record.EnforcementNoop = c.record.EnforcementMode != arena.ModeEnforce
	return c
}

// SetDecisionDensity records the fraction of the tick's candidate actions
// that were actually taken (a simple density metric over the strategy
// decision).
func (c *Collector) SetDecisionDensity(d float64) *Collector {
	if c == nil {
		return c
	}
	c.record.DecisionDensity = d
	return c
}

// Extend stashes provider-specific or ad hoc metadata into the record's
// extension map.
func (c *Collector) Extend(key string, value any) *Collector {
	if c == nil {
		return c
	}
	if c.record.Extension == nil {
		c.record.Extension = map[string]any{}
	}
	c.record.Extension[key] = value
	return c
}

// Record returns the accumulated MetricsRecord. Called by the wrapper on
// exit.
func (c *Collector) Record() arena.MetricsRecord {
	if c == nil {
		return arena.MetricsRecord{}
	}
	c.record.Timestamp = c.record.Timestamp.UTC()
	return c.record
}

var (
	tickOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_tick_outcomes_total",
		Help: "Count of tick outcomes by type.",
	}, []string{"outcome", "mode"})

	tickTokenCost = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_tick_token_cost_usd",
		Help:    "Estimated USD token cost per tick.",
		Buckets: prometheus.DefBuckets,
	})

	phantomLiquidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "arena_phantom_liquidations_total",
		Help: "Count of observe-mode phantom liquidations.",
	})
)

func init() {
	prometheus.MustRegister(tickOutcomes, tickTokenCost, phantomLiquidations)
}

// Sink observes the final MetricsRecord once fn has returned. It runs
// after fn's own transaction (if any) has already committed, so it must
// never be used to persist the record — durable persistence happens
// inside fn, against fn's own live transaction, before that transaction
// commits. Sink exists for callers that need the finalized record for
// something transaction-independent, such as a post-tick log line.
type Sink func(ctx context.Context, rec arena.MetricsRecord)

// Wrap creates a collector, activates it on ctx for the duration of fn,
// and reports the resulting record via sink on every exit path — success,
// panic, or early return — exactly once. A panic in fn is recovered after
// reporting and returned as an error, so the caller still sees a failure.
func Wrap(ctx context.Context, agentID, tickID uuid.UUID, mode arena.EnforcementMode, logger *slog.Logger, sink Sink, fn func(ctx context.Context, c *Collector) error) (err error) {
	c := newCollector(agentID, tickID, mode)
	scoped := WithContext(ctx, c)

	defer func() {
		rec := c.Record()
		tickOutcomes.WithLabelValues(string(rec.Outcome), string(rec.EnforcementMode)).Inc()
		if rec.WouldHaveBeenLiquidated {
			phantomLiquidations.Inc()
		}
		if !rec.TokenCost.IsZero() {
			f, _ := rec.TokenCost.Float64()
			tickTokenCost.Observe(f)
		}
		if sink != nil {
			sink(ctx, rec)
		}
		if p := recover(); p != nil {
			logger.Error("tick panicked", "agent_id", agentID, "tick_id", tickID, "panic", p)
			err = fnPanicError{p}
		}
	}()

	return fn(scoped, c)
}

type fnPanicError struct{ v any }

func (e fnPanicError) Error() string { return "observability: recovered panic in wrapped function" }
