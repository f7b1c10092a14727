// Package metricssink is the companion store written in the same
// transaction as a ledger append. It has no correctness role: a failure
// here must never fail the ledger write that accompanies it.
package metricssink

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"arena/internal/arena"
)

// Sink writes structured MetricsRecords alongside ledger entries.
type Sink struct {
	logger *slog.Logger
}

// New creates a metrics sink.
func New(logger *slog.Logger) *Sink {
	return &Sink{logger: logger.With("component", "metricssink")}
}

// Write inserts rec inside tx. Any failure is logged and swallowed — per
// spec, the ledger write this accompanies must still succeed.
func (s *Sink) Write(ctx context.Context, tx pgx.Tx, rec arena.MetricsRecord) {
	ext, err := json.Marshal(rec.Extension)
	if err != nil {
		s.logger.Warn("metrics record extension marshal failed, dropping record", "error", err)
		return
	}

	// A failed statement aborts the whole Postgres transaction, so the
	// insert runs inside a savepoint that is rolled back on failure.
	sp, err := tx.Begin(ctx)
	if err != nil {
		s.logger.Warn("metrics record savepoint failed, dropping record", "agent_id", rec.AgentID, "error", err)
		return
	}

	_, err = sp.Exec(ctx,
		`INSERT INTO metrics_records
		 (agent_id, tick_id, timestamp, enforcement_mode, outcome, phantom_entropy_fee,
		  would_have_been_liquidated, balance_snapshot, token_cost, prompt_tokens,
		  completion_tokens, idle_streak, decision_density, error_type, enforcement_noop, extension)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.AgentID, rec.TickID, rec.Timestamp, string(rec.EnforcementMode), string(rec.Outcome),
		rec.PhantomEntropyFee, rec.WouldHaveBeenLiquidated, rec.BalanceSnapshot, rec.TokenCost,
		rec.PromptTokens, rec.CompletionTokens, rec.IdleStreak, rec.DecisionDensity,
		rec.ErrorType, rec.EnforcementNoop, ext,
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		s.logger.Warn("metrics record write failed, continuing", "agent_id", rec.AgentID, "error", err)
		return
	}
	if err := sp.Commit(ctx); err != nil {
		s.logger.Warn("metrics record savepoint release failed", "agent_id", rec.AgentID, "error", err)
	}
}
