// Package resolution implements settlement for prediction markets: instant
// cryptographic-commitment resolution for knowledge markets, and a
// deferred sweep for deadline-based markets.
package resolution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
	"arena/internal/ledger"
)

// Result is the outcome of an instant research-answer submission.
type Result string

const (
	ResultCorrect Result = "CORRECT"
	ResultWrong   Result = "WRONG"
	ResultClosed  Result = "CLOSED"
)

// Engine resolves markets against the ledger store.
type Engine struct {
	ledger *ledger.Store
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a resolution engine.
func New(ledgerStore *ledger.Store, pool *pgxpool.Pool, logger *slog.Logger) *Engine {
	return &Engine{ledger: ledgerStore, pool: pool, logger: logger.With("component", "resolution")}
}

// SubmitResearchAnswer is the instant-settlement path for knowledge
// markets. It always records a MarketPrediction and a MARKET_STAKE entry
// for the stake, even on a correct or wrong answer. It does not commit —
// the caller (the tick engine) owns the transaction.
func (e *Engine) SubmitResearchAnswer(ctx context.Context, tx pgx.Tx, agentID, marketID uuid.UUID, answerText string, stake decimal.Decimal, tickID uuid.UUID) (*arena.MarketPrediction, Result, error) {
	var description, sourceKind, status string
	var criteriaRaw []byte
	var bounty decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT description, source_kind, criteria, status, bounty FROM markets WHERE id = $1 FOR UPDATE`,
		marketID,
	).Scan(&description, &sourceKind, &criteriaRaw, &status, &bounty)
	if err != nil {
		return nil, ResultClosed, fmt.Errorf("resolution: load market: %w", err)
	}

	if arena.MarketStatus(status) != arena.MarketOpen {
		return nil, ResultClosed, nil
	}

	var criteria arena.ResearchCriteria
	if err := json.Unmarshal(criteriaRaw, &criteria); err != nil {
		return nil, ResultClosed, fmt.Errorf("resolution: unmarshal criteria: %w", err)
	}

	if _, err := e.ledger.Append(ctx, tx, agentID, stake.Neg(), arena.KindMarketStake, tickID.String()); err != nil {
		return nil, ResultClosed, fmt.Errorf("resolution: append stake: %w", err)
	}

	prediction := &arena.MarketPrediction{
		ID:          uuid.New(),
		MarketID:    marketID,
		AgentID:     agentID,
		OutcomeText: answerText,
		Stake:       stake,
		CreatedAt:   time.Now().UTC(),
	}

	correct := matchesCommitment(criteria, answerText)
	if correct {
		prediction.Status = arena.PredictionWin
		prediction.Payout = bounty.Add(stake)

		if _, err := e.ledger.Append(ctx, tx, agentID, prediction.Payout, arena.KindResearchPayout, tickID.String()); err != nil {
			return nil, ResultClosed, fmt.Errorf("resolution: append payout: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE markets SET status = $1, outcome = $2 WHERE id = $3`,
			string(arena.MarketResolved), answerText, marketID,
		); err != nil {
			return nil, ResultClosed, fmt.Errorf("resolution: resolve market: %w", err)
		}
	} else {
		prediction.Status = arena.PredictionLoss
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO market_predictions (id, market_id, agent_id, outcome_text, stake, status, payout, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		prediction.ID, prediction.MarketID, prediction.AgentID, prediction.OutcomeText,
		prediction.Stake, string(prediction.Status), prediction.Payout, prediction.CreatedAt,
	); err != nil {
		return nil, ResultClosed, fmt.Errorf("resolution: insert prediction: %w", err)
	}

	if correct {
		return prediction, ResultCorrect, nil
	}
	return prediction, ResultWrong, nil
}

// matchesCommitment compares SHA-256(trimmed answer) against the stored
// commitment using an exact_string match.
func matchesCommitment(criteria arena.ResearchCriteria, answer string) bool {
	trimmed := strings.TrimSpace(answer)
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:]) == criteria.AnswerHash
}

// CommitAnswer computes the commitment a market maker stores in a
// knowledge market's criteria — never the answer itself.
func CommitAnswer(canonicalAnswer string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(canonicalAnswer)))
	return hex.EncodeToString(sum[:])
}

// ResolveDue sweeps OPEN markets past their deadline (any source kind
// except RESEARCH, which settles instantly), evaluates each one's
// threshold criteria against a fresh reading, and pays out winners. A
// failure resolving one market does not stop the sweep.
func (e *Engine) ResolveDue(ctx context.Context, reading func(ctx context.Context, subject string) (decimal.Decimal, error)) (int, error) {
	rows, err := e.pool.Query(ctx,
		`SELECT id FROM markets WHERE status = $1 AND source_kind != $2 AND deadline <= now()`,
		string(arena.MarketOpen), string(arena.SourceResearch),
	)
	if err != nil {
		return 0, fmt.Errorf("resolution: list due: %w", err)
	}
	var dueIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("resolution: scan due id: %w", err)
		}
		dueIDs = append(dueIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	resolved := 0
	for _, id := range dueIDs {
		if err := e.resolveOne(ctx, id, reading); err != nil {
			e.logger.Error("resolve due market failed, continuing sweep", "market_id", id, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (e *Engine) resolveOne(ctx context.Context, marketID uuid.UUID, reading func(ctx context.Context, subject string) (decimal.Decimal, error)) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var criteriaRaw []byte
	var bounty decimal.Decimal
	err = tx.QueryRow(ctx, `SELECT criteria, bounty FROM markets WHERE id = $1 FOR UPDATE`, marketID).Scan(&criteriaRaw, &bounty)
	if err != nil {
		return fmt.Errorf("load market: %w", err)
	}

	var criteria arena.ThresholdCriteria
	if err := json.Unmarshal(criteriaRaw, &criteria); err != nil {
		return fmt.Errorf("unmarshal criteria: %w", err)
	}

	current, err := reading(ctx, criteria.Subject)
	if err != nil {
		return fmt.Errorf("fetch reading: %w", err)
	}

	satisfied := evaluateCriteria(criteria.Operator, current, criteria.Threshold)
	outcome := "NO"
	if satisfied {
		outcome = "YES"
	}

	if _, err := tx.Exec(ctx, `UPDATE markets SET status = $1, outcome = $2 WHERE id = $3`, string(arena.MarketResolved), outcome, marketID); err != nil {
		return fmt.Errorf("resolve market: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT id, agent_id, outcome_text, stake FROM market_predictions WHERE market_id = $1 AND status = $2`, marketID, string(arena.PredictionPending))
	if err != nil {
		return fmt.Errorf("load predictions: %w", err)
	}

	type pred struct {
		id, agentID uuid.UUID
		outcomeText string
		stake       decimal.Decimal
	}
	var preds []pred
	for rows.Next() {
		var p pred
		if err := rows.Scan(&p.id, &p.agentID, &p.outcomeText, &p.stake); err != nil {
			rows.Close()
			return fmt.Errorf("scan prediction: %w", err)
		}
		preds = append(preds, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var winnerStakeTotal decimal.Decimal
	var winners []pred
	for _, p := range preds {
		if p.outcomeText == outcome {
			winners = append(winners, p)
			winnerStakeTotal = winnerStakeTotal.Add(p.stake)
		}
	}

	for _, p := range preds {
		isWinner := p.outcomeText == outcome
		status := arena.PredictionLoss
		payout := decimal.Zero
		if isWinner {
			status = arena.PredictionWin
			if winnerStakeTotal.IsPositive() {
				share := p.stake.Div(winnerStakeTotal)
				payout = bounty.Mul(share).Add(p.stake)
			} else {
				payout = p.stake
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE market_predictions SET status = $1, payout = $2 WHERE id = $3`, string(status), payout, p.id); err != nil {
			return fmt.Errorf("update prediction: %w", err)
		}
		if isWinner && payout.IsPositive() {
			if _, err := e.ledger.Append(ctx, tx, p.agentID, payout, arena.KindResearchPayout, marketID.String()); err != nil {
				return fmt.Errorf("append payout: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

// evaluateCriteria resolves the non-knowledge-market Open Question:
// strict operators are strict at the boundary.
func evaluateCriteria(operator string, current, threshold decimal.Decimal) bool {
	switch operator {
	case ">":
		return current.GreaterThan(threshold)
	case "<":
		return current.LessThan(threshold)
	case ">=":
		return current.GreaterThanOrEqual(threshold)
	case "<=":
		return current.LessThanOrEqual(threshold)
	default:
		return false
	}
}
