// Package market is the open-prediction-market catalog: listing markets
// available to an agent and creating new ones with per-kind criteria
// validation.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
)

// ErrDuplicateDescription is returned by Create when an OPEN market with
// the same description already exists.
var ErrDuplicateDescription = errors.New("market: duplicate open market description")

// ErrInvalidCriteria is returned when criteria does not match the schema
// for its source kind.
var ErrInvalidCriteria = errors.New("market: invalid criteria for source kind")

// Catalog is the pgx-backed market catalog.
type Catalog struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a market catalog.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Catalog {
	return &Catalog{pool: pool, logger: logger.With("component", "market-catalog")}
}

// ListActiveForAgent returns OPEN markets agentID has not yet staked on,
// ordered by soonest deadline, capped at limit.
func (c *Catalog) ListActiveForAgent(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, limit int) ([]arena.Market, error) {
	rows, err := tx.Query(ctx,
		`SELECT m.id, m.description, m.source_kind, m.criteria, m.status, m.bounty, m.deadline, m.outcome, m.created_at
		 FROM markets m
		 WHERE m.status = $1
		   AND NOT EXISTS (
		     SELECT 1 FROM market_predictions p WHERE p.market_id = m.id AND p.agent_id = $2
		   )
		 ORDER BY m.deadline ASC
		 LIMIT $3`,
		string(arena.MarketOpen), agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("market: list active: %w", err)
	}
	defer rows.Close()

	var markets []arena.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (arena.Market, error) {
	var m arena.Market
	var sourceKind, status string
	if err := row.Scan(&m.ID, &m.Description, &sourceKind, &m.Criteria, &status, &m.Bounty, &m.Deadline, &m.Outcome, &m.CreatedAt); err != nil {
		return arena.Market{}, fmt.Errorf("market: scan: %w", err)
	}
	m.SourceKind = arena.SourceKind(sourceKind)
	m.Status = arena.MarketStatus(status)
	return m, nil
}

// Create validates criteria against the schema for sourceKind, rejects a
// duplicate description among currently-OPEN markets, and inserts a new
// OPEN market.
func (c *Catalog) Create(ctx context.Context, tx pgx.Tx, description string, sourceKind arena.SourceKind, criteria []byte, bounty decimal.Decimal, deadline time.Time) (arena.Market, error) {
	if err := validateCriteria(sourceKind, criteria); err != nil {
		return arena.Market{}, err
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM markets WHERE description = $1 AND status = $2)`,
		description, string(arena.MarketOpen),
	).Scan(&exists); err != nil {
		return arena.Market{}, fmt.Errorf("market: duplicate check: %w", err)
	}
	if exists {
		return arena.Market{}, ErrDuplicateDescription
	}

	m := arena.Market{
		ID:          uuid.New(),
		Description: description,
		SourceKind:  sourceKind,
		Criteria:    criteria,
		Status:      arena.MarketOpen,
		Bounty:      bounty,
		Deadline:    deadline,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO markets (id, description, source_kind, criteria, status, bounty, deadline, outcome, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.Description, string(m.SourceKind), m.Criteria, string(m.Status), m.Bounty, m.Deadline, m.Outcome, m.CreatedAt,
	)
	if err != nil {
		return arena.Market{}, fmt.Errorf("market: insert: %w", err)
	}
	return m, nil
}

func validateCriteria(sourceKind arena.SourceKind, criteria []byte) error {
	switch sourceKind {
	case arena.SourceResearch:
		var rc arena.ResearchCriteria
		if err := json.Unmarshal(criteria, &rc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
		}
		if rc.AnswerHash == "" || rc.MatchType == "" {
			return fmt.Errorf("%w: research criteria missing answer_hash/match_type", ErrInvalidCriteria)
		}
	case arena.SourceWeather, arena.SourceGitHub, arena.SourceNews:
		var tc arena.ThresholdCriteria
		if err := json.Unmarshal(criteria, &tc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
		}
		if tc.Subject == "" || tc.Operator == "" {
			return fmt.Errorf("%w: threshold criteria missing subject/operator", ErrInvalidCriteria)
		}
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidCriteria, sourceKind)
	}
	return nil
}
