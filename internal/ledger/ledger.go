// Package ledger implements the per-agent, hash-chained, append-only
// financial ledger. Balance is never stored as ground truth — it is
// always derived by summing an agent's chain.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
)

// ErrSequenceConflict is returned when another writer already claimed the
// next sequence number for this agent. The caller's transaction must be
// aborted; no retry happens at this layer.
var ErrSequenceConflict = errors.New("ledger: sequence conflict")

// ZeroDigest is the previous_digest value stored on an agent's first
// ledger entry.
const ZeroDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// Store is the pgx-backed ledger store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Digest computes the SHA-256 digest of a ledger entry as specified:
// SHA256(agent_id|amount|kind|reference|timestamp_iso|previous_digest|sequence).
func Digest(agentID uuid.UUID, amount decimal.Decimal, kind arena.Kind, reference string, ts time.Time, previousDigest string, sequence int64) string {
	parts := []string{
		agentID.String(),
		arena.CanonicalAmount(amount),
		string(kind),
		reference,
		ts.UTC().Format(time.RFC3339Nano),
		previousDigest,
		fmt.Sprintf("%d", sequence),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Append inserts the next ledger entry for agentID inside tx, without
// committing. It reads the current tip, computes the new sequence and
// digest, and inserts. On a unique-constraint collision it returns
// ErrSequenceConflict.
func (s *Store) Append(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, amount decimal.Decimal, kind arena.Kind, reference string) (arena.LedgerEntry, error) {
	var tipSeq int64
	var tipDigest string
	err := tx.QueryRow(ctx,
		`SELECT sequence, digest FROM ledger_entries WHERE agent_id = $1 ORDER BY sequence DESC LIMIT 1 FOR UPDATE`,
		agentID,
	).Scan(&tipSeq, &tipDigest)

	var nextSeq int64
	var prevDigest string
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		nextSeq = 1
		prevDigest = ZeroDigest
	case err != nil:
		return arena.LedgerEntry{}, fmt.Errorf("ledger: read tip: %w", err)
	default:
		nextSeq = tipSeq + 1
		prevDigest = tipDigest
	}

	ts := time.Now().UTC()
	digest := Digest(agentID, amount, kind, reference, ts, prevDigest, nextSeq)

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (agent_id, sequence, amount, kind, reference, timestamp, previous_digest, digest)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agentID, nextSeq, amount, string(kind), reference, ts, prevDigest, digest,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return arena.LedgerEntry{}, ErrSequenceConflict
		}
		return arena.LedgerEntry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}

	return arena.LedgerEntry{
		AgentID:        agentID,
		Sequence:       nextSeq,
		Amount:         amount,
		Kind:           kind,
		Reference:      reference,
		Timestamp:      ts,
		PreviousDigest: prevDigest,
		Digest:         digest,
	}, nil
}

// ChainSum returns the authoritative balance: the sum of amount over every
// entry for agentID. Returns zero if the agent has no entries.
func (s *Store) ChainSum(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE agent_id = $1`,
		agentID,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: chain sum: %w", err)
	}
	return sum, nil
}

// IdleStreak returns the number of most-recent consecutive HEARTBEAT
// entries at the tip of agentID's chain.
func (s *Store) IdleStreak(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (int, error) {
	rows, err := tx.Query(ctx,
		`SELECT kind FROM ledger_entries WHERE agent_id = $1 ORDER BY sequence DESC`,
		agentID,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: idle streak: %w", err)
	}
	defer rows.Close()

	streak := 0
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return 0, fmt.Errorf("ledger: idle streak scan: %w", err)
		}
		if arena.Kind(kind) != arena.KindHeartbeat {
			break
		}
		streak++
	}
	return streak, rows.Err()
}

// LoadChain returns every entry for agentID in sequence order, for
// integrity verification.
func (s *Store) LoadChain(ctx context.Context, agentID uuid.UUID) ([]arena.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, sequence, amount, kind, reference, timestamp, previous_digest, digest
		 FROM ledger_entries WHERE agent_id = $1 ORDER BY sequence ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: load chain: %w", err)
	}
	defer rows.Close()

	var entries []arena.LedgerEntry
	for rows.Next() {
		var e arena.LedgerEntry
		var kind string
		if err := rows.Scan(&e.AgentID, &e.Sequence, &e.Amount, &kind, &e.Reference, &e.Timestamp, &e.PreviousDigest, &e.Digest); err != nil {
			return nil, fmt.Errorf("ledger: load chain scan: %w", err)
		}
		e.Kind = arena.Kind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Genesis brings a new agent into existence: it inserts the agents row and
// appends the opening GRANT entry in the same transaction, so an agent
// never exists without a balance or a balance without an agent. Idempotent
// by agent_id — if the agent already exists, it returns (false, nil)
// without writing anything.
func (s *Store) Genesis(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal, personality []byte) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("ledger: begin genesis: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agents WHERE id = $1)`, agentID).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger: genesis existence check: %w", err)
	}
	if exists {
		return false, nil
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO agents (id, status, cached_balance, last_action_at, personality, genesis_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		agentID, string(arena.AgentAlive), amount, now, personality, now,
	)
	if err != nil {
		return false, fmt.Errorf("ledger: genesis insert agent: %w", err)
	}

	if _, err := s.Append(ctx, tx, agentID, amount, arena.KindGrant, "GENESIS_GRANT"); err != nil {
		return false, fmt.Errorf("ledger: genesis append grant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("ledger: genesis commit: %w", err)
	}
	return true, nil
}

// ReviveAgent is the operator-only administrative transition from DEAD to
// ALIVE: marks the agent ALIVE and appends a positive REVIVE entry. It is
// never called by the tick engine or scheduler.
func (s *Store) ReviveAgent(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin revive: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.Append(ctx, tx, agentID, amount, arena.KindRevive, "operator-revive"); err != nil {
		return fmt.Errorf("ledger: revive append: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE agents SET status = $1 WHERE id = $2`, string(arena.AgentAlive), agentID); err != nil {
		return fmt.Errorf("ledger: revive status update: %w", err)
	}
	return tx.Commit(ctx)
}

// Pool exposes the underlying pool for components that need to open their
// own transactions spanning ledger and non-ledger writes (the tick engine).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
