// Package scheduler drives the arena's main loop: every tick interval it
// enumerates ALIVE agents and executes a tick for each, with a per-agent
// error boundary so one agent's failure never stops the fleet sweep. A
// cron job ensures the market catalog stays populated and resolves markets
// past their deadline.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
	"arena/internal/config"
	"arena/internal/marketmaker"
	"arena/internal/resolution"
	"arena/internal/tickengine"
)

// Reading fetches a current value for a threshold market's subject,
// used by the resolution sweep. Supplied by main, since the concrete
// source (weather/github/news APIs) lives in the marketmaker package.
type Reading func(ctx context.Context, subject string) (decimal.Decimal, error)

// Scheduler owns the main engine loop's lifecycle: background goroutines,
// a cron runner, and a shutdown signal.
type Scheduler struct {
	pool     *pgxpool.Pool
	engine   *tickengine.Engine
	maker    *marketmaker.Maker
	resolver *resolution.Engine
	cfg      *config.Config
	reading  Reading
	logger   *slog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a scheduler from its already-constructed components.
func New(
	pool *pgxpool.Pool,
	engine *tickengine.Engine,
	maker *marketmaker.Maker,
	resolver *resolution.Engine,
	cfg *config.Config,
	reading Reading,
	logger *slog.Logger,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pool:     pool,
		engine:   engine,
		maker:    maker,
		resolver: resolver,
		cfg:      cfg,
		reading:  reading,
		logger:   logger.With("component", "scheduler"),
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// cronSpec builds a robfig/cron "@every" spec from a Go duration.
func cronSpec(interval time.Duration) string {
	return "@every " + interval.String()
}

// Start launches the fleet sweep loop and the market-maintenance cron job.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(cronSpec(s.cfg.MarketMaker.Interval), s.runMarketMaintenance)
	if err != nil {
		return err
	}
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runFleetLoop()
	}()

	return nil
}

// Stop cancels the fleet loop, stops the cron runner, and waits for both
// to finish their current cycle.
func (s *Scheduler) Stop() {
	s.logger.Info("shutting down...")
	s.cancel()
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.wg.Wait()
	s.logger.Info("shutdown complete")
}

// runFleetLoop sleeps in one-second increments so a shutdown signal is
// noticed promptly even when TickRate is large, then runs one tick per
// ALIVE agent every TickRate.
func (s *Scheduler) runFleetLoop() {
	elapsed := s.cfg.TickRate // fire immediately on the first iteration
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			elapsed += time.Second
			if elapsed < s.cfg.TickRate {
				continue
			}
			elapsed = 0
			s.sweepFleet()
		}
	}
}

// sweepFleet ticks every ALIVE agent. A single agent's failure is
// contained by the tick engine's own error boundary and never aborts the
// sweep; sweepFleet itself only guards against a query failure.
func (s *Scheduler) sweepFleet() {
	agentIDs, err := s.loadAliveAgentIDs()
	if err != nil {
		s.logger.Error("fleet sweep: failed to load agent roster", "error", err)
		return
	}

	for _, id := range agentIDs {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.tickOneAgent(id)
	}
}

func (s *Scheduler) tickOneAgent(agentID uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked outside observability wrapper, agent skipped", "agent_id", agentID, "panic", r)
		}
	}()

	outcome, err := s.engine.ExecuteTick(s.ctx, agentID)
	if err != nil {
		s.logger.Error("tick returned error after its own error boundary ran", "agent_id", agentID, "error", err)
		return
	}
	s.logger.Debug("agent ticked", "agent_id", agentID, "outcome", outcome)
}

func (s *Scheduler) loadAliveAgentIDs() ([]uuid.UUID, error) {
	rows, err := s.pool.Query(s.ctx, `SELECT id FROM agents WHERE status = $1`, string(arena.AgentAlive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// runMarketMaintenance is the cron job body: top up the open-market pool,
// then resolve any threshold markets past their deadline.
func (s *Scheduler) runMarketMaintenance() {
	created, err := s.maker.EnsureOpenMarkets(s.ctx, s.cfg.MarketMaker.MinOpen)
	if err != nil {
		s.logger.Error("market maintenance: ensure open markets failed", "error", err)
	} else if created > 0 {
		s.logger.Info("market maintenance: created markets", "count", created)
	}

	if s.reading == nil {
		return
	}
	resolved, err := s.resolver.ResolveDue(s.ctx, s.reading)
	if err != nil {
		s.logger.Error("market maintenance: resolve due failed", "error", err)
	} else if resolved > 0 {
		s.logger.Info("market maintenance: resolved markets", "count", resolved)
	}
}
