// Autonomous agent arena — a tick-driven simulation where LLM-backed
// agents pay a progressive entropy fee every tick, wager on prediction
// markets, and answer knowledge questions, all accounted through a
// hash-chained append-only ledger.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires every component, waits for SIGINT/SIGTERM
//	internal/tickengine        — per-agent orchestrator: entropy, solvency, strategy, ledger writes
//	internal/scheduler         — fleet sweep loop + market maintenance cron job
//	internal/ledger            — hash-chained append-only financial ledger
//	internal/metricssink       — per-tick observability record persistence
//	internal/market            — open-prediction-market catalog
//	internal/resolution        — instant and deferred market settlement
//	internal/marketmaker       — external-feed-driven market generation
//	internal/llmgateway        — provider-agnostic language model gateway
//	internal/toolgateway       — external knowledge lookup with retry/fallback
//	internal/stream            — redis pub/sub tick event publisher
//	internal/observability     — context-scoped metrics collection
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"arena/internal/config"
	"arena/internal/ledger"
	"arena/internal/llmgateway"
	"arena/internal/market"
	"arena/internal/marketmaker"
	"arena/internal/metricssink"
	"arena/internal/resolution"
	"arena/internal/scheduler"
	"arena/internal/stream"
	"arena/internal/tickengine"
	"arena/internal/toolgateway"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		logger.Error("failed to open database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	ledgerStore := ledger.New(pool)

	genesisCtx, genesisCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := bootstrapGenesis(genesisCtx, pool, ledgerStore, cfg, logger); err != nil {
		genesisCancel()
		logger.Error("genesis bootstrap failed", "error", err)
		os.Exit(1)
	}
	genesisCancel()

	sink := metricssink.New(logger)
	catalog := market.New(pool, logger)
	resolver := resolution.New(ledgerStore, pool, logger)
	maker := marketmaker.New(cfg.MarketMaker, catalog, pool, logger)
	publisher := stream.New(cfg.RedisURL, logger)
	defer publisher.Close()

	llm, err := llmgateway.New(cfg.LLM, logger)
	if err != nil {
		logger.Error("failed to build llm gateway", "error", err)
		os.Exit(1)
	}
	tools := toolgateway.New(
		"https://en.wikipedia.org/api/rest_v1/page/summary",
		"https://en.wikipedia.org/w/api.php",
		logger,
	)

	engine := tickengine.New(
		ledgerStore, sink, catalog, resolver, llm, tools, publisher,
		cfg.EnforcementMode, cfg.Entropy, cfg.Strategy, logger,
	)

	sched := scheduler.New(pool, engine, maker, resolver, cfg, maker.Reading, logger)
	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	logger.Info("arena started",
		"enforcement_mode", cfg.EnforcementMode,
		"tick_rate", cfg.TickRate,
		"llm_provider", cfg.LLM.Provider,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	sched.Stop()
	logger.Info("arena stopped")
}

// bootstrapGenesis provisions the initial agent population: if
// GENESIS_POPULATION is unset (0) it's a no-op, since an operator may be
// reviving an existing arena rather than starting a fresh one. Otherwise it
// tops the agent count up to GENESIS_POPULATION, genesis-ing one agent at a
// time — each insert-agent-plus-GRANT pair is atomic, so a crash mid-bootstrap
// never leaves a balance-less agent or an agent-less ledger entry behind.
func bootstrapGenesis(ctx context.Context, pool *pgxpool.Pool, ledgerStore *ledger.Store, cfg *config.Config, logger *slog.Logger) error {
	if cfg.GenesisPopulation <= 0 {
		return nil
	}

	var existing int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&existing); err != nil {
		return err
	}

	created := 0
	for i := existing; i < cfg.GenesisPopulation; i++ {
		ok, err := ledgerStore.Genesis(ctx, uuid.New(), cfg.GenesisBalance, nil)
		if err != nil {
			return err
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		logger.Info("genesis bootstrap complete", "agents_created", created, "genesis_balance", cfg.GenesisBalance.String())
	}
	return nil
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
