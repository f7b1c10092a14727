// Package tickengine is the orchestrator: the per-agent state machine
// that computes the progressive entropy fee, chooses an action, writes
// ledger entries, emits metrics, and publishes a stream event — exactly
// once per scheduled invocation, guaranteeing the Write-or-Die contract
// in enforce mode.
package tickengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
	"arena/internal/config"
	"arena/internal/ledger"
	"arena/internal/llmgateway"
	"arena/internal/market"
	"arena/internal/metricssink"
	"arena/internal/observability"
	"arena/internal/resolution"
	"arena/internal/stream"
	"arena/internal/toolgateway"
)

// lowConfidenceThreshold is the confidence floor below which the research
// path consults the tool gateway before committing to an answer.
const lowConfidenceThreshold = 0.5

// Engine wires every component the tick contract touches.
type Engine struct {
	ledger      *ledger.Store
	sink        *metricssink.Sink
	catalog     *market.Catalog
	resolver    *resolution.Engine
	llm         *llmgateway.Gateway
	tools       *toolgateway.Gateway
	publisher   *stream.Publisher
	mode        arena.EnforcementMode
	entropy     config.EntropyConfig
	strategy    config.StrategyConfig
	logger      *slog.Logger
}

// New creates a tick engine.
func New(
	ledgerStore *ledger.Store,
	sink *metricssink.Sink,
	catalog *market.Catalog,
	resolver *resolution.Engine,
	llm *llmgateway.Gateway,
	tools *toolgateway.Gateway,
	publisher *stream.Publisher,
	mode arena.EnforcementMode,
	entropy config.EntropyConfig,
	strategy config.StrategyConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		ledger:    ledgerStore,
		sink:      sink,
		catalog:   catalog,
		resolver:  resolver,
		llm:       llm,
		tools:     tools,
		publisher: publisher,
		mode:      mode,
		entropy:   entropy,
		strategy:  strategy,
		logger:    logger.With("component", "tickengine"),
	}
}

// strategyHint is the strategy decision's proposed action — a hint, not
// a binding decision; the engine still enforces feasibility below it.
type strategyHint string

const (
	hintResearch  strategyHint = "RESEARCH"
	hintPortfolio strategyHint = "PORTFOLIO"
	hintWager     strategyHint = "WAGER"
	hintWait      strategyHint = "WAIT"
)

// ExecuteTick runs the full tick contract for one agent, guaranteeing
// that a MetricsRecord is persisted on every exit path, alongside
// whatever ledger write that path itself makes.
func (e *Engine) ExecuteTick(ctx context.Context, agentID uuid.UUID) (arena.TickOutcome, error) {
	tickID := uuid.New()
	var outcome arena.TickOutcome

	var rec arena.MetricsRecord
	sink := func(ctx context.Context, r arena.MetricsRecord) {
		rec = r
	}

	err := observability.Wrap(ctx, agentID, tickID, e.mode, e.logger, sink, func(ctx context.Context, c *Collector) error {
		o, runErr := func() (o arena.TickOutcome, runErr error) {
			defer func() {
				if p := recover(); p != nil {
					runErr = fmt.Errorf("tickengine: panic during tick: %v", p)
				}
			}()
			return e.runTick(ctx, agentID, tickID, c)
		}()
		outcome = o
		if runErr != nil {
			boundaryOutcome, boundaryErr := e.errorBoundary(ctx, agentID, tickID, runErr, c)
			outcome = boundaryOutcome
			return boundaryErr
		}
		return nil
	})

	if outcome != "" {
		fee := e.computeFee(rec.IdleStreak)
		e.logger.Info(fmt.Sprintf("TICK %s agent=%s outcome=%s fee=%s idle=%d mode=%s",
			tickID.String()[:8], agentID, outcome, fee.StringFixed(2), rec.IdleStreak, e.mode))
	}
	return outcome, err
}

// Collector is an alias so this package doesn't need to import
// observability in every signature above; kept local for readability.
type Collector = observability.Collector

// persistMetricsBestEffort writes rec in its own short-lived transaction.
// Used only on paths that make no ledger write of their own (observe
// mode's phantom enforcement and observe mode's error boundary) and
// therefore have no live transaction for
// the record to ride along with. Every other path writes the record
// through the tick's own transaction, before that transaction commits.
func (e *Engine) persistMetricsBestEffort(ctx context.Context, rec arena.MetricsRecord) {
	tx, err := e.ledger.Pool().Begin(ctx)
	if err != nil {
		e.logger.Warn("metrics: could not open transaction, dropping record", "error", err)
		return
	}
	defer tx.Rollback(ctx)
	e.sink.Write(ctx, tx, rec)
	if err := tx.Commit(ctx); err != nil {
		e.logger.Warn("metrics: commit failed, dropping record", "error", err)
	}
}

// runTick is steps 1-11 of the tick contract. Any error returned here
// after step 2 triggers the error boundary in ExecuteTick.
func (e *Engine) runTick(ctx context.Context, agentID, tickID uuid.UUID, c *Collector) (arena.TickOutcome, error) {
	tx, err := e.ledger.Pool().Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("tickengine: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()

	// Step 2: load agent.
	status, err := loadAgentStatus(ctx, tx, agentID)
	if err != nil {
		return "", fmt.Errorf("tickengine: load agent: %w", err)
	}
	if status == "" || arena.AgentStatus(status) == arena.AgentDead {
		c.SetOutcome(arena.OutcomeHeartbeat, decimal.Zero)
		e.sink.Write(ctx, tx, c.Record())
		committed = true
		tx.Commit(ctx)
		return arena.OutcomeHeartbeat, nil
	}

	// Step 3: authoritative balance.
	balance, err := e.ledger.ChainSum(ctx, tx, agentID)
	if err != nil {
		return "", fmt.Errorf("tickengine: chain sum: %w", err)
	}

	// Step 4: progressive entropy fee.
	idleStreak, err := e.ledger.IdleStreak(ctx, tx, agentID)
	if err != nil {
		return "", fmt.Errorf("tickengine: idle streak: %w", err)
	}
	fee := e.computeFee(idleStreak)
	c.SetIdleStreak(idleStreak)

	// Step 5: solvency check.
	if balance.LessThan(fee) {
		return e.handleInsolvency(ctx, tx, agentID, tickID, balance, fee, c, &committed)
	}

	// Step 6: strategy decision (best-effort hint).
	researchCount, otherCount, err := e.countAvailableMarkets(ctx, tx, agentID)
	if err != nil {
		return "", fmt.Errorf("tickengine: count markets: %w", err)
	}
	hint := e.decideStrategy(ctx, idleStreak, fee, researchCount, otherCount)

	outcome := arena.OutcomeHeartbeat
	var stakesWritten int

	// Step 7: research attempt (at most one per tick).
	researchHandled := false
	if researchCount > 0 {
		handled, researchOutcome, err := e.attemptResearch(ctx, tx, agentID, tickID, c)
		if err != nil {
			return "", fmt.Errorf("tickengine: research attempt: %w", err)
		}
		if handled {
			researchHandled = true
			outcome = researchOutcome
			stakesWritten++
			balance, err = e.ledger.ChainSum(ctx, tx, agentID)
			if err != nil {
				return "", fmt.Errorf("tickengine: re-read chain sum after research: %w", err)
			}
		}
	}

	// Step 8: portfolio attempt, only if research was skipped or failed.
	if !researchHandled {
		placed, err := e.attemptPortfolio(ctx, tx, agentID, tickID, balance)
		if err != nil {
			return "", fmt.Errorf("tickengine: portfolio attempt: %w", err)
		}
		if placed > 0 {
			outcome = arena.OutcomePortfolio
			stakesWritten += placed
			balance, err = e.ledger.ChainSum(ctx, tx, agentID)
			if err != nil {
				return "", fmt.Errorf("tickengine: re-read chain sum after portfolio: %w", err)
			}
		}
	}

	// Step 9: single-wager fallback.
	if stakesWritten == 0 && hint != hintWait && balance.GreaterThanOrEqual(fee.Add(e.strategy.WagerFloor)) {
		if err := e.attemptWager(ctx, tx, agentID, tickID, balance, fee, c); err != nil {
			return "", fmt.Errorf("tickengine: wager attempt: %w", err)
		}
		outcome = arena.OutcomeWager
		stakesWritten++
	}

	// Step 10: entropy finalization.
	if e.mode == arena.ModeEnforce {
		if _, err := e.ledger.Append(ctx, tx, agentID, fee.Neg(), arena.KindHeartbeat, tickID.String()); err != nil {
			return "", fmt.Errorf("tickengine: append entropy heartbeat: %w", err)
		}
	} else {
		c.Extend("phantom_entropy_fee_noted", true)
	}

	finalBalance, err := e.ledger.ChainSum(ctx, tx, agentID)
	if err != nil {
		return "", fmt.Errorf("tickengine: final chain sum: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE agents SET cached_balance = $1, last_action_at = now() WHERE id = $2`, finalBalance, agentID); err != nil {
		return "", fmt.Errorf("tickengine: reconcile cached balance: %w", err)
	}

	// Step 11: finalize metrics and commit atomically, then publish.
	c.SetOutcome(outcome, finalBalance)
	e.sink.Write(ctx, tx, c.Record())

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("tickengine: commit: %w", err)
	}
	committed = true

	var amountForStream *decimal.Decimal
	if outcome == arena.OutcomeWager {
		amountForStream = &fee
	}
	e.publisher.PublishTickEvent(ctx, agentID, outcome, amountForStream)

	return outcome, nil
}

func (e *Engine) computeFee(idleStreak int) decimal.Decimal {
	tiers := decimal.NewFromInt(int64(idleStreak / e.entropy.K))
	fee := e.entropy.Base.Add(e.entropy.Penalty.Mul(tiers))
	if fee.GreaterThan(e.entropy.MaxFee) {
		return e.entropy.MaxFee
	}
	return fee
}

func (e *Engine) handleInsolvency(ctx context.Context, tx pgx.Tx, agentID, tickID uuid.UUID, balance, fee decimal.Decimal, c *Collector, committed *bool) (arena.TickOutcome, error) {
	if e.mode == arena.ModeEnforce {
		if _, err := e.ledger.Append(ctx, tx, agentID, balance.Neg(), arena.KindLiquidation, tickID.String()); err != nil {
			return "", fmt.Errorf("tickengine: append liquidation: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE agents SET status = $1, cached_balance = 0 WHERE id = $2`, string(arena.AgentDead), agentID); err != nil {
			return "", fmt.Errorf("tickengine: liquidate agent: %w", err)
		}

		c.SetOutcome(arena.OutcomeLiquidation, decimal.Zero)
		e.sink.Write(ctx, tx, c.Record())

		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("tickengine: commit liquidation: %w", err)
		}
		*committed = true

		e.publisher.PublishTickEvent(ctx, agentID, arena.OutcomeLiquidation, &balance)
		return arena.OutcomeLiquidation, nil
	}

	// observe mode: no ledger write, phantom enforcement only — there is
	// no live transaction for the metrics record to ride along with.
	tx.Rollback(ctx)
	*committed = true

	e.publisher.PublishTickEvent(ctx, agentID, arena.OutcomeLiquidationObserved, &fee)
	c.SetPhantomLiquidation(fee)
	c.SetOutcome(arena.OutcomeLiquidationObserved, balance)
	e.persistMetricsBestEffort(ctx, c.Record())
	return arena.OutcomeLiquidationObserved, nil
}

func loadAgentStatus(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (string, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM agents WHERE id = $1 FOR UPDATE`, agentID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func (e *Engine) countAvailableMarkets(ctx context.Context, tx pgx.Tx, agentID uuid.UUID) (researchCount, otherCount int, err error) {
	markets, err := e.catalog.ListActiveForAgent(ctx, tx, agentID, 50)
	if err != nil {
		return 0, 0, err
	}
	for _, m := range markets {
		if m.SourceKind == arena.SourceResearch {
			researchCount++
		} else {
			otherCount++
		}
	}
	return researchCount, otherCount, nil
}

// decideStrategy calls the language model gateway for a hint, falling
// back to the fixed priority chain RESEARCH -> PORTFOLIO -> WAGER -> WAIT
// on any failure, nil response, or unrecognized output.
func (e *Engine) decideStrategy(ctx context.Context, idleStreak int, fee decimal.Decimal, researchCount, otherCount int) strategyHint {
	prompt := fmt.Sprintf(
		"idle_streak=%d fee=%s research_markets=%d other_markets=%d. Propose one action: RESEARCH, PORTFOLIO, WAGER, or WAIT.",
		idleStreak, fee.String(), researchCount, otherCount,
	)
	text, err := e.llm.Generate(ctx, []llmgateway.Message{{Role: "user", Content: prompt}}, llmgateway.GenerateOptions{MaxTokens: 10})
	if err != nil || text == nil {
		return fallbackHint(researchCount, otherCount)
	}
	switch strategyHint(strings.ToUpper(strings.TrimSpace(*text))) {
	case hintResearch:
		return hintResearch
	case hintPortfolio:
		return hintPortfolio
	case hintWager:
		return hintWager
	case hintWait:
		return hintWait
	default:
		return fallbackHint(researchCount, otherCount)
	}
}

func fallbackHint(researchCount, otherCount int) strategyHint {
	if researchCount > 0 {
		return hintResearch
	}
	if otherCount > 0 {
		return hintPortfolio
	}
	return hintWager
}

// researchAnswer is the JSON shape the language model gateway is asked
// to produce for a knowledge-market answer.
type researchAnswer struct {
	Confidence float64 `json:"confidence"`
	Answer     string  `json:"answer"`
}

// attemptResearch is step 7: at most one knowledge-market answer per
// tick.
func (e *Engine) attemptResearch(ctx context.Context, tx pgx.Tx, agentID, tickID uuid.UUID, c *Collector) (bool, arena.TickOutcome, error) {
	markets, err := e.catalog.ListActiveForAgent(ctx, tx, agentID, 50)
	if err != nil {
		return false, "", err
	}

	var target *arena.Market
	for i := range markets {
		if markets[i].SourceKind == arena.SourceResearch {
			target = &markets[i]
			break
		}
	}
	if target == nil {
		return false, "", nil
	}

	prompt := fmt.Sprintf("Answer this question with your confidence as JSON: %s", target.Description)
	text, err := e.llm.Generate(ctx, []llmgateway.Message{{Role: "user", Content: prompt}}, llmgateway.GenerateOptions{ResponseFormat: "json"})
	if err != nil || text == nil {
		return false, "", nil
	}

	var answer researchAnswer
	if err := llmgateway.ParseJSON(*text, &answer); err != nil {
		return false, "", nil
	}

	if answer.Confidence < lowConfidenceThreshold && e.tools != nil {
		lookup, lookupErr := e.tools.KnowledgeLookup(ctx, target.Description)
		if lookupErr == nil && lookup != nil && lookup.ID != "" {
			if _, err := e.ledger.Append(ctx, tx, agentID, e.strategy.LookupFee.Neg(), arena.KindResearchLookupFee, tickID.String()); err != nil {
				return false, "", fmt.Errorf("append lookup fee: %w", err)
			}
		}
	}

	_, result, err := e.resolver.SubmitResearchAnswer(ctx, tx, agentID, target.ID, answer.Answer, e.strategy.ResearchStake, tickID)
	if err != nil {
		return false, "", err
	}
	if result == resolution.ResultClosed {
		return false, "", nil
	}

	c.Extend("research_result", string(result))
	return true, arena.OutcomeResearch, nil
}

// betProposal is the JSON shape for one portfolio bet candidate.
type betProposal struct {
	MarketIndex int     `json:"market_index"`
	OutcomeText string  `json:"outcome_text"`
	Confidence  float64 `json:"confidence"`
}

type betProposals struct {
	Bets []betProposal `json:"bets"`
}

// attemptPortfolio is step 8: propose and place up to NMaxBets bets
// under the aggregate-stake cap.
func (e *Engine) attemptPortfolio(ctx context.Context, tx pgx.Tx, agentID, tickID uuid.UUID, balance decimal.Decimal) (int, error) {
	markets, err := e.catalog.ListActiveForAgent(ctx, tx, agentID, e.strategy.NMaxBets*4)
	if err != nil {
		return 0, err
	}
	var candidates []arena.Market
	for _, m := range markets {
		if m.SourceKind != arena.SourceResearch {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("Propose up to ")
	fmt.Fprintf(&sb, "%d", e.strategy.NMaxBets)
	sb.WriteString(" bets as JSON {\"bets\":[{\"market_index\":N,\"outcome_text\":\"...\",\"confidence\":0-1}]} for these markets:\n")
	for i, m := range candidates {
		fmt.Fprintf(&sb, "%d: %s\n", i, m.Description)
	}

	text, err := e.llm.Generate(ctx, []llmgateway.Message{{Role: "user", Content: sb.String()}}, llmgateway.GenerateOptions{ResponseFormat: "json"})
	if err != nil || text == nil {
		return 0, nil
	}

	var proposals betProposals
	if err := llmgateway.ParseJSON(*text, &proposals); err != nil {
		return 0, nil
	}

	aggCap := e.strategy.AggCap.Mul(balance)
	var aggregate decimal.Decimal
	seen := map[int]bool{}
	placed := 0

	for _, bet := range proposals.Bets {
		if placed >= e.strategy.NMaxBets {
			break
		}
		if bet.Confidence < e.strategy.ConfFloor {
			continue
		}
		if bet.MarketIndex < 0 || bet.MarketIndex >= len(candidates) {
			continue
		}
		if seen[bet.MarketIndex] {
			continue
		}
		seen[bet.MarketIndex] = true

		stake := balance.Mul(decimal.NewFromFloat(bet.Confidence)).Mul(e.strategy.StakeCoeff)
		if aggregate.Add(stake).GreaterThan(aggCap) {
			continue
		}

		market := candidates[bet.MarketIndex]
		if err := e.placeMarketBet(ctx, tx, agentID, market.ID, bet.OutcomeText, stake, tickID); err != nil {
			return placed, err
		}
		aggregate = aggregate.Add(stake)
		placed++
	}

	return placed, nil
}

// placeMarketBet writes a MarketPrediction and a MARKET_STAKE entry
// atomically within tx.
func (e *Engine) placeMarketBet(ctx context.Context, tx pgx.Tx, agentID, marketID uuid.UUID, outcomeText string, stake decimal.Decimal, tickID uuid.UUID) error {
	if _, err := e.ledger.Append(ctx, tx, agentID, stake.Neg(), arena.KindMarketStake, tickID.String()); err != nil {
		return fmt.Errorf("place bet: append stake: %w", err)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO market_predictions (id, market_id, agent_id, outcome_text, stake, status, payout, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		uuid.New(), marketID, agentID, outcomeText, stake, string(arena.PredictionPending), decimal.Zero, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("place bet: insert prediction: %w", err)
	}
	return nil
}

// attemptWager is step 9: the single-wager fallback when nothing else
// was placed.
func (e *Engine) attemptWager(ctx context.Context, tx pgx.Tx, agentID, tickID uuid.UUID, balance, fee decimal.Decimal, c *Collector) error {
	prompt := fmt.Sprintf("No market available. Propose a confidence (0-1 JSON) for a speculative wager given balance=%s.", balance.String())
	text, err := e.llm.Generate(ctx, []llmgateway.Message{{Role: "user", Content: prompt}}, llmgateway.GenerateOptions{ResponseFormat: "json"})

	confidence := 0.5
	if err == nil && text != nil {
		var parsed struct {
			Confidence float64 `json:"confidence"`
		}
		if parseErr := llmgateway.ParseJSON(*text, &parsed); parseErr == nil && parsed.Confidence > 0 {
			confidence = parsed.Confidence
		}
	}

	available := balance.Sub(fee)
	wager := available.Mul(e.strategy.WagerFraction).Mul(decimal.NewFromFloat(confidence))
	if wager.IsNegative() {
		wager = decimal.Zero
	}

	amount := wager.Neg()
	if e.mode == arena.ModeEnforce {
		amount = wager.Add(fee).Neg()
	}

	_, err = e.ledger.Append(ctx, tx, agentID, amount, arena.KindWager, tickID.String())
	return err
}

// errorBoundary implements step 13: in enforce mode, the tick must still
// produce an accounted outcome via a fresh transaction; in observe mode
// the error is recorded on the collector with no ledger write.
func (e *Engine) errorBoundary(ctx context.Context, agentID, tickID uuid.UUID, cause error, c *Collector) (arena.TickOutcome, error) {
	errType := fmt.Sprintf("%T", cause)
	e.logger.Error("tick failed, entering error boundary", "agent_id", agentID, "tick_id", tickID, "error", cause)

	if e.mode != arena.ModeEnforce {
		c.SetError(errType)
		c.SetOutcome(arena.OutcomeHeartbeat, decimal.Zero)
		e.persistMetricsBestEffort(ctx, c.Record())
		return arena.OutcomeHeartbeat, nil
	}

	tx, beginErr := e.ledger.Pool().Begin(ctx)
	if beginErr != nil {
		return "", fmt.Errorf("tickengine: error boundary begin: %w", beginErr)
	}
	defer tx.Rollback(ctx)

	balance, err := e.ledger.ChainSum(ctx, tx, agentID)
	if err != nil {
		return "", fmt.Errorf("tickengine: error boundary chain sum: %w", err)
	}
	fee := e.computeFee(0)
	reference := fmt.Sprintf("%s:ERROR:%s", tickID.String(), strings.TrimPrefix(errType, "*"))

	var outcome arena.TickOutcome
	if balance.LessThan(fee) {
		if _, err := e.ledger.Append(ctx, tx, agentID, balance.Neg(), arena.KindLiquidation, reference); err != nil {
			return "", fmt.Errorf("tickengine: error boundary liquidation: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE agents SET status = $1, cached_balance = 0 WHERE id = $2`, string(arena.AgentDead), agentID); err != nil {
			return "", fmt.Errorf("tickengine: error boundary liquidate agent: %w", err)
		}
		outcome = arena.OutcomeLiquidation
	} else {
		if _, err := e.ledger.Append(ctx, tx, agentID, fee.Neg(), arena.KindHeartbeat, reference); err != nil {
			return "", fmt.Errorf("tickengine: error boundary heartbeat: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE agents SET cached_balance = cached_balance - $1 WHERE id = $2`, fee, agentID); err != nil {
			return "", fmt.Errorf("tickengine: error boundary reconcile: %w", err)
		}
		outcome = arena.OutcomeHeartbeat
	}

	c.SetError(errType)
	c.SetOutcome(outcome, decimal.Zero)
	e.sink.Write(ctx, tx, c.Record())

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("tickengine: error boundary commit: %w", err)
	}

	return outcome, nil
}
