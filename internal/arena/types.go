// Package arena holds the shared vocabulary of the agent arena: agents,
// ledger entries, markets, predictions, and metrics records. It has no
// dependencies on any other internal package so every component can
// import it without creating a cycle.
package arena

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentAlive AgentStatus = "ALIVE"
	AgentDead  AgentStatus = "DEAD"
)

// EnforcementMode controls whether entropy/liquidation actually touch the
// ledger or are only recorded as phantom metrics.
type EnforcementMode string

const (
	ModeObserve EnforcementMode = "observe"
	ModeEnforce EnforcementMode = "enforce"
)

// Kind enumerates the ledger entry kinds.
type Kind string

const (
	KindGrant             Kind = "GRANT"
	KindWager             Kind = "WAGER"
	KindMarketStake       Kind = "MARKET_STAKE"
	KindResearchPayout    Kind = "RESEARCH_PAYOUT"
	KindResearchLookupFee Kind = "RESEARCH_LOOKUP_FEE"
	KindHeartbeat         Kind = "HEARTBEAT"
	KindLiquidation       Kind = "LIQUIDATION"
	KindRevive            Kind = "REVIVE"
)

// TickOutcome is the result reported by the tick engine for one agent.
type TickOutcome string

const (
	OutcomeResearch            TickOutcome = "RESEARCH"
	OutcomePortfolio           TickOutcome = "PORTFOLIO"
	OutcomeWager               TickOutcome = "WAGER"
	OutcomeHeartbeat           TickOutcome = "HEARTBEAT"
	OutcomeLiquidation         TickOutcome = "LIQUIDATION"
	OutcomeLiquidationObserved TickOutcome = "LIQUIDATION_OBSERVED"
)

// Agent is the per-actor record. Balance is a cache reconciled to the
// ledger's chain sum at the end of every tick; financial decisions must
// never read it directly.
type Agent struct {
	ID              uuid.UUID
	Status          AgentStatus
	CachedBalance   decimal.Decimal
	LastActionAt    time.Time
	Personality     []byte
	GenesisAt       time.Time
}

// LedgerEntry is one immutable row in an agent's hash chain.
type LedgerEntry struct {
	AgentID         uuid.UUID
	Sequence        int64
	Amount          decimal.Decimal
	Kind            Kind
	Reference       string
	Timestamp       time.Time
	PreviousDigest  string
	Digest          string
}

// SourceKind is the external feed a market's resolution criteria draws on.
type SourceKind string

const (
	SourceResearch SourceKind = "RESEARCH"
	SourceWeather  SourceKind = "WEATHER"
	SourceGitHub   SourceKind = "GITHUB"
	SourceNews     SourceKind = "NEWS"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "OPEN"
	MarketLocked   MarketStatus = "LOCKED"
	MarketResolved MarketStatus = "RESOLVED"
)

// Market is one open prediction, with resolution criteria whose schema
// varies by SourceKind (see ResearchCriteria and ThresholdCriteria).
type Market struct {
	ID          uuid.UUID
	Description string
	SourceKind  SourceKind
	Criteria    []byte // JSON, schema depends on SourceKind
	Status      MarketStatus
	Bounty      decimal.Decimal
	Deadline    time.Time
	Outcome     *string
	CreatedAt   time.Time
}

// ResearchCriteria is the criteria schema for SourceResearch markets: a
// commitment to the answer, never the answer itself.
type ResearchCriteria struct {
	AnswerHash string `json:"answer_hash"`
	MatchType  string `json:"match_type"` // "exact_string"
}

// ThresholdCriteria is the criteria schema for non-knowledge markets
// (WEATHER, GITHUB, NEWS): a value observed at market-creation time, an
// operator, and a threshold evaluated against a fresh reading at deadline.
type ThresholdCriteria struct {
	Subject         string          `json:"subject"`
	CurrentReading  decimal.Decimal `json:"current_reading"`
	Operator        string          `json:"operator"` // ">", "<", ">=", "<="
	Threshold       decimal.Decimal `json:"threshold"`
}

// PredictionStatus is the lifecycle state of a MarketPrediction.
type PredictionStatus string

const (
	PredictionPending PredictionStatus = "PENDING"
	PredictionWin     PredictionStatus = "WIN"
	PredictionLoss    PredictionStatus = "LOSS"
)

// MarketPrediction is one agent's stake on one market. Stake is immutable
// once written; Status and Payout are set only by the resolution engine.
type MarketPrediction struct {
	ID         uuid.UUID
	MarketID   uuid.UUID
	AgentID    uuid.UUID
	OutcomeText string
	Stake      decimal.Decimal
	Status     PredictionStatus
	Payout     decimal.Decimal
	CreatedAt  time.Time
}

// MetricsRecord is one per-tick observability record, persisted by the
// metrics sink and mirrored onto the prometheus counters of the
// observability envelope.
type MetricsRecord struct {
	AgentID                 uuid.UUID
	TickID                  uuid.UUID
	Timestamp               time.Time
	EnforcementMode         EnforcementMode
	Outcome                 TickOutcome
	PhantomEntropyFee       decimal.Decimal
	WouldHaveBeenLiquidated bool
	BalanceSnapshot         decimal.Decimal
	TokenCost               decimal.Decimal
	PromptTokens            int
	CompletionTokens        int
	IdleStreak              int
	DecisionDensity         float64
	ErrorType               string
	EnforcementNoop         bool
	Extension               map[string]any
}
