// Package config defines all configuration for the arena core. Config is
// loaded entirely from environment variables (optionally via a local .env
// file for development) — there is no YAML file, per the arena's
// deployment model.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"arena/internal/arena"
)

// EntropyConfig tunes the progressive entropy fee computed every tick.
//
//   - Base:    fee charged at idle_streak 0-4.
//   - K:       idle ticks per penalty tier.
//   - Penalty: additional fee per tier.
//   - MaxFee:  hard ceiling on the fee regardless of idle_streak.
type EntropyConfig struct {
	Base    decimal.Decimal
	K       int
	Penalty decimal.Decimal
	MaxFee  decimal.Decimal
}

// StrategyConfig tunes the tick engine's research/portfolio/wager
// decisions.
//
//   - ResearchStake:  fixed stake for a knowledge-market answer.
//   - LookupFee:      surcharge when the tool gateway is consulted.
//   - ConfFloor:      minimum confidence to accept a portfolio bet.
//   - StakeCoeff:     balance*confidence*StakeCoeff sizes a single bet.
//   - AggCap:         per-tick aggregate stake as a fraction of balance.
//   - NMaxBets:       max portfolio bets considered per tick.
//   - WagerFloor:     minimum balance headroom (after fee) to fall back to a single wager.
//   - WagerFraction:  fraction of available balance risked on the fallback wager.
type StrategyConfig struct {
	ResearchStake decimal.Decimal
	LookupFee     decimal.Decimal
	ConfFloor     float64
	StakeCoeff    decimal.Decimal
	AggCap        decimal.Decimal
	NMaxBets      int
	WagerFloor    decimal.Decimal
	WagerFraction decimal.Decimal
}

// MarketMakerConfig tunes the periodic market generation cycle.
type MarketMakerConfig struct {
	Interval       time.Duration
	MinOpen        int
	ResearchBounty decimal.Decimal
	ResearchWindow time.Duration
	WeatherWeight  float64
	GitHubWeight   float64
	NewsWeight     float64
	ResearchWeight float64
}

// LLMConfig selects and authenticates the language model gateway backend.
type LLMConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// LoggingConfig mirrors the teacher's ambient logging knobs.
type LoggingConfig struct {
	Level  string
	Format string
}

// Config is the top-level configuration for the arena core.
type Config struct {
	EnforcementMode arena.EnforcementMode
	TickRate        time.Duration
	DatabaseURL     string
	RedisURL        string

	GenesisPopulation int
	GenesisBalance    decimal.Decimal

	LLM         LLMConfig
	Entropy     EntropyConfig
	Strategy    StrategyConfig
	MarketMaker MarketMakerConfig
	Logging     LoggingConfig
}

// Load reads configuration from the environment, with an optional local
// .env file loaded first (missing .env is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ENFORCEMENT_MODE", string(arena.ModeObserve))
	v.SetDefault("TICK_RATE", 10)
	v.SetDefault("LLM_PROVIDER", "mock")
	v.SetDefault("MARKET_MAKER_INTERVAL", 60)
	v.SetDefault("ENTROPY_BASE", "0.50")
	v.SetDefault("ENTROPY_K", 5)
	v.SetDefault("ENTROPY_PENALTY", "0.25")
	v.SetDefault("ENTROPY_MAX_FEE", "3.00")
	v.SetDefault("RESEARCH_STAKE", "1.00")
	v.SetDefault("RESEARCH_LOOKUP_FEE", "0.50")
	v.SetDefault("RESEARCH_BOUNTY", "25.00")
	v.SetDefault("CONF_FLOOR", 0.55)
	v.SetDefault("STAKE_COEFF", "0.10")
	v.SetDefault("AGG_CAP", "0.30")
	v.SetDefault("N_MAX_BETS", 3)
	v.SetDefault("WAGER_FLOOR", "1.00")
	v.SetDefault("WAGER_FRACTION", "0.10")
	v.SetDefault("MARKET_MAKER_MIN_OPEN", 10)
	v.SetDefault("MARKET_RESEARCH_WINDOW_HOURS", 24)
	v.SetDefault("SOURCE_WEIGHT_RESEARCH", 0.40)
	v.SetDefault("SOURCE_WEIGHT_WEATHER", 0.25)
	v.SetDefault("SOURCE_WEIGHT_GITHUB", 0.20)
	v.SetDefault("SOURCE_WEIGHT_NEWS", 0.15)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("GENESIS_POPULATION", 0)
	v.SetDefault("GENESIS_BALANCE", "100.00")

	cfg := &Config{
		EnforcementMode: arena.EnforcementMode(v.GetString("ENFORCEMENT_MODE")),
		TickRate:        time.Duration(v.GetInt("TICK_RATE")) * time.Second,
		DatabaseURL:     v.GetString("DATABASE_URL"),
		RedisURL:        v.GetString("REDIS_URL"),

		GenesisPopulation: v.GetInt("GENESIS_POPULATION"),
		GenesisBalance:    decimal.RequireFromString(v.GetString("GENESIS_BALANCE")),

		LLM: LLMConfig{
			Provider: v.GetString("LLM_PROVIDER"),
			APIKey:   v.GetString("LLM_API_KEY"),
			BaseURL:  v.GetString("LLM_BASE_URL"),
			Model:    v.GetString("LLM_MODEL"),
		},
		Entropy: EntropyConfig{
			Base:    decimal.RequireFromString(v.GetString("ENTROPY_BASE")),
			K:       v.GetInt("ENTROPY_K"),
			Penalty: decimal.RequireFromString(v.GetString("ENTROPY_PENALTY")),
			MaxFee:  decimal.RequireFromString(v.GetString("ENTROPY_MAX_FEE")),
		},
		Strategy: StrategyConfig{
			ResearchStake: decimal.RequireFromString(v.GetString("RESEARCH_STAKE")),
			LookupFee:     decimal.RequireFromString(v.GetString("RESEARCH_LOOKUP_FEE")),
			ConfFloor:     v.GetFloat64("CONF_FLOOR"),
			StakeCoeff:    decimal.RequireFromString(v.GetString("STAKE_COEFF")),
			AggCap:        decimal.RequireFromString(v.GetString("AGG_CAP")),
			NMaxBets:      v.GetInt("N_MAX_BETS"),
			WagerFloor:    decimal.RequireFromString(v.GetString("WAGER_FLOOR")),
			WagerFraction: decimal.RequireFromString(v.GetString("WAGER_FRACTION")),
		},
		MarketMaker: MarketMakerConfig{
			Interval:       time.Duration(v.GetInt("MARKET_MAKER_INTERVAL")) * time.Second,
			MinOpen:        v.GetInt("MARKET_MAKER_MIN_OPEN"),
			ResearchBounty: decimal.RequireFromString(v.GetString("RESEARCH_BOUNTY")),
			ResearchWindow: time.Duration(v.GetInt("MARKET_RESEARCH_WINDOW_HOURS")) * time.Hour,
			ResearchWeight: v.GetFloat64("SOURCE_WEIGHT_RESEARCH"),
			WeatherWeight:  v.GetFloat64("SOURCE_WEIGHT_WEATHER"),
			GitHubWeight:   v.GetFloat64("SOURCE_WEIGHT_GITHUB"),
			NewsWeight:     v.GetFloat64("SOURCE_WEIGHT_NEWS"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	return cfg, nil
}

// Validate checks required fields and value ranges, failing fast at
// startup rather than surfacing a ConfigurationError mid-tick.
func (c *Config) Validate() error {
	switch c.EnforcementMode {
	case arena.ModeObserve, arena.ModeEnforce:
	default:
		return fmt.Errorf("ENFORCEMENT_MODE must be %q or %q, got %q", arena.ModeObserve, arena.ModeEnforce, c.EnforcementMode)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("TICK_RATE must be > 0")
	}
	switch c.LLM.Provider {
	case "mock":
	case "openai", "anthropic", "openai-compatible":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required for provider %q", c.LLM.Provider)
		}
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("LLM_BASE_URL is required for provider %q", c.LLM.Provider)
		}
		if c.LLM.Model == "" {
			return fmt.Errorf("LLM_MODEL is required for provider %q", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider)
	}
	if c.Entropy.K <= 0 {
		return fmt.Errorf("ENTROPY_K must be > 0")
	}
	if c.MarketMaker.MinOpen <= 0 {
		return fmt.Errorf("MARKET_MAKER_MIN_OPEN must be > 0")
	}
	if c.GenesisPopulation < 0 {
		return fmt.Errorf("GENESIS_POPULATION must be >= 0")
	}
	if c.GenesisPopulation > 0 && !c.GenesisBalance.IsPositive() {
		return fmt.Errorf("GENESIS_BALANCE must be > 0 when GENESIS_POPULATION is set")
	}
	return nil
}
