// Package marketmaker periodically populates the market catalog from
// external data sources: weighted random source selection feeding
// per-source generators that are fail-silent and bounded in total
// attempts.
package marketmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
	"arena/internal/config"
	"arena/internal/market"
	"arena/internal/resolution"
)

// generator fetches one candidate market from an external source and
// returns true if it created a market. An external-source failure or a
// duplicate description returns (false, nil) without logging; a database
// error is returned, and EnsureOpenMarkets logs it and treats it as
// "nothing to add this attempt".
type generator func(ctx context.Context) (bool, error)

// Maker runs the market generation cycle.
type Maker struct {
	cfg     config.MarketMakerConfig
	catalog *market.Catalog
	pool    *pgxpool.Pool
	http    *resty.Client
	logger  *slog.Logger
	rng     *rand.Rand
}

// New creates a market maker.
func New(cfg config.MarketMakerConfig, catalog *market.Catalog, pool *pgxpool.Pool, logger *slog.Logger) *Maker {
	httpClient := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Maker{
		cfg:     cfg,
		catalog: catalog,
		pool:    pool,
		http:    httpClient,
		logger:  logger.With("component", "marketmaker"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type weightedSource struct {
	kind   arena.SourceKind
	weight float64
	gen    generator
}

// EnsureOpenMarkets tops the catalog up to minOpen OPEN markets using
// weighted random source selection, bounding total attempts at
// minOpen*3 to avoid spinning forever when every provider is down.
// Returns the count of markets actually created.
func (m *Maker) EnsureOpenMarkets(ctx context.Context, minOpen int) (int, error) {
	var openCount int
	err := m.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets WHERE status = $1`, string(arena.MarketOpen)).Scan(&openCount)
	if err != nil {
		return 0, fmt.Errorf("marketmaker: count open: %w", err)
	}
	if openCount >= minOpen {
		return 0, nil
	}

	sources := []weightedSource{
		{arena.SourceResearch, m.cfg.ResearchWeight, m.generateResearch},
		{arena.SourceWeather, m.cfg.WeatherWeight, m.generateWeather},
		{arena.SourceGitHub, m.cfg.GitHubWeight, m.generateGitHub},
		{arena.SourceNews, m.cfg.NewsWeight, m.generateNews},
	}

	created := 0
	needed := minOpen - openCount
	maxAttempts := minOpen * 3

	for attempt := 0; attempt < maxAttempts && created < needed; attempt++ {
		src := m.pickWeighted(sources)
		ok, err := src.gen(ctx)
		if err != nil {
			m.logger.Warn("market generator failed, continuing", "source", src.kind, "error", err)
			continue
		}
		if ok {
			created++
		}
	}

	if created < needed {
		m.logger.Warn("ensure_open_markets exhausted attempts short of target",
			"needed", needed, "created", created, "attempts", maxAttempts)
	}

	return created, nil
}

// Reading fetches a fresh value for subject at resolution time, for the
// resolution engine's deferred sweep. It dispatches on the shape of
// subject rather than carrying the market's source kind explicitly: the
// news subject is the fixed literal below, a github subject always
// contains "/", and anything else is treated as a city name.
func (m *Maker) Reading(ctx context.Context, subject string) (decimal.Decimal, error) {
	if subject == newsSubject {
		resp, err := m.http.R().SetContext(ctx).Get("https://hacker-news.firebaseio.com/v0/topstories.json")
		if err != nil {
			return decimal.Zero, fmt.Errorf("marketmaker: news reading: %w", err)
		}
		var ids []int
		if err := json.Unmarshal(resp.Body(), &ids); err != nil {
			return decimal.Zero, fmt.Errorf("marketmaker: news reading: malformed response: %w", err)
		}
		return decimal.NewFromInt(int64(len(ids))), nil
	}

	if strings.Contains(subject, "/") {
		resp, err := m.http.R().SetContext(ctx).Get("https://api.github.com/repos/" + subject)
		if err != nil {
			return decimal.Zero, fmt.Errorf("marketmaker: github reading: %w", err)
		}
		var stats githubRepoStats
		if err := json.Unmarshal(resp.Body(), &stats); err != nil {
			return decimal.Zero, fmt.Errorf("marketmaker: github reading: malformed response: %w", err)
		}
		return decimal.NewFromInt(int64(stats.StargazersCount)), nil
	}

	resp, err := m.http.R().SetContext(ctx).Get(fmt.Sprintf("https://wttr.in/%s?format=j1", subject))
	if err != nil {
		return decimal.Zero, fmt.Errorf("marketmaker: weather reading: %w", err)
	}
	var reading weatherReading
	if err := json.Unmarshal(resp.Body(), &reading); err != nil {
		return decimal.Zero, fmt.Errorf("marketmaker: weather reading: malformed response: %w", err)
	}
	return decimal.NewFromFloat(reading.TempC), nil
}

func (m *Maker) pickWeighted(sources []weightedSource) weightedSource {
	var total float64
	for _, s := range sources {
		total += s.weight
	}
	r := m.rng.Float64() * total
	var cumulative float64
	for _, s := range sources {
		cumulative += s.weight
		if r <= cumulative {
			return s
		}
	}
	return sources[len(sources)-1]
}

// knowledgeArticle is the shape of a random-article response from the
// external knowledge source used by the research generator.
type knowledgeArticle struct {
	Title   string `json:"title"`
	Extract string `json:"extract"`
	Answer  string `json:"answer"`
}

func (m *Maker) generateResearch(ctx context.Context) (bool, error) {
	var article knowledgeArticle
	resp, err := m.http.R().SetContext(ctx).SetResult(&article).Get("https://en.wikipedia.org/api/rest_v1/page/random/summary")
	if err != nil {
		return false, nil
	}
	if resp.StatusCode() != 200 || article.Title == "" || article.Answer == "" {
		return false, nil
	}

	description := fmt.Sprintf("What is the answer revealed in: %s?", article.Title)
	criteria, _ := json.Marshal(arena.ResearchCriteria{
		AnswerHash: resolution.CommitAnswer(article.Answer),
		MatchType:  "exact_string",
	})

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	_, err = m.catalog.Create(ctx, tx, description, arena.SourceResearch, criteria, m.cfg.ResearchBounty, time.Now().Add(m.cfg.ResearchWindow))
	if err != nil {
		if errors.Is(err, market.ErrDuplicateDescription) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

type weatherReading struct {
	City    string  `json:"city"`
	TempC   float64 `json:"temp_c"`
}

func (m *Maker) generateWeather(ctx context.Context) (bool, error) {
	return m.generateThreshold(ctx, arena.SourceWeather, "https://wttr.in/?format=j1", func(body []byte) (string, decimal.Decimal, error) {
		var reading weatherReading
		if err := json.Unmarshal(body, &reading); err != nil || reading.City == "" {
			return "", decimal.Zero, fmt.Errorf("malformed weather response")
		}
		return reading.City, decimal.NewFromFloat(reading.TempC), nil
	}, "Will the temperature in %s exceed %s°C by deadline?")
}

type githubRepoStats struct {
	FullName        string `json:"full_name"`
	StargazersCount int    `json:"stargazers_count"`
}

func (m *Maker) generateGitHub(ctx context.Context) (bool, error) {
	return m.generateThreshold(ctx, arena.SourceGitHub, "https://api.github.com/repos/golang/go", func(body []byte) (string, decimal.Decimal, error) {
		var stats githubRepoStats
		if err := json.Unmarshal(body, &stats); err != nil || stats.FullName == "" {
			return "", decimal.Zero, fmt.Errorf("malformed github response")
		}
		return stats.FullName, decimal.NewFromInt(int64(stats.StargazersCount)), nil
	}, "Will %s gain more stars, crossing %s, by deadline?")
}

// newsSubject is the fixed subject recorded for every news-sourced
// market; Reading recognizes it by exact match.
const newsSubject = "hackernews_frontpage"

func (m *Maker) generateNews(ctx context.Context) (bool, error) {
	return m.generateThreshold(ctx, arena.SourceNews, "https://hacker-news.firebaseio.com/v0/topstories.json", func(body []byte) (string, decimal.Decimal, error) {
		var ids []int
		if err := json.Unmarshal(body, &ids); err != nil || len(ids) == 0 {
			return "", decimal.Zero, fmt.Errorf("malformed news response")
		}
		return newsSubject, decimal.NewFromInt(int64(len(ids))), nil
	}, "Will %s story count exceed %s by deadline?")
}

// generateThreshold is the shared shape behind the three non-knowledge
// generators: fetch a reading, build a ThresholdCriteria snapshot, and
// create the market if the description is not already covered.
func (m *Maker) generateThreshold(ctx context.Context, sourceKind arena.SourceKind, url string, parse func([]byte) (string, decimal.Decimal, error), descriptionFmt string) (bool, error) {
	resp, err := m.http.R().SetContext(ctx).Get(url)
	if err != nil || resp.StatusCode() != 200 {
		return false, nil
	}

	subject, reading, err := parse(resp.Body())
	if err != nil {
		return false, nil
	}

	threshold := reading.Mul(decimal.NewFromFloat(1.05))
	description := fmt.Sprintf(descriptionFmt, subject, threshold.StringFixed(2))

	criteria, _ := json.Marshal(arena.ThresholdCriteria{
		Subject:        subject,
		CurrentReading: reading,
		Operator:       ">",
		Threshold:      threshold,
	})

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	_, err = m.catalog.Create(ctx, tx, description, sourceKind, criteria, m.cfg.ResearchBounty, time.Now().Add(m.cfg.ResearchWindow))
	if err != nil {
		if errors.Is(err, market.ErrDuplicateDescription) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}
