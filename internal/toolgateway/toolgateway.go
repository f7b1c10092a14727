// Package toolgateway is the external-knowledge lookup used by the
// tick engine's research path: retry with exponential
// backoff on transient failures, a fallback endpoint on 403, and no
// retry at all on 404.
package toolgateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// LookupResult is the shape of a successful knowledge_lookup.
type LookupResult struct {
	Title   string `json:"title"`
	ID      string `json:"id"`
	Extract string `json:"extract"`
}

const userAgent = "arena-tool-gateway/1.0 (+https://github.com/arena)"

// Gateway performs knowledge_lookup against a primary summary endpoint,
// falling back to a secondary endpoint on 403.
type Gateway struct {
	http        *resty.Client
	limiter     *rate.Limiter
	primaryURL  string
	fallbackURL string
	maxAttempts int
	logger      *slog.Logger
}

// New creates a tool gateway. primaryURL and fallbackURL both point at
// summary-style endpoints of the same provider (e.g. Wikipedia's REST
// summary API and its "api.php" action endpoint, which tolerates
// server-IP traffic better than the REST surface).
func New(primaryURL, fallbackURL string, logger *slog.Logger) *Gateway {
	return &Gateway{
		http:        resty.New().SetTimeout(10 * time.Second).SetHeader("User-Agent", userAgent),
		limiter:     rate.NewLimiter(rate.Every(time.Second), 5),
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		maxAttempts: 4,
		logger:      logger.With("component", "toolgateway"),
	}
}

// KnowledgeLookup fetches a summary for title. Returns nil (no error) on
// a definitive 404 — callers treat this as "nothing found", not a
// failure. Retries on 429/timeout with exponential backoff (base
// doubling per attempt); a 403 from the primary endpoint triggers one
// fallback-endpoint attempt before giving up.
func (g *Gateway) KnowledgeLookup(ctx context.Context, title string) (*LookupResult, error) {
	result, status, err := g.fetch(ctx, g.primaryURL, title)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	if status == http.StatusForbidden && g.fallbackURL != "" {
		g.logger.Info("primary tool endpoint forbidden, trying fallback", "title", title)
		result, _, err = g.fetch(ctx, g.fallbackURL, title)
		return result, err
	}

	return nil, nil
}

// fetch returns (result, lastStatusSeen, error). lastStatusSeen lets
// KnowledgeLookup decide whether a 403 warrants a fallback attempt.
func (g *Gateway) fetch(ctx context.Context, baseURL, title string) (*LookupResult, int, error) {
	backoff := 250 * time.Millisecond

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("toolgateway: rate limiter: %w", err)
		}

		var result LookupResult
		resp, err := g.http.R().
			SetContext(ctx).
			SetQueryParam("title", title).
			SetResult(&result).
			Get(baseURL)

		if err != nil {
			// timeout / DNS / connection failure: retryable
			if attempt == g.maxAttempts-1 {
				return nil, 0, fmt.Errorf("toolgateway: lookup failed after %d attempts: %w", g.maxAttempts, err)
			}
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		status := resp.StatusCode()

		switch {
		case status == http.StatusOK:
			return &result, status, nil
		case status == http.StatusNotFound:
			return nil, status, nil
		case status == http.StatusForbidden:
			return nil, status, nil
		case status == http.StatusTooManyRequests:
			if attempt == g.maxAttempts-1 {
				return nil, status, nil
			}
			time.Sleep(backoff)
			backoff *= 2
			continue
		default:
			return nil, status, fmt.Errorf("toolgateway: status %d: %s", status, resp.String())
		}
	}

	return nil, 0, nil
}
