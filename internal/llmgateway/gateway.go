// Package llmgateway is the provider-agnostic language model gateway:
// one generate contract, a deterministic mock backend for tests and the
// default configuration, an HTTP backend for real providers, a guardrail
// filter every response passes through, and a token-tracking wrapper that
// activates only when an observability collector is active on the
// caller's context.
package llmgateway

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"arena/internal/config"
	"arena/internal/observability"
)

// Message is one chat-completion turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions tune one generation call.
type GenerateOptions struct {
	MaxTokens      int
	Temperature    float64
	ResponseFormat string // "" or "json"
}

// Provider is the small capability interface every backend implements.
// Backends differ only in connection setup and usage-metadata
// extraction; the contract itself is uniform.
type Provider interface {
	// GenerateTracked returns the guardrail-filtered text (nil if the
	// response was entirely a refusal) plus token usage.
	GenerateTracked(ctx context.Context, messages []Message, opts GenerateOptions) (text *string, promptTokens, completionTokens int, err error)
}

// Gateway is the public entry point: Generate/GenerateTracked plus the
// conditional token-tracking wrapper described in the package doc.
type Gateway struct {
	provider Provider
	logger   *slog.Logger
}

// New builds a Gateway from a factory keyed on cfg.LLM.Provider.
// "mock" (the default when unset) is always available without
// credentials and is deterministic — a function of a hash over the
// prompt — so tests never touch the network. Any other value requires
// LLM_API_KEY/LLM_BASE_URL/LLM_MODEL, validated already by
// config.Validate.
func New(cfg config.LLMConfig, logger *slog.Logger) (*Gateway, error) {
	logger = logger.With("component", "llmgateway")

	var provider Provider
	switch cfg.Provider {
	case "", "mock":
		provider = newMockProvider()
	case "openai", "anthropic", "openai-compatible":
		if cfg.APIKey == "" || cfg.BaseURL == "" || cfg.Model == "" {
			return nil, fmt.Errorf("llmgateway: provider %q requires LLM_API_KEY, LLM_BASE_URL, LLM_MODEL", cfg.Provider)
		}
		provider = newHTTPProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("llmgateway: unknown provider %q", cfg.Provider)
	}

	return &Gateway{provider: provider, logger: logger}, nil
}

// Generate returns only the text, discarding usage. Most tick-engine
// callers that don't need raw counts use this.
func (g *Gateway) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (*string, error) {
	text, prompt, completion, err := g.GenerateTracked(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	g.trackIfActive(ctx, prompt, completion)
	return text, nil
}

// GenerateTracked is Generate plus explicit token counts, for callers
// that want to track usage themselves instead of relying on the
// ambient collector.
func (g *Gateway) GenerateTracked(ctx context.Context, messages []Message, opts GenerateOptions) (*string, int, int, error) {
	text, prompt, completion, err := g.provider.GenerateTracked(ctx, messages, opts)
	if err != nil {
		// ExternalTransient/Permanent: callers treat nil as "no strategy"
		// and fall through to their own fallback chain. We still
		// surface the error so the caller can log it.
		return nil, 0, 0, err
	}
	return applyGuardrail(text), prompt, completion, nil
}

// trackIfActive pushes usage to the context's observability collector
// only if one is active — outside a tick this is a no-op, matching the
// "zero overhead outside an observability scope" requirement.
func (g *Gateway) trackIfActive(ctx context.Context, prompt, completion int) {
	c := observability.FromContext(ctx)
	if c == nil {
		return
	}
	cost := estimateCostUSD(prompt, completion)
	c.AddTokens(prompt, completion, cost)
}

// estimateCostUSD is a flat per-1k-token estimate; real providers carry
// their own pricing but the arena only needs an order-of-magnitude
// figure for the metrics record.
func estimateCostUSD(prompt, completion int) decimal.Decimal {
	perK := decimal.RequireFromString("0.002")
	tokens := decimal.NewFromInt(int64(prompt + completion))
	return tokens.Div(decimal.NewFromInt(1000)).Mul(perK)
}

// ParseJSON parses s with the tolerance the guardrail filter's callers
// need: strips markdown code fences, removes every trailing comma
// before a closing bracket, and quotes bare object keys.
func ParseJSON(s string, out any) error {
	cleaned := stripCodeFences(s)
	cleaned = fixTrailingCommas(cleaned)
	cleaned = quoteBareKeys(cleaned)
	return json.Unmarshal([]byte(cleaned), out)
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func stripCodeFences(s string) string {
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return strings.TrimSpace(s)
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

func fixTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

var bareKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)

func quoteBareKeys(s string) string {
	return bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
}

// refusalPatterns is a small curated set of language-model boilerplate
// rejections the guardrail filter strips.
var refusalPatterns = []string{
	"i cannot assist with that",
	"i can't help with that",
	"i'm sorry, but i cannot",
	"as an ai language model",
	"i am unable to fulfill this request",
}

// applyGuardrail strips refusal boilerplate from text, or reports nil if
// the entire response was a refusal.
func applyGuardrail(text *string) *string {
	if text == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*text)
	lower := strings.ToLower(trimmed)
	for _, pattern := range refusalPatterns {
		if lower == pattern || strings.HasPrefix(lower, pattern) && len(trimmed) < len(pattern)+40 {
			return nil
		}
	}
	for _, pattern := range refusalPatterns {
		trimmed = removeCaseInsensitive(trimmed, pattern)
	}
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func removeCaseInsensitive(s, substr string) string {
	lower := strings.ToLower(s)
	idx := strings.Index(lower, strings.ToLower(substr))
	if idx == -1 {
		return s
	}
	return s[:idx] + s[idx+len(substr):]
}

// mockProvider is deterministic: response content is derived from a
// SHA-256 hash over the concatenated prompt, so tests never hit the
// network and are reproducible across runs.
type mockProvider struct{}

func newMockProvider() *mockProvider { return &mockProvider{} }

func (m *mockProvider) GenerateTracked(ctx context.Context, messages []Message, opts GenerateOptions) (*string, int, int, error) {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(msg.Role)
		sb.WriteString(":")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	prompt := sb.String()
	sum := sha256.Sum256([]byte(prompt))
	seed := binary.BigEndian.Uint64(sum[:8])

	text := mockResponseFor(seed, opts)
	promptTokens := len(strings.Fields(prompt))
	completionTokens := len(strings.Fields(text))
	return &text, promptTokens, completionTokens, nil
}

func mockResponseFor(seed uint64, opts GenerateOptions) string {
	if opts.ResponseFormat == "json" {
		confidence := 0.30 + float64(seed%70)/100.0
		return fmt.Sprintf(`{"confidence": %.2f, "answer": "mock-%d"}`, confidence, seed%1000)
	}
	choices := []string{"RESEARCH", "PORTFOLIO", "WAGER", "WAIT"}
	return choices[seed%uint64(len(choices))]
}

// httpProvider talks to an OpenAI-compatible chat completions endpoint.
type httpProvider struct {
	http   *resty.Client
	model  string
	logger *slog.Logger
}

func newHTTPProvider(cfg config.LLMConfig, logger *slog.Logger) *httpProvider {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetTimeout(30 * time.Second).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	return &httpProvider{http: client, model: cfg.Model, logger: logger}
}

type chatCompletionRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	Temperature    float64   `json:"temperature,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *httpProvider) GenerateTracked(ctx context.Context, messages []Message, opts GenerateOptions) (*string, int, int, error) {
	req := chatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	wantJSON := opts.ResponseFormat == "json"
	if wantJSON {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	var result chatCompletionResponse
	resp, err := p.http.R().SetContext(ctx).SetBody(req).SetResult(&result).Post("/chat/completions")
	if err != nil {
		return nil, 0, 0, fmt.Errorf("llmgateway: request: %w", err)
	}

	// Some providers reject a forced JSON response mode (400). Retry once
	// with a prompt-level instruction instead of the structured field.
	if wantJSON && resp.StatusCode() == 400 {
		retryMessages := append(append([]Message{}, messages...), Message{
			Role:    "system",
			Content: "Respond with only valid JSON, no prose, no markdown code fences.",
		})
		req2 := req
		req2.Messages = retryMessages
		req2.ResponseFormat = nil
		result = chatCompletionResponse{}
		resp, err = p.http.R().SetContext(ctx).SetBody(req2).SetResult(&result).Post("/chat/completions")
		if err != nil {
			return nil, 0, 0, fmt.Errorf("llmgateway: json-retry request: %w", err)
		}
	}

	if resp.StatusCode() == 404 {
		return nil, 0, 0, nil
	}
	if resp.StatusCode() >= 400 {
		return nil, 0, 0, fmt.Errorf("llmgateway: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Choices) == 0 {
		return nil, 0, 0, nil
	}

	text := result.Choices[0].Message.Content
	return &text, result.Usage.PromptTokens, result.Usage.CompletionTokens, nil
}
