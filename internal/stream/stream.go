// Package stream is the fire-and-forget stream publisher: it encodes a
// compact JSON tick event and publishes it on a well-known redis channel.
// It never returns an error to the caller and lazily reconnects — on any
// failure it clears its connection so the next call may retry.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"arena/internal/arena"
)

// Channel is the well-known pub/sub channel tick events publish on.
const Channel = "arena:stream"

// eventCode maps a tick outcome to the compact single-character code
// defined for the stream wire format.
func eventCode(outcome arena.TickOutcome) string {
	switch outcome {
	case arena.OutcomeWager:
		return "W"
	case arena.OutcomeHeartbeat:
		return "H"
	case arena.OutcomeLiquidation:
		return "L"
	case arena.OutcomeResearch, arena.OutcomePortfolio:
		return "R"
	default:
		return "H"
	}
}

// wireEvent is the compact JSON schema published on Channel.
type wireEvent struct {
	T int64   `json:"t"`
	E string  `json:"e"`
	B string  `json:"b"`
	A *string `json:"a,omitempty"`
}

// Publisher is a lazy-reconnecting singleton redis publisher.
type Publisher struct {
	mu     sync.Mutex
	client *redis.Client
	addr   string
	logger *slog.Logger
}

// New creates a publisher. The redis connection is opened lazily on the
// first publish attempt, matching the teacher's dry-run/short-circuit
// defensive style applied to connection setup instead of order placement.
func New(redisURL string, logger *slog.Logger) *Publisher {
	return &Publisher{addr: redisURL, logger: logger.With("component", "stream")}
}

// PublishTickEvent encodes and publishes a tick event. It never returns
// an error: if the pub/sub backend is unreachable the event is simply
// lost, and the connection is cleared so the next call may reconnect.
func (p *Publisher) PublishTickEvent(ctx context.Context, agentID uuid.UUID, outcome arena.TickOutcome, amount *decimal.Decimal) {
	client := p.connect()
	if client == nil {
		return
	}

	evt := wireEvent{
		T: time.Now().Unix(),
		E: eventCode(outcome),
		B: agentID.String(),
	}
	if amount != nil {
		s := arena.CanonicalAmount(*amount)
		evt.A = &s
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("stream: marshal event failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Publish(ctx, Channel, payload).Err(); err != nil {
		p.logger.Warn("stream: publish failed, clearing connection", "error", err)
		p.clear()
	}
}

func (p *Publisher) connect() *redis.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client
	}

	opts, err := redis.ParseURL(p.addr)
	if err != nil {
		p.logger.Warn("stream: invalid redis url, publishing disabled", "error", err)
		return nil
	}
	p.client = redis.NewClient(opts)
	return p.client
}

func (p *Publisher) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		_ = p.client.Close()
		p.client = nil
	}
}

// Close releases the underlying connection, if any.
func (p *Publisher) Close() {
	p.clear()
}
