package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradewind/internal/guard"
)

// Disposition is the guardrail's verdict on a send.
type Disposition string

const (
	DispositionSent        Disposition = "sent"
	DispositionDuplicate   Disposition = "skipped_duplicate"
	DispositionRateLimited Disposition = "skipped_rate_limited"
)

// DefaultCeilings returns the per-recipient send ceilings for a channel.
func DefaultCeilings(channel string) guard.Ceilings {
	switch Channel(channel) {
	case ChannelEmail:
		return guard.Ceilings{PerMinute: 5, PerHour: 50, PerDay: 200}
	case ChannelSMS:
		return guard.Ceilings{PerMinute: 3, PerHour: 20, PerDay: 100}
	case ChannelPush:
		return guard.Ceilings{PerMinute: 10, PerHour: 100, PerDay: 500}
	case ChannelWebhook:
		return guard.Ceilings{PerMinute: 30, PerHour: 300, PerDay: 1000}
	default:
		return guard.Ceilings{}
	}
}

// Guardrail sits between callers and notification transports. Every send
// passes deduplication first, then the per-recipient rate ceilings; only then
// does the transport fire. A failed delivery releases the dedup reservation so
// a retry is not swallowed as a duplicate.
type Guardrail struct {
	limiter    guard.RateLimiter
	dedup      guard.IdempotencyGuard
	transports map[Channel]Transport
	logger     *zap.Logger
	dedupTTL   time.Duration
}

// GuardrailOption customizes a Guardrail.
type GuardrailOption func(*Guardrail)

// WithGuardrailLogger sets the structured logger.
func WithGuardrailLogger(logger *zap.Logger) GuardrailOption {
	return func(g *Guardrail) { g.logger = logger }
}

// WithDedupTTL overrides how long a fingerprint blocks repeats.
func WithDedupTTL(ttl time.Duration) GuardrailOption {
	return func(g *Guardrail) {
		if ttl > 0 {
			g.dedupTTL = ttl
		}
	}
}

// NewGuardrail constructs a Guardrail. The default dedup TTL is one hour.
func NewGuardrail(limiter guard.RateLimiter, dedup guard.IdempotencyGuard, opts ...GuardrailOption) *Guardrail {
	g := &Guardrail{
		limiter:    limiter,
		dedup:      dedup,
		transports: make(map[Channel]Transport),
		logger:     zap.NewNop(),
		dedupTTL:   time.Hour,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterTransport wires the transport serving a channel.
func (g *Guardrail) RegisterTransport(channel Channel, t Transport) {
	g.transports[channel] = t
}

// CheckLimit consumes one rate-limit slot for the channel/recipient pair and
// reports whether the send is within ceilings. Use Send for the full pipeline;
// CheckLimit exists for callers that deliver through their own transport.
func (g *Guardrail) CheckLimit(ctx context.Context, channel Channel, recipient string) (bool, error) {
	return g.limiter.Allow(ctx, string(channel), recipient)
}

// Send runs the full guardrail pipeline and delivers the message.
func (g *Guardrail) Send(ctx context.Context, msg Message) (Disposition, error) {
	transport, ok := g.transports[msg.Channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTransport, msg.Channel)
	}

	fingerprint := msg.Fingerprint()
	already, err := g.dedup.CheckAndReserve(ctx, fingerprint, g.dedupTTL)
	if err != nil {
		return "", fmt.Errorf("dedup check: %w", err)
	}
	if already {
		g.logger.Info("notification suppressed as duplicate",
			zap.String("channel", string(msg.Channel)),
			zap.String("recipient", msg.Recipient),
			zap.String("fingerprint", fingerprint),
		)
		return DispositionDuplicate, nil
	}

	allowed, err := g.limiter.Allow(ctx, string(msg.Channel), msg.Recipient)
	if err != nil {
		g.release(ctx, fingerprint)
		return "", fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		// Release so the message can go out once a window reopens.
		g.release(ctx, fingerprint)
		g.logger.Warn("notification rate limited",
			zap.String("channel", string(msg.Channel)),
			zap.String("recipient", msg.Recipient),
		)
		return DispositionRateLimited, nil
	}

	if err := transport.Deliver(ctx, msg); err != nil {
		g.release(ctx, fingerprint)
		return "", fmt.Errorf("deliver %s to %s: %w", msg.Channel, msg.Recipient, err)
	}

	g.logger.Info("notification sent",
		zap.String("channel", string(msg.Channel)),
		zap.String("recipient", msg.Recipient),
		zap.String("template_id", msg.TemplateID),
	)
	return DispositionSent, nil
}

func (g *Guardrail) release(ctx context.Context, fingerprint string) {
	if err := g.dedup.Release(ctx, fingerprint); err != nil {
		g.logger.Warn("dedup release failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}
