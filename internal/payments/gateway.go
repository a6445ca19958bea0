package payments

import (
	"context"
	"errors"
	"sync"

	"tradewind/internal/reliability"
)

// GatewayOutcome classifies a charge result for retry decisions.
type GatewayOutcome string

const (
	OutcomeApproved GatewayOutcome = "approved"
	// OutcomeRetryable covers transient gateway conditions (timeouts,
	// rate limits); a new attempt may succeed.
	OutcomeRetryable GatewayOutcome = "retryable"
	// OutcomeDeclined covers terminal business failures (card declined);
	// never auto-retried.
	OutcomeDeclined GatewayOutcome = "declined"
)

// ChargeRequest is one idempotent charge call against the gateway.
type ChargeRequest struct {
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	IdempotencyKey  string
}

// ChargeResult is the classified gateway response.
type ChargeResult struct {
	Outcome    GatewayOutcome
	ErrorType  ErrorType
	GatewayRef string
	Message    string
}

// Gateway is the external payment capability consumed by charge steps. The
// idempotency key makes repeats of the same physical attempt safe.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, intentID, idempotencyKey string, amountCents int64) error
}

// ErrNotCharged signals a refund against an intent with no recorded charge.
var ErrNotCharged = errors.New("payment intent not charged")

// InMemoryGateway is a scriptable gateway for tests and DSN-less runs.
// Results are consumed per intent in order; once exhausted it approves.
type InMemoryGateway struct {
	mu       sync.Mutex
	scripted map[string][]ChargeResult
	charged  map[string]int64
	refunded map[string]int64
	seen     map[string]ChargeResult
}

// NewInMemoryGateway constructs an empty gateway.
func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{
		scripted: make(map[string][]ChargeResult),
		charged:  make(map[string]int64),
		refunded: make(map[string]int64),
		seen:     make(map[string]ChargeResult),
	}
}

// Script queues results returned for successive charges of the intent.
func (g *InMemoryGateway) Script(intentID string, results ...ChargeResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripted[intentID] = append(g.scripted[intentID], results...)
}

func (g *InMemoryGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Replay for a repeated idempotency key: same result, no double charge.
	if prior, ok := g.seen[req.IdempotencyKey]; ok {
		return prior, nil
	}

	result := ChargeResult{Outcome: OutcomeApproved, GatewayRef: "ref-" + req.IdempotencyKey}
	if queue := g.scripted[req.PaymentIntentID]; len(queue) > 0 {
		result = queue[0]
		g.scripted[req.PaymentIntentID] = queue[1:]
	}
	if result.Outcome == OutcomeApproved {
		g.charged[req.PaymentIntentID] += req.AmountCents
	}
	g.seen[req.IdempotencyKey] = result
	return result, nil
}

func (g *InMemoryGateway) Refund(ctx context.Context, intentID, idempotencyKey string, amountCents int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.charged[intentID] == 0 {
		return ErrNotCharged
	}
	g.refunded[intentID] += amountCents
	return nil
}

// ChargedTotal reports the amount charged for an intent (for tests).
func (g *InMemoryGateway) ChargedTotal(intentID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charged[intentID]
}

// RefundedTotal reports the amount refunded for an intent (for tests).
func (g *InMemoryGateway) RefundedTotal(intentID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[intentID]
}

// ReliableGateway wraps a Gateway with reliability controls: a token bucket
// smoothing the call rate, a circuit breaker, and bounded retries on
// transport errors. Classified business outcomes pass through untouched.
type ReliableGateway struct {
	base    Gateway
	limiter *reliability.TokenBucket
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryPolicy
}

// NewReliableGateway constructs a reliability-wrapped gateway.
func NewReliableGateway(base Gateway, limiter *reliability.TokenBucket, breaker *reliability.CircuitBreaker, retry reliability.RetryPolicy) *ReliableGateway {
	return &ReliableGateway{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

func (g *ReliableGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var result ChargeResult
	err := g.do(ctx, func() error {
		var err error
		result, err = g.base.Charge(ctx, req)
		return err
	})
	return result, err
}

func (g *ReliableGateway) Refund(ctx context.Context, intentID, idempotencyKey string, amountCents int64) error {
	return g.do(ctx, func() error {
		return g.base.Refund(ctx, intentID, idempotencyKey, amountCents)
	})
}

func (g *ReliableGateway) do(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if g.breaker != nil {
			return g.breaker.Execute(fn)
		}
		return fn()
	}
	return g.retry.Do(ctx, attempt)
}
