package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradewind/internal/guard"
	"tradewind/internal/reliability"
)

// Delivery is one webhook to push to a partner endpoint.
type Delivery struct {
	// ID names the logical delivery. Callers that pass a stable ID get the
	// same idempotency key every time and duplicate suppression when the same
	// delivery is handed to the guard again.
	ID          string
	EndpointURL string
	EventType   string
	Payload     json.RawMessage
	// IdempotencyKey is derived once per delivery and reused verbatim on
	// every retry, so the receiver can collapse repeats.
	IdempotencyKey string
}

// Key derives the delivery's dedup identity from the endpoint, event type and
// logical ID. The same identity always yields the same key.
func (d Delivery) Key() string {
	h := sha256.New()
	h.Write([]byte(d.EndpointURL))
	h.Write([]byte{0})
	h.Write([]byte(d.EventType))
	h.Write([]byte{0})
	h.Write([]byte(d.ID))
	return hex.EncodeToString(h.Sum(nil))
}

// DeliveryStatus is the final outcome of a delivery.
type DeliveryStatus string

const (
	StatusDelivered    DeliveryStatus = "delivered"
	StatusDeadLettered DeliveryStatus = "dead_lettered"
	StatusSuppressed   DeliveryStatus = "suppressed"
)

// Result summarizes a finished delivery.
type Result struct {
	Status         DeliveryStatus
	Attempts       int
	LastStatusCode int
	LastError      string
}

// PostResult is the transport-level outcome of one attempt.
type PostResult struct {
	StatusCode int
}

// Poster performs one HTTP attempt against the endpoint.
type Poster interface {
	Post(ctx context.Context, d Delivery) (PostResult, error)
}

// DeadLetter records a delivery that could not be completed.
type DeadLetter struct {
	Delivery   Delivery
	Attempts   int
	Reason     string
	FailedAt   time.Time
	StatusCode int
}

// DeadLetterStore persists exhausted deliveries for operator replay.
type DeadLetterStore interface {
	Add(ctx context.Context, letter DeadLetter) error
}

// MemoryDeadLetterStore keeps dead letters in process memory.
type MemoryDeadLetterStore struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDeadLetterStore constructs an empty store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{}
}

func (s *MemoryDeadLetterStore) Add(ctx context.Context, letter DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, letter)
	return nil
}

// Letters returns a copy of the stored dead letters.
func (s *MemoryDeadLetterStore) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}

// retryableStatus reports whether an HTTP status is worth another attempt.
// Server-side failures and throttling are; other client errors mean the
// request itself is wrong and will never succeed.
func retryableStatus(code int) bool {
	if code >= 500 {
		return true
	}
	return code == 408 || code == 429
}

func success(code int) bool {
	return code >= 200 && code < 300
}

// Guard pushes webhooks with bounded retries. Each attempt runs under its own
// timeout; transport errors and retryable statuses are retried with backoff,
// non-retryable statuses stop immediately. Exhausted deliveries land in the
// dead-letter store and come back as a dead-lettered Result, not an error.
// A delivery already reserved in the dedup guard is suppressed without
// touching the endpoint, so re-driving a crashed caller cannot double-send.
type Guard struct {
	poster         Poster
	deadLetters    DeadLetterStore
	dedup          guard.IdempotencyGuard
	logger         *zap.Logger
	now            func() time.Time
	attemptTimeout time.Duration
	dedupTTL       time.Duration
	retry          reliability.RetryPolicy
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the structured logger.
func WithGuardLogger(logger *zap.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithGuardClock overrides the time source.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.attemptTimeout = d
		}
	}
}

// WithDeliveryRetry overrides the retry schedule.
func WithDeliveryRetry(policy reliability.RetryPolicy) GuardOption {
	return func(g *Guard) { g.retry = policy }
}

// WithDeliveryDedupTTL overrides how long a delivered webhook's reservation
// blocks repeats.
func WithDeliveryDedupTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.dedupTTL = ttl
		}
	}
}

// NewGuard constructs a Guard with 30s attempt timeouts, three attempts on an
// exponential schedule, and a 24h dedup reservation per delivered webhook.
func NewGuard(poster Poster, deadLetters DeadLetterStore, dedup guard.IdempotencyGuard, opts ...GuardOption) *Guard {
	if dedup == nil {
		dedup = guard.NewMemoryIdempotencyGuard()
	}
	g := &Guard{
		poster:         poster,
		deadLetters:    deadLetters,
		dedup:          dedup,
		logger:         zap.NewNop(),
		now:            time.Now,
		attemptTimeout: 30 * time.Second,
		dedupTTL:       24 * time.Hour,
		retry: reliability.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     reliability.BackoffExponential,
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// errTerminalStatus carries a non-retryable HTTP status out of the retry loop.
type errTerminalStatus struct {
	code int
}

func (e *errTerminalStatus) Error() string {
	return fmt.Sprintf("endpoint returned %d", e.code)
}

// Deliver pushes the delivery until it succeeds or the attempt budget runs
// out. It returns an error only when the parent context ends or the
// dead-letter store fails; endpoint failures surface in the Result. A
// delivery whose identity is already reserved comes back suppressed without
// another post; failed deliveries release the reservation so a retry or an
// operator replay is not blocked.
func (g *Guard) Deliver(ctx context.Context, d Delivery) (Result, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	key := d.Key()
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = key
	}

	already, err := g.dedup.CheckAndReserve(ctx, key, g.dedupTTL)
	if err != nil {
		return Result{}, fmt.Errorf("dedup check %s: %w", d.ID, err)
	}
	if already {
		g.logger.Info("webhook suppressed as duplicate",
			zap.String("delivery_id", d.ID),
			zap.String("event_type", d.EventType),
		)
		return Result{Status: StatusSuppressed}, nil
	}

	var (
		attempts int
		lastCode int
		lastErr  error
	)

	policy := g.retry
	if policy.ShouldRetry == nil {
		policy.ShouldRetry = func(err error) bool {
			var terminal *errTerminalStatus
			return !errors.As(err, &terminal)
		}
	}

	err = policy.Do(ctx, func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
		defer cancel()

		res, err := g.poster.Post(attemptCtx, d)
		if err != nil {
			lastErr = err
			lastCode = 0
			g.logger.Warn("webhook attempt failed",
				zap.String("delivery_id", d.ID),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			return err
		}

		lastCode = res.StatusCode
		switch {
		case success(res.StatusCode):
			lastErr = nil
			return nil
		case retryableStatus(res.StatusCode):
			lastErr = fmt.Errorf("endpoint returned %d", res.StatusCode)
			g.logger.Warn("webhook attempt rejected",
				zap.String("delivery_id", d.ID),
				zap.Int("attempt", attempts),
				zap.Int("status", res.StatusCode),
			)
			return lastErr
		default:
			lastErr = &errTerminalStatus{code: res.StatusCode}
			return lastErr
		}
	})

	if err == nil {
		g.logger.Info("webhook delivered",
			zap.String("delivery_id", d.ID),
			zap.String("event_type", d.EventType),
			zap.Int("attempts", attempts),
		)
		return Result{Status: StatusDelivered, Attempts: attempts, LastStatusCode: lastCode}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		g.release(context.WithoutCancel(ctx), key)
		return Result{}, ctxErr
	}

	// The endpoint never accepted the delivery, so drop the reservation; a
	// later retry or an operator replay must be allowed through.
	g.release(ctx, key)

	letter := DeadLetter{
		Delivery:   d,
		Attempts:   attempts,
		Reason:     err.Error(),
		FailedAt:   g.now(),
		StatusCode: lastCode,
	}
	if dlErr := g.deadLetters.Add(ctx, letter); dlErr != nil {
		return Result{}, fmt.Errorf("dead-letter %s: %w", d.ID, dlErr)
	}

	g.logger.Error("webhook dead-lettered",
		zap.String("delivery_id", d.ID),
		zap.String("event_type", d.EventType),
		zap.Int("attempts", attempts),
		zap.Int("last_status", lastCode),
		zap.Error(err),
	)

	result := Result{Status: StatusDeadLettered, Attempts: attempts, LastStatusCode: lastCode}
	if lastErr != nil {
		result.LastError = lastErr.Error()
	}
	return result, nil
}

func (g *Guard) release(ctx context.Context, key string) {
	if err := g.dedup.Release(ctx, key); err != nil {
		g.logger.Warn("webhook dedup release failed", zap.String("key", key), zap.Error(err))
	}
}
