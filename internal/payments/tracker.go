package payments

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradewind/internal/reliability"
)

// AttemptStore persists payment attempts. Insert must atomically enforce the
// single-flight invariant: it fails with ErrAttemptInFlight when another
// attempt for the same intent is still active.
type AttemptStore interface {
	Insert(ctx context.Context, attempt *Attempt) error
	Update(ctx context.Context, attempt *Attempt) error
	Get(ctx context.Context, attemptID string) (*Attempt, error)
	ListByIntent(ctx context.Context, intentID string) ([]*Attempt, error)
}

// Tracker manages the attempt lifecycle for logical payment intents.
type Tracker struct {
	store       AttemptStore
	logger      *zap.Logger
	now         func() time.Time
	maxAttempts int
	retry       reliability.RetryPolicy
	provider    string
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the structured logger.
func WithTrackerLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// WithTrackerClock overrides the time source.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithMaxRetryAttempts caps the number of attempts per intent.
func WithMaxRetryAttempts(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithRetryPolicy sets the policy backing NextRetryDelay.
func WithRetryPolicy(policy reliability.RetryPolicy) TrackerOption {
	return func(t *Tracker) { t.retry = policy }
}

// WithProvider names the gateway provider recorded on new attempts.
func WithProvider(name string) TrackerOption {
	return func(t *Tracker) { t.provider = name }
}

// NewTracker constructs a Tracker with the default policy of three attempts
// and exponential backoff.
func NewTracker(store AttemptStore, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:       store,
		logger:      zap.NewNop(),
		now:         time.Now,
		maxAttempts: 3,
		retry: reliability.RetryPolicy{
			Backoff:   reliability.BackoffExponential,
			BaseDelay: time.Second,
			MaxDelay:  30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin starts a new physical attempt for the intent. It fails with
// ErrAttemptInFlight while a previous attempt is still active; the store's
// Insert enforces that atomically. The new attempt carries a fresh
// idempotency key and the next attempt number.
func (t *Tracker) Begin(ctx context.Context, intentID string) (*Attempt, error) {
	if intentID == "" {
		return nil, fmt.Errorf("payment intent id required")
	}

	prior, err := t.store.ListByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	maxNumber := 0
	for _, a := range prior {
		if a.AttemptNumber > maxNumber {
			maxNumber = a.AttemptNumber
		}
	}

	attempt := &Attempt{
		ID:              uuid.NewString(),
		PaymentIntentID: intentID,
		AttemptNumber:   maxNumber + 1,
		IdempotencyKey:  uuid.NewString(),
		GatewayProvider: t.provider,
		Status:          StatusInitiated,
		IsRetry:         maxNumber > 0,
		StartedAt:       t.now(),
	}
	if err := t.store.Insert(ctx, attempt); err != nil {
		return nil, err
	}

	t.logger.Info("payment attempt started",
		zap.String("intent_id", intentID),
		zap.String("attempt_id", attempt.ID),
		zap.Int("attempt_number", attempt.AttemptNumber),
		zap.Bool("is_retry", attempt.IsRetry),
	)
	return attempt, nil
}

// RecordOutcome transitions the attempt. Terminal attempts reject further
// outcomes with ErrTerminalAttempt; other illegal moves return
// ErrInvalidTransition.
func (t *Tracker) RecordOutcome(ctx context.Context, attemptID string, status AttemptStatus, errType ErrorType, gatewayRef string) (*Attempt, error) {
	attempt, err := t.store.Get(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalAttempt, attemptID, attempt.Status)
	}
	if !validTransition(attempt.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, attempt.Status, status)
	}

	attempt.Status = status
	attempt.ErrorType = errType
	attempt.GatewayRef = gatewayRef
	if status.Terminal() {
		attempt.CompletedAt = t.now()
	}
	if err := t.store.Update(ctx, attempt); err != nil {
		return nil, err
	}

	t.logger.Info("payment attempt outcome",
		zap.String("attempt_id", attempt.ID),
		zap.String("status", string(status)),
		zap.String("error_type", string(errType)),
	)
	return attempt, nil
}

// Abandon marks an active attempt as superseded (newer attempt, or saga
// compensation rolled the payment back).
func (t *Tracker) Abandon(ctx context.Context, attemptID string) error {
	_, err := t.RecordOutcome(ctx, attemptID, StatusAbandoned, "", "")
	return err
}

// Latest returns the most recent attempt for an intent, or nil if none.
func (t *Tracker) Latest(ctx context.Context, intentID string) (*Attempt, error) {
	attempts, err := t.store.ListByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].AttemptNumber < attempts[j].AttemptNumber
	})
	return attempts[len(attempts)-1], nil
}

// ShouldRetry reports whether a new attempt is permitted: the latest attempt
// failed with a non-card error and the attempt budget is not exhausted.
func (t *Tracker) ShouldRetry(ctx context.Context, intentID string) (bool, error) {
	latest, err := t.Latest(ctx, intentID)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, nil
	}
	return latest.CanBeRetried() && latest.AttemptNumber < t.maxAttempts, nil
}

// NextRetryDelay returns the backoff before retrying after the given attempt
// number, per the configured policy.
func (t *Tracker) NextRetryDelay(attemptNumber int) time.Duration {
	return t.retry.DelayForAttempt(attemptNumber)
}

// MemoryAttemptStore keeps attempts in process memory, enforcing the same
// single-flight contract as the Postgres store.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*Attempt
}

// NewMemoryAttemptStore constructs an empty store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]*Attempt)}
}

func (s *MemoryAttemptStore) Insert(ctx context.Context, attempt *Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.attempts {
		if existing.PaymentIntentID == attempt.PaymentIntentID && existing.Status.Active() {
			return ErrAttemptInFlight
		}
	}
	clone := *attempt
	s.attempts[attempt.ID] = &clone
	return nil
}

func (s *MemoryAttemptStore) Update(ctx context.Context, attempt *Attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attempts[attempt.ID]; !ok {
		return ErrAttemptNotFound
	}
	clone := *attempt
	s.attempts[attempt.ID] = &clone
	return nil
}

func (s *MemoryAttemptStore) Get(ctx context.Context, attemptID string) (*Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	attempt, ok := s.attempts[attemptID]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	clone := *attempt
	return &clone, nil
}

func (s *MemoryAttemptStore) ListByIntent(ctx context.Context, intentID string) ([]*Attempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Attempt
	for _, attempt := range s.attempts {
		if attempt.PaymentIntentID == intentID {
			clone := *attempt
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}
