package payments

import (
	"errors"
	"time"
)

// AttemptStatus is the lifecycle state of one physical payment attempt.
type AttemptStatus string

const (
	StatusInitiated  AttemptStatus = "initiated"
	StatusProcessing AttemptStatus = "processing"
	StatusSucceeded  AttemptStatus = "succeeded"
	StatusFailed     AttemptStatus = "failed"
	// StatusAbandoned marks an attempt superseded by a newer one or undone
	// by saga compensation.
	StatusAbandoned AttemptStatus = "abandoned"
)

// Terminal reports whether the status admits no further transitions.
func (s AttemptStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAbandoned
}

// Active reports whether the attempt is still in flight.
func (s AttemptStatus) Active() bool {
	return s == StatusInitiated || s == StatusProcessing
}

// ErrorType classifies why an attempt failed.
type ErrorType string

const (
	// ErrorTypeCard marks declines that retrying cannot fix without customer
	// action; auto-retrying risks fraud-detection lockouts.
	ErrorTypeCard      ErrorType = "card_error"
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	ErrorTypeNetwork   ErrorType = "network_error"
	ErrorTypeGateway   ErrorType = "gateway_error"
)

// Attempt records one physical try at executing a logical payment intent.
type Attempt struct {
	ID              string
	PaymentIntentID string
	AttemptNumber   int
	IdempotencyKey  string
	GatewayProvider string
	Status          AttemptStatus
	ErrorType       ErrorType
	GatewayRef      string
	IsRetry         bool
	StartedAt       time.Time
	CompletedAt     time.Time
}

// CanBeRetried reports whether a follow-up attempt is permitted: only failed
// attempts with a non-card error qualify.
func (a *Attempt) CanBeRetried() bool {
	return a.Status == StatusFailed && a.ErrorType != ErrorTypeCard
}

var (
	// ErrAttemptInFlight signals a Begin while another attempt for the same
	// intent is still initiated or processing (single-flight invariant).
	ErrAttemptInFlight = errors.New("payment attempt already in flight")
	// ErrTerminalAttempt signals an outcome recorded against an attempt that
	// already reached a terminal state.
	ErrTerminalAttempt = errors.New("payment attempt already terminal")
	// ErrAttemptNotFound signals an unknown attempt id.
	ErrAttemptNotFound = errors.New("payment attempt not found")
	// ErrInvalidTransition signals a status change the lifecycle does not
	// permit.
	ErrInvalidTransition = errors.New("invalid payment attempt transition")
)

// validTransition enforces the attempt lifecycle: initiated -> processing or
// terminal; processing -> terminal.
func validTransition(from, to AttemptStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusInitiated:
		return to == StatusProcessing || to.Terminal()
	case StatusProcessing:
		return to.Terminal()
	default:
		return false
	}
}
