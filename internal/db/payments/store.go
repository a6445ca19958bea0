package paymentsdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tradewind/internal/payments"
)

// Store persists payment attempts in Postgres. Insert enforces the
// single-flight invariant in a single statement, so two racing Begins cannot
// both slip past a check-then-insert window.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the attempts table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS payment_attempts (
			id TEXT PRIMARY KEY,
			payment_intent_id TEXT NOT NULL,
			attempt_number INT NOT NULL,
			idempotency_key TEXT UNIQUE NOT NULL,
			gateway_provider TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error_type TEXT NOT NULL DEFAULT '',
			gateway_ref TEXT NOT NULL DEFAULT '',
			is_retry BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_attempts_intent
			ON payment_attempts (payment_intent_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, attempt *payments.Attempt) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_attempts
			(id, payment_intent_id, attempt_number, idempotency_key, gateway_provider, status, error_type, gateway_ref, is_retry, started_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE NOT EXISTS (
			SELECT 1 FROM payment_attempts
			WHERE payment_intent_id = $2 AND status IN ('initiated', 'processing')
		)`,
		attempt.ID, attempt.PaymentIntentID, attempt.AttemptNumber, attempt.IdempotencyKey,
		attempt.GatewayProvider, string(attempt.Status), string(attempt.ErrorType),
		attempt.GatewayRef, attempt.IsRetry, attempt.StartedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return payments.ErrAttemptInFlight
	}
	return nil
}

func (s *Store) Update(ctx context.Context, attempt *payments.Attempt) error {
	var completedAt any
	if !attempt.CompletedAt.IsZero() {
		completedAt = attempt.CompletedAt
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_attempts
		SET status = $2, error_type = $3, gateway_ref = $4, completed_at = $5
		WHERE id = $1`,
		attempt.ID, string(attempt.Status), string(attempt.ErrorType), attempt.GatewayRef, completedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return payments.ErrAttemptNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, attemptID string) (*payments.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, payment_intent_id, attempt_number, idempotency_key, gateway_provider, status, error_type, gateway_ref, is_retry, started_at, completed_at
		FROM payment_attempts
		WHERE id = $1`,
		attemptID,
	)
	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payments.ErrAttemptNotFound
	}
	return attempt, err
}

func (s *Store) ListByIntent(ctx context.Context, intentID string) ([]*payments.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_intent_id, attempt_number, idempotency_key, gateway_provider, status, error_type, gateway_ref, is_retry, started_at, completed_at
		FROM payment_attempts
		WHERE payment_intent_id = $1
		ORDER BY attempt_number`,
		intentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*payments.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*payments.Attempt, error) {
	var (
		attempt     payments.Attempt
		status      string
		errType     string
		completedAt sql.NullTime
	)
	err := row.Scan(&attempt.ID, &attempt.PaymentIntentID, &attempt.AttemptNumber,
		&attempt.IdempotencyKey, &attempt.GatewayProvider, &status, &errType,
		&attempt.GatewayRef, &attempt.IsRetry, &attempt.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	attempt.Status = payments.AttemptStatus(status)
	attempt.ErrorType = payments.ErrorType(errType)
	if completedAt.Valid {
		attempt.CompletedAt = completedAt.Time.UTC()
	} else {
		attempt.CompletedAt = time.Time{}
	}
	return &attempt, nil
}
