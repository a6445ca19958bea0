package paymentsdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"tradewind/internal/payments"
)

func newPaymentsMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func testAttempt() *payments.Attempt {
	return &payments.Attempt{
		ID:              "att-1",
		PaymentIntentID: "pi-ord-1",
		AttemptNumber:   1,
		IdempotencyKey:  "idem-1",
		GatewayProvider: "stripe",
		Status:          payments.StatusInitiated,
		StartedAt:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newPaymentsMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payment_attempts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_payment_attempts_intent").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestStore_Insert(t *testing.T) {
	db, mock, cleanup := newPaymentsMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payment_attempts").
		WithArgs("att-1", "pi-ord-1", 1, "idem-1", "stripe", "initiated", "", "", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Insert(context.Background(), testAttempt()); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestStore_Insert_InFlight(t *testing.T) {
	db, mock, cleanup := newPaymentsMockDB(t)
	t.Cleanup(cleanup)

	// The conditional insert matched an active attempt, so no row is written.
	mock.ExpectExec("INSERT INTO payment_attempts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Insert(context.Background(), testAttempt()); !errors.Is(err, payments.ErrAttemptInFlight) {
		t.Fatalf("err = %v, want ErrAttemptInFlight", err)
	}
}

func TestStore_Update(t *testing.T) {
	db, mock, cleanup := newPaymentsMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payment_attempts").
		WithArgs("att-1", "succeeded", "", "ch_123", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	attempt := testAttempt()
	attempt.Status = payments.StatusSucceeded
	attempt.GatewayRef = "ch_123"
	attempt.CompletedAt = time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	if err := store.Update(context.Background(), attempt); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestStore_Update_NotFound(t *testing.T) {
	db, mock, cleanup := newPaymentsMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE payment_attempts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Update(context.Background(), testAttempt()); !errors.Is(err, payments.ErrAttemptNotFound) {
		t.Fatalf("err = %v, want ErrAttemptNotFound", err)
	}
}

func attemptColumns() []string {
	return []string{
		"id", "payment_intent_id", "attempt_number", "idempotency_key", "gateway_provider",
		"status", "error_type", "gateway_ref", "is_retry", "started_at", "completed_at",
	}
}

func TestStore_Get(t *testing.T) {
	db, mock, cleanup := newPaymentsMockDB(t)
	t.Cleanup(cleanup)

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(5 * time.Second)
	mock.ExpectQuery("SELECT id, payment_intent_id, attempt_number").
		WithArgs("att-1").
		WillReturnRows(sqlmock.NewRows(attemptColumns()).
			AddRow("att-1", "pi-ord-1", 1, "idem-1", "stripe", "failed", "network_error", "", false, started, completed))
	mock.ExpectClose()

	store := NewStore(db)
	attempt, err := store.Get(context.Background(), "att-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if attempt.Status != payments.StatusFailed || attempt.ErrorType != payments.ErrorTypeNetwork {
		t.Fatalf("attempt = %+v", attempt)
	}
	if !attempt.CompletedAt.Equal(completed) {
		t.Fatalf("completed at = %v, want %v", attempt.CompletedAt, completed)
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newPaymentsMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, payment_intent_id, attempt_number").
		WithArgs("att-missing").
		WillReturnRows(sqlmock.NewRows(attemptColumns()))
	mock.ExpectClose()

	store := NewStore(db)
	if _, err := store.Get(context.Background(), "att-missing"); !errors.Is(err, payments.ErrAttemptNotFound) {
		t.Fatalf("err = %v, want ErrAttemptNotFound", err)
	}
}

func TestStore_ListByIntent(t *testing.T) {
	db, mock, cleanup := newPaymentsMockDB(t)
	t.Cleanup(cleanup)

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, payment_intent_id, attempt_number").
		WithArgs("pi-ord-1").
		WillReturnRows(sqlmock.NewRows(attemptColumns()).
			AddRow("att-1", "pi-ord-1", 1, "idem-1", "stripe", "failed", "network_error", "", false, started, started.Add(time.Second)).
			AddRow("att-2", "pi-ord-1", 2, "idem-2", "stripe", "succeeded", "", "ch_123", true, started.Add(2*time.Second), started.Add(3*time.Second)))
	mock.ExpectClose()

	store := NewStore(db)
	attempts, err := store.ListByIntent(context.Background(), "pi-ord-1")
	if err != nil {
		t.Fatalf("ListByIntent: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[1].AttemptNumber != 2 || !attempts[1].IsRetry {
		t.Fatalf("second attempt = %+v", attempts[1])
	}
}
