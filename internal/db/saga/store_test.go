package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"tradewind/internal/saga"
)

func newSagaMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
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

func testInstance() *saga.Instance {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &saga.Instance{
		ID:            "saga-1",
		Type:          "checkout",
		TenantID:      "cust-1",
		CorrelationID: "ord-1",
		Status:        saga.StatusPending,
		Data:          map[string]json.RawMessage{"order": []byte(`{"order_id":"ord-1"}`)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_instances").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_saga_instances_status").
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

func TestStore_Create(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO saga_instances").
		WithArgs("saga-1", "checkout", "cust-1", "ord-1", "pending",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	in := testInstance()
	if err := store.Create(context.Background(), in); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if in.Version != 1 {
		t.Fatalf("version = %d, want 1 after create", in.Version)
	}
}

func TestStore_Create_Duplicate(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO saga_instances").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Create(context.Background(), testInstance()); !errors.Is(err, saga.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestStore_Load(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, saga_type, tenant_id, correlation_id, status").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "saga_type", "tenant_id", "correlation_id", "status",
			"step_results", "data", "compensation_errors", "version", "created_at", "updated_at",
		}).AddRow(
			"saga-1", "checkout", "cust-1", "ord-1", "running",
			[]byte(`[{"step_id":"reserve_inventory","success":true,"completed_at":"2025-06-01T12:00:01Z"}]`),
			[]byte(`{"order":{"order_id":"ord-1"}}`),
			[]byte(`[]`), int64(3), now, now,
		))
	mock.ExpectClose()

	store := NewStore(db)
	in, err := store.Load(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if in.Status != saga.StatusRunning || in.Version != 3 {
		t.Fatalf("instance = %+v", in)
	}
	rec, ok := in.ResultFor("reserve_inventory")
	if !ok || !rec.Success {
		t.Fatalf("step record = %+v, want recorded success", rec)
	}
	if _, ok := in.Data["order"]; !ok {
		t.Fatalf("data = %v, want order payload", in.Data)
	}
}

func TestStore_Load_NotFound(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT id, saga_type, tenant_id, correlation_id, status").
		WithArgs("saga-missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "saga_type", "tenant_id", "correlation_id", "status",
			"step_results", "data", "compensation_errors", "version", "created_at", "updated_at",
		}))
	mock.ExpectClose()

	store := NewStore(db)
	if _, err := store.Load(context.Background(), "saga-missing"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_Save_BumpsVersion(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE saga_instances").
		WithArgs("saga-1", "running", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewStore(db)
	in := testInstance()
	in.Status = saga.StatusRunning
	in.Version = 2
	if err := store.Save(context.Background(), in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if in.Version != 3 {
		t.Fatalf("version = %d, want 3 after save", in.Version)
	}
}

func TestStore_Save_VersionConflict(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE saga_instances").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT TRUE FROM saga_instances").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{"true"}).AddRow(true))
	mock.ExpectClose()

	store := NewStore(db)
	in := testInstance()
	in.Version = 2
	if err := store.Save(context.Background(), in); !errors.Is(err, saga.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

func TestStore_Save_MissingRow(t *testing.T) {
	db, mock, cleanup := newSagaMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE saga_instances").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT TRUE FROM saga_instances").
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{"true"}))
	mock.ExpectClose()

	store := NewStore(db)
	if err := store.Save(context.Background(), testInstance()); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
