package sagadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tradewind/internal/saga"
)

// Store persists saga instances in Postgres. Save is an optimistic update
// keyed on the stored version, so two resumers racing on the same saga cannot
// clobber each other's writes.
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

// InitSchema creates the saga table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_instances (
			id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			step_results JSONB NOT NULL DEFAULT '[]',
			data JSONB NOT NULL DEFAULT '{}',
			compensation_errors JSONB NOT NULL DEFAULT '[]',
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_saga_instances_status
			ON saga_instances (status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, in *saga.Instance) error {
	stepResults, data, compErrs, err := encodeInstance(in)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_instances
			(id, saga_type, tenant_id, correlation_id, status, step_results, data, compensation_errors, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		in.ID, in.Type, in.TenantID, in.CorrelationID, string(in.Status),
		stepResults, data, compErrs, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrAlreadyExists
	}
	in.Version = 1
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, saga_type, tenant_id, correlation_id, status, step_results, data, compensation_errors, version, created_at, updated_at
		FROM saga_instances
		WHERE id = $1`,
		id,
	)

	var (
		in          saga.Instance
		status      string
		stepResults []byte
		data        []byte
		compErrs    []byte
	)
	err := row.Scan(&in.ID, &in.Type, &in.TenantID, &in.CorrelationID, &status,
		&stepResults, &data, &compErrs, &in.Version, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	in.Status = saga.Status(status)
	if err := json.Unmarshal(stepResults, &in.StepResults); err != nil {
		return nil, fmt.Errorf("decode step results for %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &in.Data); err != nil {
		return nil, fmt.Errorf("decode data for %s: %w", id, err)
	}
	if err := json.Unmarshal(compErrs, &in.CompensationErrors); err != nil {
		return nil, fmt.Errorf("decode compensation errors for %s: %w", id, err)
	}
	if in.Data == nil {
		in.Data = make(map[string]json.RawMessage)
	}
	return &in, nil
}

func (s *Store) Save(ctx context.Context, in *saga.Instance) error {
	stepResults, data, compErrs, err := encodeInstance(in)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_instances
		SET status = $2, step_results = $3, data = $4, compensation_errors = $5,
			version = version + 1, updated_at = $6
		WHERE id = $1 AND version = $7`,
		in.ID, string(in.Status), stepResults, data, compErrs, in.UpdatedAt, in.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		in.Version++
		return nil
	}

	// Distinguish a lost race from a missing row.
	var exists bool
	row := s.db.QueryRowContext(ctx, `SELECT TRUE FROM saga_instances WHERE id = $1`, in.ID)
	switch scanErr := row.Scan(&exists); {
	case scanErr == nil:
		return saga.ErrVersionConflict
	case errors.Is(scanErr, sql.ErrNoRows):
		return saga.ErrNotFound
	default:
		return scanErr
	}
}

func encodeInstance(in *saga.Instance) (stepResults, data, compErrs []byte, err error) {
	stepResults, err = json.Marshal(in.StepResults)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode step results for %s: %w", in.ID, err)
	}
	if in.Data == nil {
		data = []byte("{}")
	} else if data, err = json.Marshal(in.Data); err != nil {
		return nil, nil, nil, fmt.Errorf("encode data for %s: %w", in.ID, err)
	}
	compErrs, err = json.Marshal(in.CompensationErrors)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode compensation errors for %s: %w", in.ID, err)
	}
	return stepResults, data, compErrs, nil
}
