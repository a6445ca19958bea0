package saga

import (
	"context"
	"sync"
)

// MemoryStore keeps saga instances in process memory. It enforces the same
// optimistic-version contract as the Postgres store so the orchestrator can
// be exercised without a database.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

func (s *MemoryStore) Create(ctx context.Context, in *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[in.ID]; exists {
		return ErrAlreadyExists
	}
	in.Version = 1
	s.instances[in.ID] = in.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return in.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, in *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.instances[in.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != in.Version {
		return ErrVersionConflict
	}
	in.Version++
	s.instances[in.ID] = in.Clone()
	return nil
}
