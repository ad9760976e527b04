package fleet

import (
	"context"
	"sync"
)

// Store is the durable mapping from address to MachineRecord. Implementations
// must replace a record as one unit (no field-by-field writes visible to
// readers) and must enforce address uniqueness themselves.
type Store interface {
	// Get returns ErrNotFound for an unknown address.
	Get(ctx context.Context, address string) (MachineRecord, error)
	// Upsert creates or fully replaces the record keyed by rec.Address.
	Upsert(ctx context.Context, rec MachineRecord) error
	// Insert creates the record only if the address is unused, and returns
	// ErrConflict otherwise.
	Insert(ctx context.Context, rec MachineRecord) error
	// List returns all records in insertion order.
	List(ctx context.Context) ([]MachineRecord, error)
}

// MemoryStore is an in-process Store, used for tests and for running the
// server without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	byAddr map[string]MachineRecord
	order  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAddr: map[string]MachineRecord{}}
}

func (s *MemoryStore) Get(_ context.Context, address string) (MachineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byAddr[address]
	if !ok {
		return MachineRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec MachineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAddr[rec.Address]; !ok {
		s.order = append(s.order, rec.Address)
	}
	s.byAddr[rec.Address] = rec.Clone()
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, rec MachineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byAddr[rec.Address]; ok {
		return ErrConflict
	}
	s.order = append(s.order, rec.Address)
	s.byAddr[rec.Address] = rec.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]MachineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MachineRecord, 0, len(s.order))
	for _, addr := range s.order {
		out = append(out, s.byAddr[addr].Clone())
	}
	return out, nil
}
