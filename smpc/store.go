package smpc

import (
	"fmt"
	"sync"
)

// Store holds every Value computed or being computed in one escrow session,
// keyed by (id, index) the way SmpcStore.py keys its per-id array. Grounded
// on SmpcStore.py.
type Store struct {
	mu     sync.Mutex
	values map[string]Value
}

// NewStore returns an empty value store.
func NewStore() *Store {
	return &Store{values: make(map[string]Value)}
}

func storeKey(id string, index uint32) string {
	return fmt.Sprintf("%s#%d", id, index)
}

// Add registers v under its own (ID, Index). It returns an error if a value
// is already registered there, mirroring SmpcStore.addValue's
// 'smpc_value_exists' guard.
func (s *Store) Add(v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(v.ID(), v.Index())
	if _, exists := s.values[key]; exists {
		return fmt.Errorf("smpc: value %q already exists", key)
	}
	s.values[key] = v
	return nil
}

// Get returns the value registered under (id, index), or nil if none is.
func (s *Store) Get(id string, index uint32) Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[storeKey(id, index)]
}
