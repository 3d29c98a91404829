package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/mpc-vault/interfaces"
)

// MemoryVaultStore keeps vault records in process memory.
type MemoryVaultStore struct {
	mu      sync.RWMutex
	records map[interfaces.VaultID]*interfaces.Vault
	order   []interfaces.VaultID
}

func NewMemoryVaultStore() *MemoryVaultStore {
	return &MemoryVaultStore{
		records: make(map[interfaces.VaultID]*interfaces.Vault),
	}
}

func (s *MemoryVaultStore) Get(ctx context.Context, id interfaces.VaultID) (*interfaces.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, found := s.records[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrVaultNotFound, id)
	}
	return v.Clone(), nil
}

func (s *MemoryVaultStore) Put(ctx context.Context, v *interfaces.Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.records[v.ID]; !found {
		s.order = append(s.order, v.ID)
	}
	s.records[v.ID] = v.Clone()
	return nil
}

func (s *MemoryVaultStore) List(ctx context.Context) ([]interfaces.VaultID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]interfaces.VaultID, len(s.order))
	copy(ids, s.order)
	return ids, nil
}
