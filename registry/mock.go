package registry

import (
	"context"

	"github.com/ruteri/mpc-vault/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockVaultStore mocks the VaultStore interface
type MockVaultStore struct {
	mock.Mock
}

// Get mocks the Get method
func (m *MockVaultStore) Get(ctx context.Context, id interfaces.VaultID) (*interfaces.Vault, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Vault), args.Error(1)
}

// Put mocks the Put method
func (m *MockVaultStore) Put(ctx context.Context, vault *interfaces.Vault) error {
	args := m.Called(ctx, vault)
	return args.Error(0)
}

// List mocks the List method
func (m *MockVaultStore) List(ctx context.Context) ([]interfaces.VaultID, error) {
	args := m.Called(ctx)
	return args.Get(0).([]interfaces.VaultID), args.Error(1)
}
