package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ruteri/mpc-vault/interfaces"
)

// DefaultCacheSize is the number of vault records kept in the read cache.
const DefaultCacheSize = 1024

var ErrImmutableField = errors.New("vault owner and shares cannot change")

// VaultRegistry is the single owner of vault records. Writes go through to the
// backing VaultStore before the cache is updated; every record handed out is a
// copy.
type VaultRegistry struct {
	mu    sync.Mutex
	store interfaces.VaultStore
	cache *lru.Cache[interfaces.VaultID, *interfaces.Vault]
	log   *slog.Logger
	now   func() time.Time
}

func NewVaultRegistry(store interfaces.VaultStore, cacheSize int, log *slog.Logger) (*VaultRegistry, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[interfaces.VaultID, *interfaces.Vault](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating vault cache: %w", err)
	}

	return &VaultRegistry{
		store: store,
		cache: cache,
		log:   log,
		now:   time.Now,
	}, nil
}

// Create registers a new vault. An empty ID is replaced by a fresh UUID.
func (r *VaultRegistry) Create(ctx context.Context, vault *interfaces.Vault) (interfaces.VaultID, error) {
	if err := interfaces.ValidateACL(vault.ACL); err != nil {
		return "", err
	}
	if vault.Threshold < 1 || vault.Threshold > len(vault.Shares) {
		return "", fmt.Errorf("%w: threshold %d with %d shares", interfaces.ErrInvalidThreshold, vault.Threshold, len(vault.Shares))
	}

	record := vault.Clone()
	if record.ID == "" {
		record.ID = interfaces.VaultID(uuid.New().String())
	}
	record.UpdatedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.load(ctx, record.ID)
	switch {
	case err == nil:
		return "", fmt.Errorf("%w: %s", interfaces.ErrVaultExists, record.ID)
	case !errors.Is(err, interfaces.ErrVaultNotFound):
		return "", err
	}

	if err := r.store.Put(ctx, record); err != nil {
		return "", fmt.Errorf("storing vault %s: %w", record.ID, err)
	}
	r.cache.Add(record.ID, record)

	r.log.Debug("vault registered", "vault", record.ID, "shares", len(record.Shares), "threshold", record.Threshold)
	return record.ID, nil
}

// Get returns a copy of the vault record.
func (r *VaultRegistry) Get(ctx context.Context, id interfaces.VaultID) (*interfaces.Vault, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// Update replaces the mutable part of a vault record.
func (r *VaultRegistry) Update(ctx context.Context, vault *interfaces.Vault) error {
	if err := interfaces.ValidateACL(vault.ACL); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.load(ctx, vault.ID)
	if err != nil {
		return err
	}
	if current.Owner != vault.Owner || !slices.Equal(current.Shares, vault.Shares) || current.Threshold != vault.Threshold {
		return fmt.Errorf("%w: %s", ErrImmutableField, vault.ID)
	}

	record := vault.Clone()
	record.UpdatedAt = r.now()
	if err := r.store.Put(ctx, record); err != nil {
		return fmt.Errorf("storing vault %s: %w", record.ID, err)
	}
	r.cache.Add(record.ID, record)
	return nil
}

// List returns the ids of all registered vaults.
func (r *VaultRegistry) List(ctx context.Context) ([]interfaces.VaultID, error) {
	return r.store.List(ctx)
}

func (r *VaultRegistry) load(ctx context.Context, id interfaces.VaultID) (*interfaces.Vault, error) {
	if record, found := r.cache.Get(id); found {
		return record, nil
	}

	record, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Add(id, record)
	return record, nil
}
