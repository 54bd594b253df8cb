package apikey

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/grokipedia-api/internal/article"
)

// Issued is returned once from Create; Token is never retrievable again.
type Issued struct {
	Key   Key    `json:"key"`
	Token string `json:"token"`
}

// Manager implements key lifecycle operations on top of a Store.
type Manager struct {
	store  Store
	hasher article.Hasher
	ids    article.IDGenerator
	clock  article.Clock
}

// NewManager constructs a Manager.
func NewManager(store Store, hasher article.Hasher, ids article.IDGenerator, clock article.Clock) *Manager {
	return &Manager{store: store, hasher: hasher, ids: ids, clock: clock}
}

// Create issues a new key for owner.
func (m *Manager) Create(ctx context.Context, owner, email string, quota int, notes string) (Issued, error) {
	owner = strings.TrimSpace(owner)
	email = strings.TrimSpace(email)
	if owner == "" {
		return Issued{}, fmt.Errorf("owner is required")
	}
	if email == "" {
		return Issued{}, fmt.Errorf("email is required")
	}
	if err := ValidateQuota(quota); err != nil {
		return Issued{}, err
	}
	token, err := GenerateToken()
	if err != nil {
		return Issued{}, err
	}
	hash, err := m.hasher.Hash([]byte(token))
	if err != nil {
		return Issued{}, fmt.Errorf("hash token: %w", err)
	}
	id, err := m.ids.NewID()
	if err != nil {
		return Issued{}, fmt.Errorf("generate key id: %w", err)
	}
	key := Key{
		ID:          id,
		TokenHash:   hash,
		TokenPrefix: DisplayPrefix(token),
		Owner:       owner,
		Email:       email,
		Quota:       quota,
		State:       StateActive,
		CreatedAt:   m.clock.Now(),
		Notes:       strings.TrimSpace(notes),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return Issued{}, fmt.Errorf("store key: %w", err)
	}
	return Issued{Key: key, Token: token}, nil
}

// Lookup resolves a presented token to its key record.
func (m *Manager) Lookup(ctx context.Context, token string) (Key, error) {
	hash, err := m.hasher.Hash([]byte(token))
	if err != nil {
		return Key{}, fmt.Errorf("hash token: %w", err)
	}
	key, err := m.store.FindByTokenHash(ctx, hash)
	if err != nil {
		return Key{}, fmt.Errorf("find key: %w", err)
	}
	return key, nil
}

// Touch records that the key behind key.TokenHash was just used.
func (m *Manager) Touch(ctx context.Context, key Key) error {
	if err := m.store.TouchUsage(ctx, key.TokenHash, m.clock.Now()); err != nil {
		return fmt.Errorf("touch usage: %w", err)
	}
	return nil
}

// List returns keys, optionally only active ones.
func (m *Manager) List(ctx context.Context, activeOnly bool) ([]Key, error) {
	keys, err := m.store.List(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Info returns one key by ID.
func (m *Manager) Info(ctx context.Context, id string) (Key, error) {
	key, err := m.store.Get(ctx, id)
	if err != nil {
		return Key{}, fmt.Errorf("get key: %w", err)
	}
	return key, nil
}

// Revoke disables a key permanently.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if err := m.store.Revoke(ctx, id); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	return nil
}

// Delete removes a key record entirely.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}
