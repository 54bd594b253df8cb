// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/grokipedia-api/internal/apikey"
)

// KeyStore keeps access keys in a map guarded by a RWMutex.
type KeyStore struct {
	mu     sync.RWMutex
	keys   map[string]apikey.Key
	byHash map[string]string
}

// NewKeyStore constructs a KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys:   make(map[string]apikey.Key),
		byHash: make(map[string]string),
	}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *KeyStore) EnsureSchema(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *KeyStore) Close() error {
	return nil
}

// Create stores a new key.
func (s *KeyStore) Create(_ context.Context, key apikey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.ID]; exists {
		return apikey.ErrDuplicateKey
	}
	if _, exists := s.byHash[key.TokenHash]; exists {
		return apikey.ErrDuplicateKey
	}
	s.keys[key.ID] = cloneKey(key)
	s.byHash[key.TokenHash] = key.ID
	return nil
}

// FindByTokenHash returns the key whose token hashes to hash.
func (s *KeyStore) FindByTokenHash(_ context.Context, hash string) (apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return apikey.Key{}, apikey.ErrKeyNotFound
	}
	return cloneKey(s.keys[id]), nil
}

// TouchUsage sets the last-used timestamp.
func (s *KeyStore) TouchUsage(_ context.Context, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return apikey.ErrKeyNotFound
	}
	key := s.keys[id]
	key.LastUsed = pointerTime(at)
	s.keys[id] = key
	return nil
}

// List returns keys ordered by creation time.
func (s *KeyStore) List(_ context.Context, activeOnly bool) ([]apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]apikey.Key, 0, len(s.keys))
	for _, key := range s.keys {
		if activeOnly && !key.Active() {
			continue
		}
		out = append(out, cloneKey(key))
	}
	slices.SortFunc(out, func(a, b apikey.Key) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
	return out, nil
}

// Get fetches a key by ID.
func (s *KeyStore) Get(_ context.Context, id string) (apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return apikey.Key{}, apikey.ErrKeyNotFound
	}
	return cloneKey(key), nil
}

// Revoke marks a key revoked.
func (s *KeyStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return apikey.ErrKeyNotFound
	}
	key.State = apikey.StateRevoked
	s.keys[id] = key
	return nil
}

// Delete removes a key.
func (s *KeyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return apikey.ErrKeyNotFound
	}
	delete(s.keys, id)
	delete(s.byHash, key.TokenHash)
	return nil
}

func cloneKey(k apikey.Key) apikey.Key {
	if k.LastUsed != nil {
		k.LastUsed = pointerTime(*k.LastUsed)
	}
	return k
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
