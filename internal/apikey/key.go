// Package apikey models issued access keys and the administrative operations
// over them. Raw tokens are only ever seen once, at creation; stores persist a
// SHA-256 hash plus a short display prefix.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a key. Revocation is irreversible.
type State string

// Key states persisted in the store.
const (
	StateActive  State = "active"
	StateRevoked State = "revoked"
)

// Quota bounds, in requests per minute.
const (
	MinQuota     = 1
	MaxQuota     = 100
	DefaultQuota = 10
)

// Errors returned by stores and the manager.
var (
	ErrKeyNotFound  = errors.New("api key not found")
	ErrDuplicateKey = errors.New("api key already exists")
	ErrInvalidQuota = fmt.Errorf("quota must be between %d and %d", MinQuota, MaxQuota)
)

// Key is an issued access key as persisted by a Store.
type Key struct {
	ID          string     `json:"id"`
	TokenHash   string     `json:"-"`
	TokenPrefix string     `json:"token_prefix"`
	Owner       string     `json:"owner"`
	Email       string     `json:"email"`
	Quota       int        `json:"quota"`
	State       State      `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used"`
	Notes       string     `json:"notes,omitempty"`
}

// Active reports whether the key may authenticate requests.
func (k Key) Active() bool {
	return k.State == StateActive
}

// Store persists keys. Implementations must be safe for concurrent use.
type Store interface {
	FindByTokenHash(ctx context.Context, hash string) (Key, error)
	TouchUsage(ctx context.Context, hash string, at time.Time) error
	List(ctx context.Context, activeOnly bool) ([]Key, error)
	Get(ctx context.Context, id string) (Key, error)
	Create(ctx context.Context, key Key) error
	Revoke(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// ValidateQuota enforces the per-key quota bounds.
func ValidateQuota(quota int) error {
	if quota < MinQuota || quota > MaxQuota {
		return ErrInvalidQuota
	}
	return nil
}
