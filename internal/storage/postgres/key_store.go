// Package postgres provides a Postgres-backed access key store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/grokipedia-api/internal/apikey"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const uniqueViolation = "23505"

// Config controls the Postgres connection pool used for key rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// KeyStore persists access keys in Postgres.
type KeyStore struct {
	pool  pool
	table string
}

// NewKeyStore connects a pool using cfg.
func NewKeyStore(ctx context.Context, cfg Config) (*KeyStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("keystore.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewKeyStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewKeyStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewKeyStoreWithPool(p pool, table string) (*KeyStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "api_keys"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &KeyStore{pool: p, table: table}, nil
}

// Close releases the pool.
func (s *KeyStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// EnsureSchema creates the key table and its hash index if missing.
func (s *KeyStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           TEXT PRIMARY KEY,
	token_hash   TEXT NOT NULL UNIQUE,
	token_prefix TEXT NOT NULL,
	owner        TEXT NOT NULL,
	email        TEXT NOT NULL,
	quota        INTEGER NOT NULL,
	state        TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	last_used    TIMESTAMPTZ,
	notes        TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *KeyStore) columns() string {
	return "id, token_hash, token_prefix, owner, email, quota, state, created_at, last_used, notes"
}

func scanKey(row pgx.Row) (apikey.Key, error) {
	var (
		key      apikey.Key
		state    string
		lastUsed *time.Time
	)
	err := row.Scan(
		&key.ID,
		&key.TokenHash,
		&key.TokenPrefix,
		&key.Owner,
		&key.Email,
		&key.Quota,
		&state,
		&key.CreatedAt,
		&lastUsed,
		&key.Notes,
	)
	if err != nil {
		return apikey.Key{}, err
	}
	key.State = apikey.State(state)
	key.LastUsed = lastUsed
	return key, nil
}

// Create inserts a key row.
func (s *KeyStore) Create(ctx context.Context, key apikey.Key) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, s.table, s.columns())
	_, err := s.pool.Exec(ctx, query,
		key.ID,
		key.TokenHash,
		key.TokenPrefix,
		key.Owner,
		key.Email,
		key.Quota,
		string(key.State),
		key.CreatedAt,
		key.LastUsed,
		key.Notes,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apikey.ErrDuplicateKey
		}
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// FindByTokenHash loads the key for a token hash.
func (s *KeyStore) FindByTokenHash(ctx context.Context, hash string) (apikey.Key, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE token_hash = $1`, s.columns(), s.table)
	return s.one(ctx, query, hash)
}

// Get loads a key by ID.
func (s *KeyStore) Get(ctx context.Context, id string) (apikey.Key, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, s.columns(), s.table)
	return s.one(ctx, query, id)
}

func (s *KeyStore) one(ctx context.Context, query string, arg string) (apikey.Key, error) {
	key, err := scanKey(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return apikey.Key{}, apikey.ErrKeyNotFound
	}
	if err != nil {
		return apikey.Key{}, fmt.Errorf("select key: %w", err)
	}
	return key, nil
}

// List returns keys ordered by creation time.
func (s *KeyStore) List(ctx context.Context, activeOnly bool) ([]apikey.Key, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, s.columns(), s.table)
	var args []any
	if activeOnly {
		query += ` WHERE state = $1`
		args = append(args, string(apikey.StateActive))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []apikey.Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// TouchUsage records the last-used time.
func (s *KeyStore) TouchUsage(ctx context.Context, hash string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET last_used = $1 WHERE token_hash = $2`, s.table)
	return s.update(ctx, query, at, hash)
}

// Revoke marks a key revoked.
func (s *KeyStore) Revoke(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET state = $1 WHERE id = $2`, s.table)
	return s.update(ctx, query, string(apikey.StateRevoked), id)
}

// Delete removes a key row.
func (s *KeyStore) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	return s.update(ctx, query, id)
}

func (s *KeyStore) update(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apikey.ErrKeyNotFound
	}
	return nil
}
