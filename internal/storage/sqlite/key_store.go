// Package sqlite provides a SQLite-backed access key store. It is the default
// backend: a single file next to the binary is all a small deployment needs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/grokipedia-api/internal/apikey"
)

// timeLayout is fixed width so that text ordering matches time ordering.
// Parsing uses RFC3339Nano, which also accepts rows written without padding.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// KeyStore keeps keys in a SQLite file. Writes go through a single-connection
// handle; reads use a separate pool.
type KeyStore struct {
	write *sql.DB
	read  *sql.DB
}

// Open opens (creating if necessary) the database at path.
func Open(path string) (*KeyStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("keystore.path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path == ":memory:" {
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		return &KeyStore{write: db, read: db}, nil
	}

	write, err := sql.Open("sqlite", dsn+"&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	write.SetMaxOpenConns(1)
	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	return &KeyStore{write: write, read: read}, nil
}

// Close closes both handles.
func (s *KeyStore) Close() error {
	err := s.write.Close()
	if s.read != s.write {
		err = errors.Join(err, s.read.Close())
	}
	return err
}

// EnsureSchema creates the keys table if missing.
func (s *KeyStore) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	token_hash   TEXT NOT NULL UNIQUE,
	token_prefix TEXT NOT NULL,
	owner        TEXT NOT NULL,
	email        TEXT NOT NULL,
	quota        INTEGER NOT NULL,
	state        TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	last_used    TEXT,
	notes        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_api_keys_state ON api_keys(state);`
	if _, err := s.write.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

const selectKey = `SELECT id, token_hash, token_prefix, owner, email, quota, state, created_at, last_used, notes FROM api_keys`

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(row scanner) (apikey.Key, error) {
	var (
		key       apikey.Key
		state     string
		createdAt string
		lastUsed  sql.NullString
	)
	if err := row.Scan(&key.ID, &key.TokenHash, &key.TokenPrefix, &key.Owner, &key.Email,
		&key.Quota, &state, &createdAt, &lastUsed, &key.Notes); err != nil {
		return apikey.Key{}, err
	}
	key.State = apikey.State(state)
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return apikey.Key{}, fmt.Errorf("parse created_at: %w", err)
	}
	key.CreatedAt = ts
	if lastUsed.Valid {
		used, err := time.Parse(time.RFC3339Nano, lastUsed.String)
		if err != nil {
			return apikey.Key{}, fmt.Errorf("parse last_used: %w", err)
		}
		key.LastUsed = &used
	}
	return key, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Create inserts a key.
func (s *KeyStore) Create(ctx context.Context, key apikey.Key) error {
	var lastUsed sql.NullString
	if key.LastUsed != nil {
		lastUsed = sql.NullString{String: formatTime(*key.LastUsed), Valid: true}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, token_hash, token_prefix, owner, email, quota, state, created_at, last_used, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.TokenHash, key.TokenPrefix, key.Owner, key.Email,
		key.Quota, string(key.State), formatTime(key.CreatedAt), lastUsed, key.Notes)
	if err != nil {
		var sqlErr *sqlite.Error
		if errors.As(err, &sqlErr) {
			switch sqlErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return apikey.ErrDuplicateKey
			}
		}
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// FindByTokenHash loads the key for a token hash.
func (s *KeyStore) FindByTokenHash(ctx context.Context, hash string) (apikey.Key, error) {
	return s.one(ctx, selectKey+` WHERE token_hash = ?`, hash)
}

// Get loads a key by ID.
func (s *KeyStore) Get(ctx context.Context, id string) (apikey.Key, error) {
	return s.one(ctx, selectKey+` WHERE id = ?`, id)
}

func (s *KeyStore) one(ctx context.Context, query, arg string) (apikey.Key, error) {
	key, err := scanKey(s.read.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return apikey.Key{}, apikey.ErrKeyNotFound
	}
	if err != nil {
		return apikey.Key{}, fmt.Errorf("select key: %w", err)
	}
	return key, nil
}

// List returns keys ordered by creation time.
func (s *KeyStore) List(ctx context.Context, activeOnly bool) ([]apikey.Key, error) {
	query := selectKey
	var args []any
	if activeOnly {
		query += ` WHERE state = ?`
		args = append(args, string(apikey.StateActive))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.read.QueryContext(ctx, query, args...)
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
	return keys, rows.Err()
}

// TouchUsage records the last-used time.
func (s *KeyStore) TouchUsage(ctx context.Context, hash string, at time.Time) error {
	return s.update(ctx, `UPDATE api_keys SET last_used = ? WHERE token_hash = ?`, formatTime(at), hash)
}

// Revoke marks a key revoked.
func (s *KeyStore) Revoke(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE api_keys SET state = ? WHERE id = ?`, string(apikey.StateRevoked), id)
}

// Delete removes a key.
func (s *KeyStore) Delete(ctx context.Context, id string) error {
	return s.update(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
}

func (s *KeyStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.write.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apikey.ErrKeyNotFound
	}
	return nil
}
