package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grokipedia-api/internal/apikey"
)

var keyColumns = []string{
	"id", "token_hash", "token_prefix", "owner", "email",
	"quota", "state", "created_at", "last_used", "notes",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *KeyStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewKeyStoreWithPool(mock, "api_keys")
	require.NoError(t, err)
	return mock, store
}

func TestNewKeyStoreWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewKeyStoreWithPool(mock, "keys; DROP TABLE x")
	require.Error(t, err)
	_, err = NewKeyStoreWithPool(nil, "")
	require.Error(t, err)
}

func TestCreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	key := apikey.Key{
		ID:          "0190c1a2-0000-7000-8000-000000000001",
		TokenHash:   "hash",
		TokenPrefix: "grok_abcdefg",
		Owner:       "Ada",
		Email:       "ada@example.com",
		Quota:       25,
		State:       apikey.StateActive,
		CreatedAt:   created,
		Notes:       "research",
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO api_keys")).
		WithArgs(key.ID, key.TokenHash, key.TokenPrefix, key.Owner, key.Email,
			key.Quota, "active", key.CreatedAt, key.LastUsed, key.Notes).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), key))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO api_keys")).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Create(context.Background(), apikey.Key{ID: "dup", State: apikey.StateActive})
	require.ErrorIs(t, err, apikey.ErrDuplicateKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByTokenHash(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	used := created.Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE token_hash = $1")).
		WithArgs("hash").
		WillReturnRows(pgxmock.NewRows(keyColumns).
			AddRow("id-1", "hash", "grok_abcdefg", "Ada", "ada@example.com",
				10, "revoked", created, &used, ""))

	key, err := store.FindByTokenHash(context.Background(), "hash")
	require.NoError(t, err)
	require.Equal(t, "id-1", key.ID)
	require.Equal(t, apikey.StateRevoked, key.State)
	require.False(t, key.Active())
	require.NotNil(t, key.LastUsed)
	require.True(t, used.Equal(*key.LastUsed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(keyColumns))

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, apikey.ErrKeyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveOnly(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(regexp.QuoteMeta("FROM api_keys WHERE state = $1 ORDER BY created_at, id")).
		WithArgs("active").
		WillReturnRows(pgxmock.NewRows(keyColumns).
			AddRow("id-1", "h1", "grok_1", "Ada", "ada@example.com", 10, "active", created, (*time.Time)(nil), "").
			AddRow("id-2", "h2", "grok_2", "Bob", "bob@example.com", 50, "active", created.Add(time.Second), (*time.Time)(nil), ""))

	keys, err := store.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Equal(t, "id-2", keys[1].ID)
	require.Nil(t, keys[0].LastUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeTouchDelete(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET last_used = $1 WHERE token_hash = $2")).
		WithArgs(at, "hash").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE api_keys SET state = $1 WHERE id = $2")).
		WithArgs("revoked", "id-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM api_keys WHERE id = $1")).
		WithArgs("id-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, store.TouchUsage(ctx, "hash", at))
	require.NoError(t, store.Revoke(ctx, "id-1"))
	require.ErrorIs(t, store.Delete(ctx, "id-1"), apikey.ErrKeyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS api_keys")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
