package store

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPostgresKV_GetHit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	kv := NewPostgresKV(db)

	rows := sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte("v"), nil)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, expires_at FROM kv WHERE key = $1`)).
		WithArgs("k").
		WillReturnRows(rows)

	got, err := kv.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKV_GetMiss(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	kv := NewPostgresKV(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, expires_at FROM kv WHERE key = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}))

	_, err = kv.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKV_CompareAndSwapMismatchRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	kv := NewPostgresKV(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value, expires_at FROM kv WHERE key = $1 FOR UPDATE`)).
		WithArgs("lock").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}).AddRow([]byte("someone-else"), nil))
	mock.ExpectRollback()

	ok, err := kv.CompareAndSwap(context.Background(), "lock", nil, []byte("me"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKV_DeleteClearsAllTypes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	kv := NewPostgresKV(db)

	for _, table := range []string{"kv", "kv_zset", "kv_set", "kv_hash"} {
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM ` + table + ` WHERE key = $1`)).
			WithArgs("k").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	require.NoError(t, kv.Delete(context.Background(), "k"))
	require.NoError(t, mock.ExpectationsWereMet())
}
