package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/sessiond/internal/store"
)

const testDBError = "connection refused"

func newTestBackend(t *testing.T) (*Backend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestLoad(t *testing.T) {
	b, mock := newTestBackend(t)

	mock.ExpectQuery("SELECT data FROM session_stores").
		WithArgs("U1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"users":{}}`)))

	doc, err := b.Load(context.Background(), "U1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"users":{}}`, string(doc))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadNoRows(t *testing.T) {
	b, mock := newTestBackend(t)

	mock.ExpectQuery("SELECT data FROM session_stores").
		WithArgs("U1").
		WillReturnError(sql.ErrNoRows)

	_, err := b.Load(context.Background(), "U1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadError(t *testing.T) {
	b, mock := newTestBackend(t)

	mock.ExpectQuery("SELECT data FROM session_stores").
		WithArgs("U1").
		WillReturnError(errors.New(testDBError))

	_, err := b.Load(context.Background(), "U1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), testDBError)
}

func TestSaveUpserts(t *testing.T) {
	b, mock := newTestBackend(t)

	mock.ExpectExec("INSERT INTO session_stores").
		WithArgs("U1", `{"bots":{}}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, b.Save(context.Background(), "U1", []byte(`{"bots":{}}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveError(t *testing.T) {
	b, mock := newTestBackend(t)

	mock.ExpectExec("INSERT INTO session_stores").
		WillReturnError(errors.New(testDBError))

	assert.Error(t, b.Save(context.Background(), "U1", []byte(`{}`)))
}

func TestDelete(t *testing.T) {
	b, mock := newTestBackend(t)

	mock.ExpectExec("DELETE FROM session_stores").
		WithArgs("U1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, b.Delete(context.Background(), "U1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProviderOverPostgres(t *testing.T) {
	b, mock := newTestBackend(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT data FROM session_stores").
		WithArgs("U1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte("garbage")))
	mock.ExpectExec("INSERT INTO session_stores").
		WithArgs("U1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s, err := store.NewProvider(b).Open(ctx, "U1")
	require.NoError(t, err)
	require.NoError(t, s.Read(ctx), "corrupt rows fall back to defaults")
	require.NoError(t, s.Write(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseLeavesBorrowedPool(t *testing.T) {
	b, mock := newTestBackend(t)
	require.NoError(t, b.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	assert.True(t, names["000001_session_stores.up.sql"])
	assert.True(t, names["000001_session_stores.down.sql"])
}
