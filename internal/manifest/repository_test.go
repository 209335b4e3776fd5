package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const editorID = "0190a0c1-0000-7000-8000-000000000002"

var documentColumns = []string{"document", "version", "updated_by", "updated_at"}

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	database, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := NewRepository(database)
	repo.now = func() time.Time { return at }
	return repo, mock, at
}

func TestRepository_Get(t *testing.T) {
	repo, mock, at := newMockRepo(t)
	mock.ExpectQuery(`FROM site_manifest`).
		WillReturnRows(sqlmock.NewRows(documentColumns).AddRow([]byte(`{"title":"B9"}`), int64(4), editorID, at))

	doc, err := repo.Get(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"B9"}`, string(doc.Config))
	assert.Equal(t, int64(4), doc.Version)
	require.NotNil(t, doc.UpdatedBy)
	assert.Equal(t, editorID, *doc.UpdatedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetMissingRow(t *testing.T) {
	repo, mock, _ := newMockRepo(t)
	mock.ExpectQuery(`FROM site_manifest`).WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_Put(t *testing.T) {
	repo, mock, at := newMockRepo(t)
	config := json.RawMessage(`{"title":"New"}`)
	expected := int64(4)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version FROM site_manifest WHERE id = 1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectQuery(`UPDATE site_manifest`).
		WithArgs([]byte(config), editorID, at).
		WillReturnRows(sqlmock.NewRows(documentColumns).AddRow([]byte(config), int64(5), editorID, at))
	mock.ExpectCommit()

	doc, err := repo.Put(context.Background(), config, &expected, editorID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), doc.Version)
	assert.Equal(t, at, doc.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PutRejectsStaleVersion(t *testing.T) {
	repo, mock, _ := newMockRepo(t)
	stale := int64(3)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))
	mock.ExpectRollback()

	_, err := repo.Put(context.Background(), json.RawMessage(`{}`), &stale, editorID)
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PutWithoutVersionOverwrites(t *testing.T) {
	repo, mock, at := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(9)))
	mock.ExpectQuery(`UPDATE site_manifest`).
		WithArgs([]byte(`{}`), nil, at).
		WillReturnRows(sqlmock.NewRows(documentColumns).AddRow([]byte(`{}`), int64(10), nil, at))
	mock.ExpectCommit()

	doc, err := repo.Put(context.Background(), json.RawMessage(`{}`), nil, "")
	require.NoError(t, err)
	assert.Nil(t, doc.UpdatedBy)
	assert.Equal(t, int64(10), doc.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
