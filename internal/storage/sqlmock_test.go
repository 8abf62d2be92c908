package storage

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroash/smartband-monitor/internal/models"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLiteStoreWithDB(db, zerolog.Nop()), mock
}

func TestInsertBatch_CommitFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO readings"))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	err := store.InsertBatch("band-01", "s1", makeBatch(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatch_ExecFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO readings"))
	prep.ExpectExec().WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	err := store.InsertBatch("band-01", "s1", makeBatch(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert reading in batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_ExecFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WithArgs("s1", "band-01", "default_user", sqlmock.AnyArg()).
		WillReturnError(errors.New("database is locked"))

	err := store.CreateSession(&SessionRecord{ID: "s1", DeviceID: "band-01", UserID: "default_user", StartTime: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrimReadings_Failure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM readings WHERE id NOT IN")).
		WithArgs(1000).
		WillReturnError(errors.New("no such table: readings"))

	_, err := store.TrimReadings(1000)
	assert.ErrorContains(t, err, "failed to trim readings")
}

func TestRecorder_StorageErrorsAreCaptured(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	rec := NewRecorder(store, RecorderConfig{DeviceID: "band-01", ChannelSize: 10}, zerolog.Nop())
	defer rec.Stop()

	id := rec.StartSession("default_user")
	assert.NotEmpty(t, id, "identifier is returned even when the row cannot be written")
	assert.ErrorIs(t, rec.LastError(), &StorageError{Op: OpSessionCreate})

	rec.StoreBatch([]*models.Reading{createTestReading(72, time.Now())})
	rec.Flush()

	var serr *StorageError
	require.ErrorAs(t, rec.LastError(), &serr)
	assert.Equal(t, OpBatchUpload, serr.Op)
	assert.Equal(t, "failed to upload batch: failed to begin transaction: database is locked", serr.Error())

	stats := rec.Stats()
	assert.Equal(t, int64(2), stats.TotalErrors)
	assert.Equal(t, int64(0), stats.UploadCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
