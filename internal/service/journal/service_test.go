package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-labs/inkwell-events/internal/repository"
)

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	dbx := sqlx.NewDb(mockDB, "sqlmock")
	return New(dbx, repository.NewEntriesRepository(dbx), repository.NewOutboxRepository(dbx)), mock
}

func TestCreateCommitsEntryAndEventTogether(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := svc.Create(context.Background(), 7, "title", "body")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRollsBackEntryWhenEnqueueFails(t *testing.T) {
	svc, mock := newMockService(t)

	// the entry insert succeeds, the outbox insert fails: the whole
	// transaction rolls back, no entry without its event
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entries").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO outbox").WillReturnError(errors.New("outbox insert failed"))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), 7, "title", "body")
	require.Error(t, err)
	assert.ErrorContains(t, err, "outbox insert failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRollsBackWhenEntryInsertFails(t *testing.T) {
	svc, mock := newMockService(t)

	// the outbox is never touched when the business write fails
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entries").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), 7, "title", "body")
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRollsBackWhenEntryMissing(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := svc.Update(context.Background(), 7, "01ARZ3NDEKTSV4RRFFQ69G5FAV", "t", "b")
	assert.ErrorIs(t, err, repository.ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteCommitsRemovalAndEventTogether(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbox").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := svc.Delete(context.Background(), 7, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
