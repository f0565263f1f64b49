package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := NewStore(db, nil, logger)

	return db, mock, store
}

func TestCreate_ClosesLingeringActiveRows(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE live_sessions`).
		WithArgs("patient-A", "dev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO live_sessions`).
		WithArgs(sqlmock.AnyArg(), "patient-A", "dev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sess, err := store.Create(context.Background(), "patient-A", "dev-1")

	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "patient-A", sess.PatientID)
	assert.Equal(t, "dev-1", sess.DeviceID)
	assert.Equal(t, StatusActive, sess.Status)
	assert.Nil(t, sess.EndedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_InsertFailureRollsBack(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE live_sessions`).
		WithArgs("patient-A", "dev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO live_sessions`).
		WithArgs(sqlmock.AnyArg(), "patient-A", "dev-1", sqlmock.AnyArg()).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := store.Create(context.Background(), "patient-A", "dev-1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert session")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHeartRate_GuardedByActiveStatus(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE live_sessions`).
		WithArgs("sess-1", 78).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.UpdateHeartRate(context.Background(), "sess-1", 78))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHeartRate_CompletedSessionRejected(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE live_sessions`).
		WithArgs("sess-1", 78).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateHeartRate(context.Background(), "sess-1", 78)

	assert.ErrorIs(t, err, ErrNotActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseSession(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE live_sessions`).
		WithArgs("sess-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.CloseSession(context.Background(), "sess-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseSession_AlreadyCompleted(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE live_sessions`).
		WithArgs("sess-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CloseSession(context.Background(), "sess-1")

	assert.ErrorIs(t, err, ErrNotActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func sessionColumns() []string {
	return []string{
		"id", "patient_id", "device_id", "started_at", "ended_at",
		"status", "current_heart_rate", "notes",
	}
}

func TestGetByID(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	started := time.Now().Add(-time.Hour)
	ended := time.Now()

	rows := sqlmock.NewRows(sessionColumns()).
		AddRow("sess-1", "patient-A", "dev-1", started, ended, "completed", 76, nil)

	mock.ExpectQuery(`SELECT id, patient_id, device_id`).
		WithArgs("sess-1").
		WillReturnRows(rows)

	sess, err := store.GetByID(context.Background(), "sess-1")

	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, StatusCompleted, sess.Status)
	require.NotNil(t, sess.EndedAt)
	require.NotNil(t, sess.CurrentHeartRate)
	assert.Equal(t, 76, *sess.CurrentHeartRate)
	assert.Empty(t, sess.Notes)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByID_NotFound(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, patient_id, device_id`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetByID(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListByPatient(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(sessionColumns()).
		AddRow("sess-2", "patient-A", "dev-1", time.Now(), nil, "active", 80, nil).
		AddRow("sess-1", "patient-A", "dev-1", time.Now().Add(-time.Hour), time.Now(), "completed", nil, "routine check")

	mock.ExpectQuery(`SELECT id, patient_id, device_id`).
		WithArgs("patient-A", 50).
		WillReturnRows(rows)

	sessions, err := store.ListByPatient(context.Background(), "patient-A", 0)

	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, StatusActive, sessions[0].Status)
	assert.Nil(t, sessions[0].EndedAt)
	assert.Equal(t, "routine check", sessions[1].Notes)
	assert.Nil(t, sessions[1].CurrentHeartRate)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActive_Empty(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, patient_id, device_id`).
		WillReturnRows(sqlmock.NewRows(sessionColumns()))

	sessions, err := store.ListActive(context.Background())

	require.NoError(t, err)
	assert.Len(t, sessions, 0)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type captureFeed struct {
	tables  []string
	actions []string
}

func (f *captureFeed) Publish(_ context.Context, table, action string, _ interface{}) error {
	f.tables = append(f.tables, table)
	f.actions = append(f.actions, action)
	return nil
}

func TestCreate_PublishesInsertEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	feed := &captureFeed{}
	store := NewStore(db, feed, logger)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE live_sessions`).
		WithArgs("patient-A", "dev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO live_sessions`).
		WithArgs(sqlmock.AnyArg(), "patient-A", "dev-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err = store.Create(context.Background(), "patient-A", "dev-1")

	require.NoError(t, err)
	assert.Equal(t, []string{"live_sessions"}, feed.tables)
	assert.Equal(t, []string{"insert"}, feed.actions)
	assert.NoError(t, mock.ExpectationsWereMet())
}
