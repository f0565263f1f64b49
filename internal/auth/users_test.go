package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := NewUserStore(db, logger)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(sqlmock.AnyArg(), "pat@example.com", "Pat", RolePatient, "hash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	user := &User{Email: "pat@example.com", DisplayName: "Pat", Role: RolePatient, PasswordHash: "hash"}
	require.NoError(t, store.Create(context.Background(), user))
	assert.NotEmpty(t, user.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_CreateDuplicateEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewUserStore(db, nil)

	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505"})

	user := &User{Email: "pat@example.com", Role: RolePatient, PasswordHash: "hash"}
	err = store.Create(context.Background(), user)

	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_GetByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewUserStore(db, nil)

	rows := sqlmock.NewRows([]string{"id", "email", "display_name", "role", "password_hash", "created_at"}).
		AddRow("u1", "pat@example.com", "Pat", "patient", "hash", time.Now())

	mock.ExpectQuery(`SELECT id, email, display_name`).
		WithArgs("pat@example.com").
		WillReturnRows(rows)

	user, err := store.GetByEmail(context.Background(), "pat@example.com")

	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, RolePatient, user.Role)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserStore_GetByIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewUserStore(db, nil)

	mock.ExpectQuery(`SELECT id, email, display_name`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "display_name", "role", "password_hash", "created_at"}))

	_, err = store.GetByID(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
