package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// UserStore is the Postgres-backed account repository.
type UserStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewUserStore creates a user store.
func NewUserStore(db *sql.DB, logger *logrus.Logger) *UserStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &UserStore{db: db, logger: logger}
}

// Create inserts a new account. The email unique constraint maps to
// ErrEmailTaken.
func (s *UserStore) Create(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, role, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.DisplayName, user.Role, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, email, display_name, role, password_hash, created_at
	FROM users
`

// GetByEmail fetches an account by email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.get(ctx, selectColumns+`WHERE email = $1`, email)
}

// GetByID fetches an account by id.
func (s *UserStore) GetByID(ctx context.Context, userID string) (*User, error) {
	return s.get(ctx, selectColumns+`WHERE id = $1`, userID)
}

func (s *UserStore) get(ctx context.Context, query, arg string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.Role,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}
