// Package auth handles user accounts: bcrypt password storage, JWT
// issuance and validation, and the gin middleware guarding the API.
package auth

import (
	"errors"
	"time"
)

// Role distinguishes the two account kinds.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid reports whether the role is one of the known kinds.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// User is one registered account. PasswordHash never leaves the package.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

var (
	// ErrEmailTaken is returned when registration reuses an email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials is returned on a failed login. The same error
	// covers unknown email and wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidToken is returned when a bearer token fails validation.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrUserNotFound is returned when no account matches the given id.
	ErrUserNotFound = errors.New("user not found")
)
