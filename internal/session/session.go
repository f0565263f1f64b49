// Package session persists live monitoring sessions: one row per continuous
// period of device connectivity for a patient, bounded by connect and
// disconnect or transport loss.
package session

import (
	"context"
	"errors"
	"time"
)

// Status of a live session row.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// LiveSession is one persisted monitoring period.
type LiveSession struct {
	ID               string     `json:"id"`
	PatientID        string     `json:"patientId"`
	DeviceID         string     `json:"deviceId"`
	StartedAt        time.Time  `json:"startedAt"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	Status           Status     `json:"status"`
	CurrentHeartRate *int       `json:"currentHeartRate,omitempty"`
	Notes            string     `json:"notes,omitempty"`
}

var (
	// ErrNotFound is returned when no session row matches the given id.
	ErrNotFound = errors.New("session not found")
	// ErrNotActive is returned when a write targets a session that has
	// already been completed.
	ErrNotActive = errors.New("session is not active")
)

// ChangePublisher receives row-change notifications after successful writes.
// The realtime feed implements it; a nil publisher disables notifications.
type ChangePublisher interface {
	Publish(ctx context.Context, table, action string, payload interface{}) error
}
