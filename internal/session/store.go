package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const feedTable = "live_sessions"

// Store is the Postgres-backed session repository. It implements the stream
// package's SessionRecorder.
type Store struct {
	db     *sql.DB
	feed   ChangePublisher
	logger *logrus.Logger
}

// NewStore creates a session store. feed may be nil.
func NewStore(db *sql.DB, feed ChangePublisher, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{db: db, feed: feed, logger: logger}
}

// Create opens a new active session for the (patient, device) pair. Any
// lingering active row for the same pair is completed first in the same
// transaction, so at most one active session per pair can exist even when an
// earlier close write was lost.
func (s *Store) Create(ctx context.Context, patientID, deviceID string) (*LiveSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE live_sessions
		SET status = 'completed', ended_at = $3
		WHERE patient_id = $1 AND device_id = $2 AND status = 'active'
	`, patientID, deviceID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to close lingering sessions: %w", err)
	}
	if closed, _ := res.RowsAffected(); closed > 0 {
		s.logger.WithFields(logrus.Fields{
			"patient": patientID,
			"device":  deviceID,
			"count":   closed,
		}).Warn("Closed lingering active sessions before creating a new one")
	}

	sess := &LiveSession{
		ID:        uuid.NewString(),
		PatientID: patientID,
		DeviceID:  deviceID,
		StartedAt: now,
		Status:    StatusActive,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO live_sessions (id, patient_id, device_id, started_at, status)
		VALUES ($1, $2, $3, $4, 'active')
	`, sess.ID, sess.PatientID, sess.DeviceID, sess.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session create: %w", err)
	}

	s.publish(ctx, "insert", sess)
	return sess, nil
}

// UpdateHeartRate records the latest heart rate on an active session.
// Returns ErrNotActive when the session has already been completed.
func (s *Store) UpdateHeartRate(ctx context.Context, sessionID string, bpm int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE live_sessions
		SET current_heart_rate = $2
		WHERE id = $1 AND status = 'active'
	`, sessionID, bpm)
	if err != nil {
		return fmt.Errorf("failed to update heart rate: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotActive
	}

	s.publishByID(ctx, sessionID)
	return nil
}

// CloseSession completes an active session. Returns ErrNotActive when the
// row was already completed.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE live_sessions
		SET status = 'completed', ended_at = $2
		WHERE id = $1 AND status = 'active'
	`, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotActive
	}

	s.publishByID(ctx, sessionID)
	return nil
}

// StartSession adapts Create to the stream client's recorder contract.
func (s *Store) StartSession(ctx context.Context, patientID, deviceID string) (string, error) {
	sess, err := s.Create(ctx, patientID, deviceID)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

const selectColumns = `
	SELECT id, patient_id, device_id, started_at, ended_at, status,
	       current_heart_rate, notes
	FROM live_sessions
`

// GetByID fetches one session row.
func (s *Store) GetByID(ctx context.Context, sessionID string) (*LiveSession, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`WHERE id = $1`, sessionID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// ListByPatient returns a patient's sessions, newest first.
func (s *Store) ListByPatient(ctx context.Context, patientID string, limit int) ([]*LiveSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+`WHERE patient_id = $1 ORDER BY started_at DESC LIMIT $2`,
		patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// ListActive returns every session currently marked active.
func (s *Store) ListActive(ctx context.Context) ([]*LiveSession, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+`WHERE status = 'active' ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*LiveSession, error) {
	var sess LiveSession
	var endedAt sql.NullTime
	var heartRate sql.NullInt64
	var notes sql.NullString

	err := row.Scan(
		&sess.ID,
		&sess.PatientID,
		&sess.DeviceID,
		&sess.StartedAt,
		&endedAt,
		&sess.Status,
		&heartRate,
		&notes,
	)
	if err != nil {
		return nil, err
	}

	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if heartRate.Valid {
		bpm := int(heartRate.Int64)
		sess.CurrentHeartRate = &bpm
	}
	if notes.Valid {
		sess.Notes = notes.String
	}
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*LiveSession, error) {
	var sessions []*LiveSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// publishByID re-reads the row so the feed carries the post-write state.
// Skipped entirely when no publisher is wired.
func (s *Store) publishByID(ctx context.Context, sessionID string) {
	if s.feed == nil {
		return
	}
	sess, err := s.GetByID(ctx, sessionID)
	if err != nil {
		s.logger.WithError(err).WithField("session", sessionID).
			Warn("Failed to load session for feed publish")
		return
	}
	s.publish(ctx, "update", sess)
}

func (s *Store) publish(ctx context.Context, action string, sess *LiveSession) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, feedTable, action, sess); err != nil {
		s.logger.WithError(err).WithField("session", sess.ID).
			Warn("Failed to publish session change")
	}
}
