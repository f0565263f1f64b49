package relationship

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const feedTable = "relationships"

// ChangePublisher receives row-change notifications after successful writes.
type ChangePublisher interface {
	Publish(ctx context.Context, table, action string, payload interface{}) error
}

// Store is the Postgres-backed relationship repository.
type Store struct {
	db     *sql.DB
	feed   ChangePublisher
	logger *logrus.Logger
}

// NewStore creates a relationship store. feed may be nil.
func NewStore(db *sql.DB, feed ChangePublisher, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{db: db, feed: feed, logger: logger}
}

// Request creates a pending link from patient to doctor. A pending or
// accepted link for the same pair blocks a duplicate request.
func (s *Store) Request(ctx context.Context, patientID, doctorID string) (*Relationship, error) {
	var existing int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM relationships
		WHERE patient_id = $1 AND doctor_id = $2 AND status IN ('pending', 'accepted')
	`, patientID, doctorID).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing relationship: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyLinked
	}

	now := time.Now().UTC()
	rel := &Relationship{
		ID:          uuid.NewString(),
		PatientID:   patientID,
		DoctorID:    doctorID,
		Status:      StatusPending,
		RequestedAt: now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO relationships (id, patient_id, doctor_id, status, requested_at, updated_at)
		VALUES ($1, $2, $3, 'pending', $4, $4)
	`, rel.ID, rel.PatientID, rel.DoctorID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert relationship: %w", err)
	}

	s.publish(ctx, "insert", rel)
	return rel, nil
}

// Accept moves a pending request to accepted. Doctor only.
func (s *Store) Accept(ctx context.Context, relationshipID, doctorID string) (*Relationship, error) {
	return s.transition(ctx, relationshipID, StatusAccepted, func(rel *Relationship) error {
		if rel.DoctorID != doctorID {
			return ErrForbidden
		}
		return nil
	})
}

// Reject moves a pending request to rejected. Doctor only.
func (s *Store) Reject(ctx context.Context, relationshipID, doctorID string) (*Relationship, error) {
	return s.transition(ctx, relationshipID, StatusRejected, func(rel *Relationship) error {
		if rel.DoctorID != doctorID {
			return ErrForbidden
		}
		return nil
	})
}

// Cancel withdraws a pending request. Requesting patient only.
func (s *Store) Cancel(ctx context.Context, relationshipID, patientID string) (*Relationship, error) {
	return s.transition(ctx, relationshipID, StatusCancelled, func(rel *Relationship) error {
		if rel.PatientID != patientID {
			return ErrForbidden
		}
		return nil
	})
}

// Remove dissolves an accepted link. Either party may remove.
func (s *Store) Remove(ctx context.Context, relationshipID, userID string) (*Relationship, error) {
	return s.transition(ctx, relationshipID, StatusRemoved, func(rel *Relationship) error {
		if rel.PatientID != userID && rel.DoctorID != userID {
			return ErrForbidden
		}
		return nil
	})
}

// transition loads the row, applies the role check and the transition table,
// and persists the new status.
func (s *Store) transition(ctx context.Context, relationshipID string, to Status, check func(*Relationship) error) (*Relationship, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectColumns+`WHERE id = $1 FOR UPDATE`, relationshipID)
	rel, err := scanRelationship(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load relationship: %w", err)
	}

	if err := check(rel); err != nil {
		return nil, err
	}
	if !CanTransition(rel.Status, to) {
		return nil, &TransitionError{From: rel.Status, To: to}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE relationships SET status = $2, updated_at = $3 WHERE id = $1
	`, relationshipID, to, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update relationship: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit relationship update: %w", err)
	}

	rel.Status = to
	rel.UpdatedAt = now

	s.logger.WithFields(logrus.Fields{
		"relationship": relationshipID,
		"status":       to,
	}).Info("Relationship updated")
	s.publish(ctx, "update", rel)
	return rel, nil
}

const selectColumns = `
	SELECT id, patient_id, doctor_id, status, requested_at, updated_at
	FROM relationships
`

// ListByDoctor returns a doctor's relationships, optionally filtered by
// status, newest first.
func (s *Store) ListByDoctor(ctx context.Context, doctorID string, status Status) ([]*Relationship, error) {
	return s.list(ctx, "doctor_id", doctorID, status)
}

// ListByPatient returns a patient's relationships, optionally filtered by
// status, newest first.
func (s *Store) ListByPatient(ctx context.Context, patientID string, status Status) ([]*Relationship, error) {
	return s.list(ctx, "patient_id", patientID, status)
}

func (s *Store) list(ctx context.Context, column, userID string, status Status) ([]*Relationship, error) {
	query := selectColumns + `WHERE ` + column + ` = $1`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY requested_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	defer rows.Close()

	var rels []*Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relationships: %w", err)
	}
	return rels, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRelationship(row rowScanner) (*Relationship, error) {
	var rel Relationship
	err := row.Scan(
		&rel.ID,
		&rel.PatientID,
		&rel.DoctorID,
		&rel.Status,
		&rel.RequestedAt,
		&rel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

func (s *Store) publish(ctx context.Context, action string, rel *Relationship) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, feedTable, action, rel); err != nil {
		s.logger.WithError(err).WithField("relationship", rel.ID).
			Warn("Failed to publish relationship change")
	}
}
