// Package relationship manages doctor-patient links: a patient requests a
// doctor, the doctor accepts or rejects, the requester may cancel a pending
// request, and either side may remove an accepted link.
package relationship

import (
	"errors"
	"fmt"
	"time"
)

// Status of a doctor-patient relationship.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusRemoved   Status = "removed"
)

// Relationship is one doctor-patient link.
type Relationship struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patientId"`
	DoctorID    string    `json:"doctorId"`
	Status      Status    `json:"status"`
	RequestedAt time.Time `json:"requestedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

var (
	// ErrNotFound is returned when no relationship matches the given id.
	ErrNotFound = errors.New("relationship not found")
	// ErrForbidden is returned when the acting user holds neither role the
	// operation requires.
	ErrForbidden = errors.New("not a party to this relationship")
	// ErrAlreadyLinked is returned when a request would duplicate a pending
	// or accepted link for the same pair.
	ErrAlreadyLinked = errors.New("relationship already exists")
)

// TransitionError reports a status change outside the allowed edges.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition relationship from %s to %s", e.From, e.To)
}

// transitions lists the allowed status edges. Rejected, cancelled, and
// removed are terminal.
var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusRejected, StatusCancelled},
	StatusAccepted: {StatusRemoved},
}

// CanTransition reports whether the status change is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
