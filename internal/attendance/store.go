package attendance

import (
	"context"
	"time"
)

// MarkFunc computes the attendance row after a token for sess was consumed.
// It returns changed=false when the row must stay as it is.
type MarkFunc func(tok Token, sess Session, current Record) (next Record, changed bool)

// Store persists sessions' code fields, tokens and attendance rows. All
// writes are conditional so that several stateless instances can share it.
type Store interface {
	// Session returns the session joined with its institution geofence.
	Session(ctx context.Context, id string) (Session, error)
	// SetSessionCode overwrites the session's active code.
	SetSessionCode(ctx context.Context, sessionID, code string, at time.Time) error
	InsertToken(ctx context.Context, t Token) error
	// RedeemToken consumes the token bound to studentID only if it is unused
	// and unexpired at now, then applies mark to the (student, session)
	// attendance row, creating it if needed, all in one transaction.
	// If the token cannot be consumed it returns ErrNotFound when no token
	// with that value belongs to studentID, or the stored token and
	// ErrConflict otherwise.
	RedeemToken(ctx context.Context, value, studentID string, now time.Time, mark MarkFunc) (Token, Record, error)
	Attendance(ctx context.Context, id string) (Record, error)
	// EnsureAttendance returns the (student, session) row, inserting a
	// not_marked row if none exists.
	EnsureAttendance(ctx context.Context, studentID, sessionID string, now time.Time) (Record, error)
	// UpdateAttendance writes next only if the stored row is still at prev's
	// Version; otherwise it returns ErrConflict. The stored version is
	// incremented.
	UpdateAttendance(ctx context.Context, prev, next Record) (Record, error)
	// FinalizeSession creates missing rows for enrolled students and moves
	// every not_marked row of the session to absent. It returns the number
	// of rows marked absent.
	FinalizeSession(ctx context.Context, sessionID string, now time.Time) (int, error)
}

// Directory answers identity and relationship questions owned by other
// parts of the platform.
type Directory interface {
	Student(ctx context.Context, id string) (Student, error)
	IsEnrolled(ctx context.Context, studentID, sessionID string) (bool, error)
	// Teaches reports whether the professor is assigned to the session or
	// to its course.
	Teaches(ctx context.Context, professorID, sessionID string) (bool, error)
}

// Notifier delivers tokens out of band.
type Notifier interface {
	DispatchToken(ctx context.Context, d TokenDelivery) error
}

// EventPublisher receives domain events after state changes commit.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

const (
	SubjectMarked                 = "attendance.marked"
	SubjectJustificationSubmitted = "attendance.justification.submitted"
	SubjectJustificationReviewed  = "attendance.justification.reviewed"
	SubjectSessionFinalized       = "attendance.session.finalized"
)

// Event is the payload published for attendance changes.
type Event struct {
	AttendanceID        string              `json:"attendance_id,omitempty"`
	StudentID           string              `json:"student_id,omitempty"`
	SessionID           string              `json:"session_id"`
	Status              Status              `json:"status,omitempty"`
	JustificationStatus JustificationStatus `json:"justification_status,omitempty"`
	ActorID             string              `json:"actor_id"`
	Count               int                 `json:"count,omitempty"`
	OccurredAt          time.Time           `json:"occurred_at"`
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }
