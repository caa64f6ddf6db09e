package attendance

import (
	"time"

	"rollcall/internal/geo"
)

// Status is the attendance state of a student for one session.
type Status string

const (
	StatusNotMarked Status = "not_marked"
	StatusPresent   Status = "present"
	StatusAbsent    Status = "absent"
	StatusLate      Status = "late"
	StatusExcused   Status = "excused"
)

// ParseStatus converts a wire value into a Status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusNotMarked, StatusPresent, StatusAbsent, StatusLate, StatusExcused:
		return st, true
	}
	return "", false
}

// Marked reports whether the status has left not_marked.
func (s Status) Marked() bool { return s != StatusNotMarked }

// JustificationStatus tracks the absence justification workflow.
type JustificationStatus string

const (
	JustificationNone     JustificationStatus = "none"
	JustificationPending  JustificationStatus = "pending"
	JustificationApproved JustificationStatus = "approved"
	JustificationRejected JustificationStatus = "rejected"
)

// Decision is a professor's verdict on a pending justification.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Role tags an identity. Students and professors share one identity record.
type Role string

const (
	RoleStudent   Role = "student"
	RoleProfessor Role = "professor"
)

// Session is a scheduled class occurrence together with the geofence of its
// institution.
type Session struct {
	ID              string
	CourseID        string
	InstitutionID   string
	ProfessorID     string
	StartsAt        time.Time
	EndsAt          time.Time
	Code            string
	CodeGeneratedAt *time.Time
	Fence           geo.Fence
}

// Student is the identity data the engine needs to deliver a token.
type Student struct {
	ID    string
	Name  string
	Email string
}

// Token is a single-use proof that a student passed the code and geofence
// checks for one session.
type Token struct {
	ID        string
	Value     string
	StudentID string
	SessionID string
	Code      string
	Location  geo.Point
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time
}

// Valid reports whether the token may still be redeemed at now.
func (t Token) Valid(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// Record is the durable attendance row for a (student, session) pair.
type Record struct {
	ID                       string
	StudentID                string
	SessionID                string
	Status                   Status
	Comment                  string
	Justification            string
	JustificationStatus      JustificationStatus
	JustificationSubmittedAt *time.Time
	JustificationReviewedAt  *time.Time
	ReviewedBy               string
	ReviewReason             string
	CreatedAt                time.Time
	UpdatedAt                time.Time
	// Version increases on every write and guards conditional updates.
	Version int64
}

// Summary is the caller-facing view of a Record.
type Summary struct {
	ID                       string              `json:"id"`
	StudentID                string              `json:"student_id"`
	SessionID                string              `json:"session_id"`
	Status                   Status              `json:"status"`
	Comment                  string              `json:"comment,omitempty"`
	Justification            string              `json:"justification,omitempty"`
	JustificationStatus      JustificationStatus `json:"justification_status"`
	JustificationSubmittedAt *time.Time          `json:"justification_submitted_at,omitempty"`
	JustificationReviewedAt  *time.Time          `json:"justification_reviewed_at,omitempty"`
	ReviewedBy               string              `json:"reviewed_by,omitempty"`
	ReviewReason             string              `json:"review_reason,omitempty"`
	AlreadyMarked            bool                `json:"already_marked,omitempty"`
	CreatedAt                time.Time           `json:"created_at"`
	UpdatedAt                time.Time           `json:"updated_at"`
}

// Summary projects r for callers.
func (r Record) Summary() Summary {
	return Summary{
		ID:                       r.ID,
		StudentID:                r.StudentID,
		SessionID:                r.SessionID,
		Status:                   r.Status,
		Comment:                  r.Comment,
		Justification:            r.Justification,
		JustificationStatus:      r.JustificationStatus,
		JustificationSubmittedAt: r.JustificationSubmittedAt,
		JustificationReviewedAt:  r.JustificationReviewedAt,
		ReviewedBy:               r.ReviewedBy,
		ReviewReason:             r.ReviewReason,
		CreatedAt:                r.CreatedAt,
		UpdatedAt:                r.UpdatedAt,
	}
}

// IssuedCode is returned to the professor who generated a session code.
type IssuedCode struct {
	SessionID   string    `json:"session_id"`
	Code        string    `json:"code"`
	GeneratedAt time.Time `json:"generated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CodeStatus describes the active code of a session without revealing it.
type CodeStatus struct {
	SessionID   string     `json:"session_id"`
	Active      bool       `json:"active"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// TokenAck acknowledges a token request. It never carries the token.
type TokenAck struct {
	SessionID string    `json:"session_id"`
	Delivery  string    `json:"delivery"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenDelivery is what the notifier needs to send a token out of band.
type TokenDelivery struct {
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name,omitempty"`
	Email       string    `json:"email"`
	SessionID   string    `json:"session_id"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}
