package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rollcall/internal/geo"
	"rollcall/internal/metrics"
)

const maxTokenLen = 128

// Service is the attendance verification engine.
type Service struct {
	store    Store
	dir      Directory
	notifier Notifier
	events   EventPublisher
	policy   Policy
	now      func() time.Time
	log      zerolog.Logger
	tracer   trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p.normalize() }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithEvents publishes domain events after each committed change.
func WithEvents(p EventPublisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// NewService wires the engine to its collaborators.
func NewService(store Store, dir Directory, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:    store,
		dir:      dir,
		notifier: notifier,
		events:   nopPublisher{},
		policy:   DefaultPolicy(),
		now:      time.Now,
		log:      zerolog.Nop(),
		tracer:   otel.Tracer("rollcall/attendance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the effective policy.
func (s *Service) Policy() Policy { return s.policy }

// IssueSessionCode generates and stores a fresh code for the session. The
// previous code, if any, stops being accepted. Only the professor running
// the session may issue codes; course assignment alone is not enough.
func (s *Service) IssueSessionCode(ctx context.Context, sessionID, professorID string) (IssuedCode, error) {
	sess, err := s.sessionRunBy(ctx, sessionID, professorID)
	if err != nil {
		return IssuedCode{}, err
	}
	code, err := GenerateCode(s.policy.CodeLength)
	if err != nil {
		return IssuedCode{}, err
	}
	now := s.now().UTC()
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.SetSessionCode(ctx, sess.ID, code, now)
	}); err != nil {
		return IssuedCode{}, s.storeErr(err, "session")
	}
	sess.Code, sess.CodeGeneratedAt = code, &now
	exp, _ := CodeExpiry(sess, s.policy)
	metrics.CodesIssued.Inc()
	s.log.Info().Str("session_id", sess.ID).Str("professor_id", professorID).Time("expires_at", exp).Msg("session code issued")
	return IssuedCode{SessionID: sess.ID, Code: code, GeneratedAt: now, ExpiresAt: exp}, nil
}

// ValidateCode checks a submitted code against the session's active code
// without side effects.
func (s *Service) ValidateCode(ctx context.Context, sessionID, code string) error {
	if err := checkCodeFormat(code, s.policy.CodeLength); err != nil {
		return err
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	return ValidateCode(sess, code, s.now(), s.policy)
}

// CodeStatus reports whether the session has a code that is still accepted.
func (s *Service) CodeStatus(ctx context.Context, sessionID, professorID string) (CodeStatus, error) {
	sess, err := s.sessionFor(ctx, sessionID, professorID)
	if err != nil {
		return CodeStatus{}, err
	}
	st := CodeStatus{SessionID: sess.ID}
	if exp, ok := CodeExpiry(sess, s.policy); ok {
		st.GeneratedAt = sess.CodeGeneratedAt
		st.ExpiresAt = &exp
		st.Active = s.now().Before(exp)
	}
	return st, nil
}

// TokenRequest is a student's claim to be present at a session.
type TokenRequest struct {
	StudentID string
	SessionID string
	Code      string
	Location  geo.Point
}

// RequestToken verifies the code, the geofence and the enrollment, then
// mints a single-use token and hands it to the notifier. The token itself
// is never returned.
func (s *Service) RequestToken(ctx context.Context, req TokenRequest) (ack TokenAck, err error) {
	ctx, span := s.tracer.Start(ctx, "attendance.RequestToken", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("student.id", req.StudentID),
	))
	defer func() {
		metrics.TokenRequests.WithLabelValues(outcome(err)).Inc()
		endSpan(span, err)
	}()

	if req.StudentID == "" || req.SessionID == "" {
		return TokenAck{}, newError(KindValidation, "student and session are required")
	}
	if err := req.Location.Validate(); err != nil {
		return TokenAck{}, &Error{Kind: KindValidation, Msg: err.Error(), Err: err}
	}
	if err := checkCodeFormat(req.Code, s.policy.CodeLength); err != nil {
		return TokenAck{}, err
	}

	sess, err := s.session(ctx, req.SessionID)
	if err != nil {
		return TokenAck{}, err
	}
	now := s.now().UTC()
	if err := ValidateCode(sess, req.Code, now, s.policy); err != nil {
		return TokenAck{}, err
	}

	inside, dist, err := sess.Fence.Contains(req.Location)
	if err != nil {
		return TokenAck{}, fmt.Errorf("session %s geofence: %w", sess.ID, err)
	}
	metrics.GeofenceDistance.Observe(dist)
	if !inside {
		return TokenAck{}, newError(KindOutOfRange, "device is %.0fm from campus, limit is %.0fm", dist, sess.Fence.RadiusMeters)
	}

	var student Student
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		student, err = s.dir.Student(ctx, req.StudentID)
		return err
	}); err != nil {
		return TokenAck{}, s.storeErr(err, "student")
	}
	var enrolled bool
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		enrolled, err = s.dir.IsEnrolled(ctx, student.ID, sess.ID)
		return err
	}); err != nil {
		return TokenAck{}, s.storeErr(err, "enrollment")
	}
	if !enrolled {
		return TokenAck{}, newError(KindNotEnrolled, "student is not enrolled in a section of this session")
	}

	value, err := NewTokenValue()
	if err != nil {
		return TokenAck{}, err
	}
	tok := Token{
		ID:        uuid.NewString(),
		Value:     value,
		StudentID: student.ID,
		SessionID: sess.ID,
		Code:      req.Code,
		Location:  req.Location,
		CreatedAt: now,
		ExpiresAt: now.Add(s.policy.TokenTTL),
	}
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		return s.store.InsertToken(ctx, tok)
	}); err != nil {
		return TokenAck{}, s.storeErr(err, "token")
	}

	s.dispatch(ctx, TokenDelivery{
		StudentID:   student.ID,
		StudentName: student.Name,
		Email:       student.Email,
		SessionID:   sess.ID,
		Token:       tok.Value,
		ExpiresAt:   tok.ExpiresAt,
	})
	s.log.Info().Str("session_id", sess.ID).Str("student_id", student.ID).Str("token_id", tok.ID).Msg("attendance token issued")
	return TokenAck{SessionID: sess.ID, Delivery: "email", ExpiresAt: tok.ExpiresAt}, nil
}

// dispatch hands the token to the notifier without letting delivery hold
// up or fail the request.
func (s *Service) dispatch(ctx context.Context, d TokenDelivery) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.DispatchTimeout)
	defer cancel()
	if err := s.notifier.DispatchToken(ctx, d); err != nil {
		metrics.Dispatches.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Str("session_id", d.SessionID).Str("student_id", d.StudentID).Msg("token dispatch failed")
		return
	}
	metrics.Dispatches.WithLabelValues("ok").Inc()
}

// ConfirmToken redeems a token for the calling student and marks attendance.
// Exactly one of any number of concurrent confirmations of the same token
// succeeds.
func (s *Service) ConfirmToken(ctx context.Context, studentID, value string) (sum Summary, err error) {
	ctx, span := s.tracer.Start(ctx, "attendance.ConfirmToken", trace.WithAttributes(
		attribute.String("student.id", studentID),
	))
	defer func() {
		metrics.TokenRedemptions.WithLabelValues(outcome(err)).Inc()
		endSpan(span, err)
	}()

	value = strings.TrimSpace(value)
	if studentID == "" || value == "" {
		return Summary{}, newError(KindValidation, "student and token are required")
	}
	if len(value) > maxTokenLen {
		return Summary{}, newError(KindTokenStudentMismatch, "token is not valid for this student")
	}

	now := s.now().UTC()
	var won, changed bool
	mark := func(tok Token, sess Session, cur Record) (Record, bool) {
		var next Record
		won = true
		next, changed = applyRedemption(cur, sess, now, s.policy)
		return next, changed
	}

	var tok Token
	var rec Record
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		tok, rec, err = s.store.RedeemToken(ctx, value, studentID, now, mark)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return Summary{}, newError(KindTokenStudentMismatch, "token is not valid for this student")
	case errors.Is(err, ErrConflict) && won && tok.Used:
		// An earlier attempt consumed the token but lost the commit reply.
		s.log.Warn().Str("session_id", tok.SessionID).Str("student_id", studentID).Msg("token redeemed by an unacknowledged attempt")
		if err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			rec, err = s.store.EnsureAttendance(ctx, studentID, tok.SessionID, now)
			return err
		}); err != nil {
			return Summary{}, s.storeErr(err, "attendance")
		}
	case errors.Is(err, ErrConflict):
		if !now.Before(tok.ExpiresAt) {
			return Summary{}, newError(KindTokenExpired, "token expired at %s", tok.ExpiresAt.UTC().Format(time.RFC3339))
		}
		return Summary{}, newError(KindTokenAlreadyUsed, "token has already been used")
	default:
		return Summary{}, s.storeErr(err, "token")
	}

	if changed {
		s.publish(ctx, SubjectMarked, rec, studentID, now)
	}
	s.log.Info().Str("session_id", rec.SessionID).Str("student_id", studentID).
		Str("status", string(rec.Status)).Bool("already_marked", !changed).Msg("attendance token confirmed")
	sum = rec.Summary()
	sum.AlreadyMarked = !changed
	return sum, nil
}

// SubmitJustification attaches the student's explanation to an absent or
// late record.
func (s *Service) SubmitJustification(ctx context.Context, studentID, attendanceID, text string) (sum Summary, err error) {
	defer func() { metrics.Transitions.WithLabelValues("submit_justification", outcome(err)).Inc() }()

	rec, err := s.attendance(ctx, attendanceID)
	if err != nil {
		return Summary{}, err
	}
	if rec.StudentID != studentID {
		return Summary{}, newError(KindUnauthorized, "attendance belongs to another student")
	}
	now := s.now().UTC()
	next, err := applySubmission(rec, text, now)
	if err != nil {
		return Summary{}, err
	}
	saved, err := s.update(ctx, rec, next)
	if err != nil {
		return Summary{}, err
	}
	s.publish(ctx, SubjectJustificationSubmitted, saved, studentID, now)
	return saved.Summary(), nil
}

// ReviewJustification approves or rejects a pending justification.
func (s *Service) ReviewJustification(ctx context.Context, professorID, attendanceID string, d Decision, reason string) (sum Summary, err error) {
	defer func() { metrics.Transitions.WithLabelValues("review_justification", outcome(err)).Inc() }()

	rec, err := s.attendance(ctx, attendanceID)
	if err != nil {
		return Summary{}, err
	}
	if err := s.requireTeaches(ctx, professorID, rec.SessionID); err != nil {
		return Summary{}, err
	}
	now := s.now().UTC()
	next, err := applyReview(rec, d, professorID, reason, now, s.policy.ExcuseOnApproval)
	if err != nil {
		return Summary{}, err
	}
	saved, err := s.update(ctx, rec, next)
	if err != nil {
		return Summary{}, err
	}
	s.publish(ctx, SubjectJustificationReviewed, saved, professorID, now)
	return saved.Summary(), nil
}

// MarkAttendance lets a teaching professor set the status of a not yet
// marked student.
func (s *Service) MarkAttendance(ctx context.Context, professorID, sessionID, studentID string, status Status, comment string) (sum Summary, err error) {
	defer func() { metrics.Transitions.WithLabelValues("mark", outcome(err)).Inc() }()

	sess, err := s.sessionFor(ctx, sessionID, professorID)
	if err != nil {
		return Summary{}, err
	}
	var enrolled bool
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		enrolled, err = s.dir.IsEnrolled(ctx, studentID, sess.ID)
		return err
	}); err != nil {
		return Summary{}, s.storeErr(err, "enrollment")
	}
	if !enrolled {
		return Summary{}, newError(KindNotEnrolled, "student is not enrolled in a section of this session")
	}

	now := s.now().UTC()
	var rec Record
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.store.EnsureAttendance(ctx, studentID, sess.ID, now)
		return err
	}); err != nil {
		return Summary{}, s.storeErr(err, "attendance")
	}
	next, err := applyMark(rec, status, comment, now)
	if err != nil {
		return Summary{}, err
	}
	saved, err := s.update(ctx, rec, next)
	if err != nil {
		return Summary{}, err
	}
	s.publish(ctx, SubjectMarked, saved, professorID, now)
	return saved.Summary(), nil
}

// FinalizeSession marks every enrolled student without a status as absent.
func (s *Service) FinalizeSession(ctx context.Context, professorID, sessionID string) (n int, err error) {
	defer func() { metrics.Transitions.WithLabelValues("finalize", outcome(err)).Inc() }()

	sess, err := s.sessionFor(ctx, sessionID, professorID)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.FinalizeSession(ctx, sess.ID, now)
		return err
	}); err != nil {
		return 0, s.storeErr(err, "session")
	}
	s.log.Info().Str("session_id", sess.ID).Int("absent", n).Msg("session finalized")
	s.emit(ctx, SubjectSessionFinalized, Event{SessionID: sess.ID, ActorID: professorID, Count: n, OccurredAt: now})
	return n, nil
}

// GetAttendance returns a record to its student or to a teaching professor.
func (s *Service) GetAttendance(ctx context.Context, callerID string, role Role, attendanceID string) (Summary, error) {
	rec, err := s.attendance(ctx, attendanceID)
	if err != nil {
		return Summary{}, err
	}
	switch role {
	case RoleStudent:
		if rec.StudentID != callerID {
			return Summary{}, newError(KindUnauthorized, "attendance belongs to another student")
		}
	case RoleProfessor:
		if err := s.requireTeaches(ctx, callerID, rec.SessionID); err != nil {
			return Summary{}, err
		}
	default:
		return Summary{}, newError(KindUnauthorized, "role %q may not read attendance", role)
	}
	return rec.Summary(), nil
}

func (s *Service) session(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, newError(KindValidation, "session is required")
	}
	var sess Session
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		sess, err = s.store.Session(ctx, id)
		return err
	})
	if err != nil {
		return Session{}, s.storeErr(err, "session")
	}
	return sess, nil
}

// sessionFor loads a session the professor teaches.
func (s *Service) sessionFor(ctx context.Context, sessionID, professorID string) (Session, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := s.requireTeaches(ctx, professorID, sess.ID); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// sessionRunBy loads a session whose own professor is professorID. Sessions
// without a professor fall back to course assignment.
func (s *Service) sessionRunBy(ctx context.Context, sessionID, professorID string) (Session, error) {
	if professorID == "" {
		return Session{}, newError(KindUnauthorized, "professor identity required")
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.ProfessorID == "" {
		if err := s.requireTeaches(ctx, professorID, sess.ID); err != nil {
			return Session{}, err
		}
		return sess, nil
	}
	if sess.ProfessorID != professorID {
		return Session{}, newError(KindUnauthorized, "only the session's professor may issue codes")
	}
	return sess, nil
}

func (s *Service) requireTeaches(ctx context.Context, professorID, sessionID string) error {
	if professorID == "" {
		return newError(KindUnauthorized, "professor identity required")
	}
	var ok bool
	if err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ok, err = s.dir.Teaches(ctx, professorID, sessionID)
		return err
	}); err != nil {
		return s.storeErr(err, "assignment")
	}
	if !ok {
		return newError(KindUnauthorized, "professor is not assigned to this session")
	}
	return nil
}

func (s *Service) attendance(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, newError(KindValidation, "attendance is required")
	}
	var rec Record
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.store.Attendance(ctx, id)
		return err
	})
	if err != nil {
		return Record{}, s.storeErr(err, "attendance")
	}
	return rec, nil
}

func (s *Service) update(ctx context.Context, prev, next Record) (Record, error) {
	var saved Record
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		saved, err = s.store.UpdateAttendance(ctx, prev, next)
		return err
	})
	if errors.Is(err, ErrConflict) {
		return Record{}, newError(KindInvalidStateTransition, "attendance changed concurrently, reload and retry")
	}
	if err != nil {
		return Record{}, s.storeErr(err, "attendance")
	}
	return saved, nil
}

// withRetry retries fn while it fails with a transient persistence error.
func (s *Service) withRetry(ctx context.Context, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(s.policy.StoreRetries, retry.NewExponential(25*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// storeErr converts persistence errors into engine errors.
func (s *Service) storeErr(err error, what string) error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, ErrNotFound):
		return newError(KindNotFound, "%s not found", what)
	case IsTransient(err):
		s.log.Error().Err(err).Str("entity", what).Msg("storage unavailable after retries")
		return &Error{Kind: KindUnavailable, Msg: "storage temporarily unavailable", Err: err}
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func (s *Service) publish(ctx context.Context, subject string, rec Record, actorID string, at time.Time) {
	s.emit(ctx, subject, Event{
		AttendanceID:        rec.ID,
		StudentID:           rec.StudentID,
		SessionID:           rec.SessionID,
		Status:              rec.Status,
		JustificationStatus: rec.JustificationStatus,
		ActorID:             actorID,
		OccurredAt:          at,
	})
}

func (s *Service) emit(ctx context.Context, subject string, evt Event) {
	if err := s.events.Publish(ctx, subject, evt); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Str("session_id", evt.SessionID).Msg("event publish failed")
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return strings.ToLower(string(k))
	}
	return "error"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
