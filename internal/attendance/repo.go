package attendance

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists attendance data in Postgres. It implements Store and
// Directory.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `
	s.id, s.course_id, c.institution_id, COALESCE(s.professor_id, ''), s.starts_at, s.ends_at,
	s.code, s.code_generated_at, i.latitude, i.longitude, i.radius_meters`

const sessionFrom = `
	FROM sessions s
	JOIN courses c ON c.id = s.course_id
	JOIN institutions i ON i.id = c.institution_id`

func scanSession(ctx context.Context, q queryer, id string) (Session, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+sessionFrom+` WHERE s.id = $1`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.CourseID, &s.InstitutionID, &s.ProfessorID, &s.StartsAt, &s.EndsAt,
		&s.Code, &s.CodeGeneratedAt, &s.Fence.Center.Lat, &s.Fence.Center.Lon, &s.Fence.RadiusMeters); err != nil {
		return Session{}, classify(err)
	}
	return s, nil
}

// Session returns the session joined with its institution geofence.
func (r *Repository) Session(ctx context.Context, id string) (Session, error) {
	return scanSession(ctx, r.db, id)
}

// SetSessionCode overwrites the session's active code.
func (r *Repository) SetSessionCode(ctx context.Context, sessionID, code string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET code = $2, code_generated_at = $3, updated_at = $3
		WHERE id = $1
	`, sessionID, code, at)
	if err != nil {
		return classify(err)
	}
	return requireRow(res)
}

// InsertToken stores a freshly minted token.
func (r *Repository) InsertToken(ctx context.Context, t Token) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_tokens (id, token, student_id, session_id, code, latitude, longitude, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, t.ID, t.Value, t.StudentID, t.SessionID, t.Code, t.Location.Lat, t.Location.Lon, t.CreatedAt, t.ExpiresAt)
	return classify(err)
}

// RedeemToken consumes the token and applies mark to the attendance row in
// one transaction. The consuming UPDATE is the single point of truth for
// concurrent redemptions.
func (r *Repository) RedeemToken(ctx context.Context, value, studentID string, now time.Time, mark MarkFunc) (Token, Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Token{}, Record{}, classify(err)
	}
	defer tx.Rollback()

	tok := Token{Value: value, StudentID: studentID}
	row := tx.QueryRowContext(ctx, `
		UPDATE attendance_tokens
		SET used = TRUE, used_at = $3
		WHERE token = $1 AND student_id = $2 AND NOT used AND expires_at > $3
		RETURNING id, session_id, code, latitude, longitude, created_at, expires_at
	`, value, studentID, now)
	err = row.Scan(&tok.ID, &tok.SessionID, &tok.Code, &tok.Location.Lat, &tok.Location.Lon, &tok.CreatedAt, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r.lostRedemption(ctx, tx, value, studentID)
	}
	if err != nil {
		return Token{}, Record{}, classify(err)
	}
	tok.Used, tok.UsedAt = true, &now

	sess, err := scanSession(ctx, tx, tok.SessionID)
	if err != nil {
		return Token{}, Record{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance (id, student_id, session_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (student_id, session_id) DO NOTHING
	`, uuid.NewString(), tok.StudentID, tok.SessionID, now); err != nil {
		return Token{}, Record{}, classify(err)
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance
		WHERE student_id = $1 AND session_id = $2 FOR UPDATE`, tok.StudentID, tok.SessionID))
	if err != nil {
		return Token{}, Record{}, err
	}
	if next, changed := mark(tok, sess, rec); changed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE attendance SET status = $2, updated_at = $3, version = version + 1 WHERE id = $1
		`, rec.ID, next.Status, next.UpdatedAt); err != nil {
			return Token{}, Record{}, classify(err)
		}
		next.Version = rec.Version + 1
		rec = next
	}
	if err := tx.Commit(); err != nil {
		return Token{}, Record{}, classify(err)
	}
	return tok, rec, nil
}

// lostRedemption explains why the consuming UPDATE matched nothing.
func (r *Repository) lostRedemption(ctx context.Context, tx *sql.Tx, value, studentID string) (Token, Record, error) {
	tok := Token{Value: value, StudentID: studentID}
	row := tx.QueryRowContext(ctx, `
		SELECT id, session_id, code, latitude, longitude, created_at, expires_at, used, used_at
		FROM attendance_tokens WHERE token = $1 AND student_id = $2
	`, value, studentID)
	if err := row.Scan(&tok.ID, &tok.SessionID, &tok.Code, &tok.Location.Lat, &tok.Location.Lon,
		&tok.CreatedAt, &tok.ExpiresAt, &tok.Used, &tok.UsedAt); err != nil {
		return Token{}, Record{}, classify(err)
	}
	return tok, Record{}, ErrConflict
}

const recordColumns = `id, student_id, session_id, status, comment, justification, justification_status,
	justification_submitted_at, justification_reviewed_at, reviewed_by, review_reason, created_at, updated_at, version`

func scanRecord(row *sql.Row) (Record, error) {
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.SessionID, &rec.Status, &rec.Comment, &rec.Justification,
		&rec.JustificationStatus, &rec.JustificationSubmittedAt, &rec.JustificationReviewedAt,
		&rec.ReviewedBy, &rec.ReviewReason, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version); err != nil {
		return Record{}, classify(err)
	}
	return rec, nil
}

// Attendance returns a single record by id.
func (r *Repository) Attendance(ctx context.Context, id string) (Record, error) {
	return scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance WHERE id = $1`, id))
}

// EnsureAttendance returns the (student, session) row, creating it as not_marked.
func (r *Repository) EnsureAttendance(ctx context.Context, studentID, sessionID string, now time.Time) (Record, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (id, student_id, session_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$4)
		ON CONFLICT (student_id, session_id) DO NOTHING
	`, uuid.NewString(), studentID, sessionID, now)
	if err != nil {
		return Record{}, classify(err)
	}
	return scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance
		WHERE student_id = $1 AND session_id = $2`, studentID, sessionID))
}

// UpdateAttendance writes next if the row is still at prev's version.
func (r *Repository) UpdateAttendance(ctx context.Context, prev, next Record) (Record, error) {
	saved, err := scanRecord(r.db.QueryRowContext(ctx, `
		UPDATE attendance SET
			status = $3, comment = $4, justification = $5, justification_status = $6,
			justification_submitted_at = $7, justification_reviewed_at = $8,
			reviewed_by = $9, review_reason = $10, updated_at = $11, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+recordColumns,
		prev.ID, prev.Version,
		next.Status, next.Comment, next.Justification, next.JustificationStatus,
		next.JustificationSubmittedAt, next.JustificationReviewedAt,
		next.ReviewedBy, next.ReviewReason, next.UpdatedAt))
	if !errors.Is(err, ErrNotFound) {
		return saved, err
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM attendance WHERE id = $1)`, prev.ID).Scan(&exists); err != nil {
		return Record{}, classify(err)
	}
	if exists {
		return Record{}, ErrConflict
	}
	return Record{}, ErrNotFound
}

// FinalizeSession backfills rows for enrolled students and marks every
// remaining not_marked row absent.
func (r *Repository) FinalizeSession(ctx context.Context, sessionID string, now time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return 0, classify(err)
	}
	if !exists {
		return 0, ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance (id, student_id, session_id, created_at, updated_at)
		SELECT gen_random_uuid()::text, e.student_id, ss.session_id, $2, $2
		FROM session_sections ss
		JOIN section_enrollments e ON e.section_id = ss.section_id
		WHERE ss.session_id = $1
		GROUP BY e.student_id, ss.session_id
		ON CONFLICT (student_id, session_id) DO NOTHING
	`, sessionID, now); err != nil {
		return 0, classify(err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE attendance SET status = 'absent', updated_at = $2, version = version + 1
		WHERE session_id = $1 AND status = 'not_marked'
	`, sessionID, now)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return int(n), nil
}

// Student returns a user with the student role.
func (r *Repository) Student(ctx context.Context, id string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email FROM users WHERE id = $1 AND role = 'student'
	`, id)
	var st Student
	if err := row.Scan(&st.ID, &st.Name, &st.Email); err != nil {
		return Student{}, classify(err)
	}
	return st, nil
}

// IsEnrolled reports whether the student is in any section attached to the session.
func (r *Repository) IsEnrolled(ctx context.Context, studentID, sessionID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM session_sections ss
			JOIN section_enrollments e ON e.section_id = ss.section_id
			WHERE ss.session_id = $2 AND e.student_id = $1
		)
	`, studentID, sessionID).Scan(&ok)
	return ok, classify(err)
}

// Teaches reports whether the professor runs the session or is assigned to its course.
func (r *Repository) Teaches(ctx context.Context, professorID, sessionID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions s
			LEFT JOIN course_assignments ca ON ca.course_id = s.course_id AND ca.professor_id = $1
			WHERE s.id = $2 AND (s.professor_id = $1 OR ca.professor_id IS NOT NULL)
		)
	`, professorID, sessionID).Scan(&ok)
	return ok, classify(err)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// classify maps driver errors onto the package sentinels and marks the
// failures worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001", pgErr.Code == "40P01",
			pgErr.Code == "57P01", pgErr.Code == "57P03":
			return Transient(err)
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case pgErr.Code == "23503":
			return ErrNotFound
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) {
		return Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	return err
}
