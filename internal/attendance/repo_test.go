package attendance_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/geo"
	"rollcall/internal/store"
)

type pgFixture struct {
	repo      *attendance.Repository
	db        *store.DB
	sessionID string
	students  []string
	professor string
	assistant string
	startsAt  time.Time
}

// newPGFixture seeds one institution, course, section and session with two
// enrolled students. The session is run by professor; assistant is only
// assigned to the course.
func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := store.NewDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	f := &pgFixture{
		repo:      attendance.NewRepository(db.Client),
		db:        db,
		sessionID: uuid.NewString(),
		professor: uuid.NewString(),
		assistant: uuid.NewString(),
		students:  []string{uuid.NewString(), uuid.NewString()},
		startsAt:  time.Now().UTC().Truncate(time.Second),
	}
	inst, course, section := uuid.NewString(), uuid.NewString(), uuid.NewString()
	exec := func(q string, args ...any) {
		t.Helper()
		_, err := db.Client.ExecContext(ctx, q, args...)
		require.NoError(t, err)
	}
	for _, p := range []string{f.professor, f.assistant} {
		exec(`INSERT INTO users (id, role, name, email) VALUES ($1, 'professor', 'Prof', $2)`, p, p+"@example.edu")
	}
	for _, s := range f.students {
		exec(`INSERT INTO users (id, role, name, email) VALUES ($1, 'student', 'Student', $2)`, s, s+"@example.edu")
	}
	exec(`INSERT INTO institutions (id, name, latitude, longitude, radius_meters) VALUES ($1, 'Campus', 4.6097, -74.0817, 200)`, inst)
	exec(`INSERT INTO courses (id, institution_id, name) VALUES ($1, $2, 'Networks')`, course, inst)
	exec(`INSERT INTO course_assignments (course_id, professor_id) VALUES ($1, $2), ($1, $3)`, course, f.professor, f.assistant)
	exec(`INSERT INTO sections (id, course_id, name) VALUES ($1, $2, 'A')`, section, course)
	for _, s := range f.students {
		exec(`INSERT INTO section_enrollments (section_id, student_id) VALUES ($1, $2)`, section, s)
	}
	exec(`INSERT INTO sessions (id, course_id, professor_id, starts_at, ends_at) VALUES ($1, $2, $3, $4, $5)`,
		f.sessionID, course, f.professor, f.startsAt, f.startsAt.Add(2*time.Hour))
	exec(`INSERT INTO session_sections (session_id, section_id) VALUES ($1, $2)`, f.sessionID, section)
	return f
}

func TestRepositoryDirectory(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	sess, err := f.repo.Session(ctx, f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, 200.0, sess.Fence.RadiusMeters)
	assert.Nil(t, sess.CodeGeneratedAt)

	ok, err := f.repo.IsEnrolled(ctx, f.students[0], f.sessionID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.repo.IsEnrolled(ctx, f.professor, f.sessionID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.repo.Teaches(ctx, f.professor, f.sessionID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.repo.Teaches(ctx, f.assistant, f.sessionID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.repo.Teaches(ctx, f.students[0], f.sessionID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.repo.Student(ctx, f.professor)
	assert.ErrorIs(t, err, attendance.ErrNotFound)
	_, err = f.repo.Session(ctx, uuid.NewString())
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestRepositoryEndToEnd(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()
	now := f.startsAt.Add(time.Minute)
	svc := attendance.NewService(f.repo, f.repo, nopNotifier{}, attendance.WithClock(func() time.Time { return now }))

	_, err := svc.IssueSessionCode(ctx, f.sessionID, f.assistant)
	assert.True(t, attendance.IsKind(err, attendance.KindUnauthorized), "course assignment does not allow issuing codes")
	issued, err := svc.IssueSessionCode(ctx, f.sessionID, f.professor)
	require.NoError(t, err)

	capture := &lastToken{}
	svc = attendance.NewService(f.repo, f.repo, capture, attendance.WithClock(func() time.Time { return now }))
	tokens := make([]string, 3)
	for i := range tokens {
		_, err = svc.RequestToken(ctx, attendance.TokenRequest{
			StudentID: f.students[0], SessionID: f.sessionID, Code: issued.Code,
			Location: geo.Point{Lat: 4.6098, Lon: -74.0817},
		})
		require.NoError(t, err)
		tokens[i] = capture.value
	}

	// tokens[0] and tokens[1] race each other; eight callers race on tokens[2].
	var wg sync.WaitGroup
	start := make(chan struct{})
	confirm := func(tok string) (attendance.Summary, error) {
		<-start
		return svc.ConfirmToken(ctx, f.students[0], tok)
	}
	distinct := make([]attendance.Summary, 2)
	distinctErrs := make([]error, 2)
	for i := range distinct {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			distinct[i], distinctErrs[i] = confirm(tokens[i])
		}(i)
	}
	shared := make([]attendance.Summary, 8)
	sharedErrs := make([]error, 8)
	for i := range shared {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shared[i], sharedErrs[i] = confirm(tokens[2])
		}(i)
	}
	close(start)
	wg.Wait()

	var winners []attendance.Summary
	for i, err := range distinctErrs {
		require.NoError(t, err)
		winners = append(winners, distinct[i])
	}
	for i, err := range sharedErrs {
		if err == nil {
			winners = append(winners, shared[i])
			continue
		}
		assert.True(t, attendance.IsKind(err, attendance.KindTokenAlreadyUsed), err.Error())
	}
	require.Len(t, winners, 3)
	marked := 0
	for _, w := range winners {
		assert.Equal(t, winners[0].ID, w.ID, "one attendance row per student and session")
		assert.Equal(t, attendance.StatusPresent, w.Status)
		if !w.AlreadyMarked {
			marked++
		}
	}
	assert.Equal(t, 1, marked)

	_, err = svc.ConfirmToken(ctx, f.students[1], tokens[0])
	assert.True(t, attendance.IsKind(err, attendance.KindTokenStudentMismatch))

	n, err := svc.FinalizeSession(ctx, f.professor, f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.repo.EnsureAttendance(ctx, f.students[1], f.sessionID, now)
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusAbsent, rec.Status)

	sum, err := svc.SubmitJustification(ctx, f.students[1], rec.ID, "doctor")
	require.NoError(t, err)
	assert.Equal(t, attendance.JustificationPending, sum.JustificationStatus)

	_, err = f.repo.UpdateAttendance(ctx, rec, rec)
	assert.ErrorIs(t, err, attendance.ErrConflict, "stale prev must not overwrite")

	// A review based on the first submission must not land after a reject and resubmit.
	stale, err := f.repo.Attendance(ctx, rec.ID)
	require.NoError(t, err)
	_, err = svc.ReviewJustification(ctx, f.assistant, rec.ID, attendance.DecisionReject, "illegible")
	require.NoError(t, err)
	_, err = svc.SubmitJustification(ctx, f.students[1], rec.ID, "doctor's note attached")
	require.NoError(t, err)
	approved := stale
	approved.Status = attendance.StatusExcused
	approved.JustificationStatus = attendance.JustificationApproved
	approved.ReviewedBy = f.professor
	_, err = f.repo.UpdateAttendance(ctx, stale, approved)
	assert.ErrorIs(t, err, attendance.ErrConflict)

	sum, err = svc.ReviewJustification(ctx, f.professor, rec.ID, attendance.DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusExcused, sum.Status)
	assert.Equal(t, "doctor's note attached", sum.Justification)
	require.NotNil(t, sum.JustificationReviewedAt)
}

type nopNotifier struct{}

func (nopNotifier) DispatchToken(context.Context, attendance.TokenDelivery) error { return nil }

type lastToken struct{ value string }

func (l *lastToken) DispatchToken(_ context.Context, d attendance.TokenDelivery) error {
	l.value = d.Token
	return nil
}
