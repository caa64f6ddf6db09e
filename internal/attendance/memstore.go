package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pairKey struct{ studentID, sessionID string }

// MemStore is an in-process Store and Directory for development and tests.
// A single mutex serializes every write, which gives the same conditional
// update guarantees as the Postgres repository.
type MemStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	students map[string]Student
	enrolled map[string]map[string]bool // session -> students
	teaches  map[string]map[string]bool // session -> professors
	tokens   map[string]*Token          // by value
	records  map[string]*Record
	byPair   map[pairKey]string
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: map[string]Session{},
		students: map[string]Student{},
		enrolled: map[string]map[string]bool{},
		teaches:  map[string]map[string]bool{},
		tokens:   map[string]*Token{},
		records:  map[string]*Record{},
		byPair:   map[pairKey]string{},
	}
}

// PutSession adds or replaces a session. Its ProfessorID is assigned to it.
func (m *MemStore) PutSession(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if s.ProfessorID != "" {
		addTo(m.teaches, s.ID, s.ProfessorID)
	}
}

// PutStudent adds or replaces a student identity.
func (m *MemStore) PutStudent(st Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[st.ID] = st
}

// Enroll places a student in a section of the session.
func (m *MemStore) Enroll(studentID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.enrolled, sessionID, studentID)
}

// Assign lets professorID run the session.
func (m *MemStore) Assign(professorID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.teaches, sessionID, professorID)
}

func addTo(set map[string]map[string]bool, key, member string) {
	if set[key] == nil {
		set[key] = map[string]bool{}
	}
	set[key][member] = true
}

func (m *MemStore) Session(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemStore) SetSessionCode(_ context.Context, sessionID, code string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Code, s.CodeGeneratedAt = code, &at
	m.sessions[sessionID] = s
	return nil
}

func (m *MemStore) InsertToken(_ context.Context, t Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.tokens[t.Value]; dup {
		return ErrConflict
	}
	m.tokens[t.Value] = &t
	return nil
}

func (m *MemStore) RedeemToken(_ context.Context, value, studentID string, now time.Time, mark MarkFunc) (Token, Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[value]
	if !ok || tok.StudentID != studentID {
		return Token{}, Record{}, ErrNotFound
	}
	if !tok.Valid(now) {
		return *tok, Record{}, ErrConflict
	}
	sess, ok := m.sessions[tok.SessionID]
	if !ok {
		return Token{}, Record{}, ErrNotFound
	}
	rec := m.ensure(tok.StudentID, tok.SessionID, now)
	if next, changed := mark(*tok, sess, *rec); changed {
		next.Version = rec.Version + 1
		*rec = next
	}
	tok.Used = true
	tok.UsedAt = &now
	return *tok, *rec, nil
}

func (m *MemStore) Attendance(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (m *MemStore) EnsureAttendance(_ context.Context, studentID, sessionID string, now time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return Record{}, ErrNotFound
	}
	return *m.ensure(studentID, sessionID, now), nil
}

// ensure must be called with mu held.
func (m *MemStore) ensure(studentID, sessionID string, now time.Time) *Record {
	k := pairKey{studentID, sessionID}
	if id, ok := m.byPair[k]; ok {
		return m.records[id]
	}
	rec := &Record{
		ID:                  uuid.NewString(),
		StudentID:           studentID,
		SessionID:           sessionID,
		Status:              StatusNotMarked,
		JustificationStatus: JustificationNone,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	m.records[rec.ID] = rec
	m.byPair[k] = rec.ID
	return rec
}

func (m *MemStore) UpdateAttendance(_ context.Context, prev, next Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[prev.ID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if cur.Version != prev.Version {
		return Record{}, ErrConflict
	}
	next.ID, next.StudentID, next.SessionID, next.CreatedAt = cur.ID, cur.StudentID, cur.SessionID, cur.CreatedAt
	next.Version = cur.Version + 1
	*cur = next
	return next, nil
}

func (m *MemStore) FinalizeSession(_ context.Context, sessionID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return 0, ErrNotFound
	}
	students := make([]string, 0, len(m.enrolled[sessionID]))
	for id := range m.enrolled[sessionID] {
		students = append(students, id)
	}
	sort.Strings(students)
	n := 0
	for _, id := range students {
		rec := m.ensure(id, sessionID, now)
		if rec.Status == StatusNotMarked {
			rec.Status = StatusAbsent
			rec.UpdatedAt = now
			rec.Version++
			n++
		}
	}
	// rows created by redemption for students no longer enrolled
	for k, id := range m.byPair {
		if k.sessionID != sessionID || m.enrolled[sessionID][k.studentID] {
			continue
		}
		if rec := m.records[id]; rec.Status == StatusNotMarked {
			rec.Status = StatusAbsent
			rec.UpdatedAt = now
			rec.Version++
			n++
		}
	}
	return n, nil
}

func (m *MemStore) Student(_ context.Context, id string) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return st, nil
}

func (m *MemStore) IsEnrolled(_ context.Context, studentID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrolled[sessionID][studentID], nil
}

func (m *MemStore) Teaches(_ context.Context, professorID, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teaches[sessionID][professorID], nil
}
