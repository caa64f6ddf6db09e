package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/geo"
	"rollcall/internal/httpmiddleware"
)

const (
	signingKey = "httpapi-test-key"
	issuer     = "rollcall-test"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type inbox struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (i *inbox) DispatchToken(_ context.Context, d attendance.TokenDelivery) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokens[d.StudentID] = d.Token
	return nil
}

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	inbox  *inbox
}

func newTestAPI(t *testing.T, tokenLimiter httpmiddleware.Limiter, health HealthCheck) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := attendance.NewMemStore()
	st.PutSession(attendance.Session{
		ID: "sess-1", CourseID: "c-1", ProfessorID: "prof-1",
		StartsAt: start, EndsAt: start.Add(2 * time.Hour),
		Fence: geo.Fence{Center: geo.Point{Lat: 4.6097, Lon: -74.0817}, RadiusMeters: 200},
	})
	st.PutStudent(attendance.Student{ID: "stu-1", Name: "Ada", Email: "ada@example.edu"})
	st.PutStudent(attendance.Student{ID: "stu-2", Name: "Alan", Email: "alan@example.edu"})
	st.Enroll("stu-1", "sess-1")
	st.Enroll("stu-2", "sess-1")

	box := &inbox{tokens: map[string]string{}}
	svc := attendance.NewService(st, st, box, attendance.WithClock(func() time.Time { return start.Add(time.Minute) }))
	return &testAPI{
		t:     t,
		inbox: box,
		router: NewRouter(Options{
			Service:        svc,
			Log:            zerolog.Nop(),
			SigningKey:     signingKey,
			Issuer:         issuer,
			AllowedOrigins: []string{"http://localhost:5173"},
			TokenLimiter:   tokenLimiter,
			Health:         health,
		}),
	}
}

func (a *testAPI) do(method, path, subject, role string, body any) (*httptest.ResponseRecorder, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		tok, _, err := auth.Issue(subject, role, issuer, signingKey, time.Hour)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func (a *testAPI) issueCode() string {
	a.t.Helper()
	w, out := a.do(http.MethodPost, "/v1/sessions/sess-1/code", "prof-1", auth.RoleProfessor, nil)
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	return out["code"].(string)
}

func nearby(code string) gin.H {
	return gin.H{"code": code, "latitude": 4.6098, "longitude": -74.0817}
}

func TestAttendanceFlow(t *testing.T) {
	api := newTestAPI(t, nil, nil)
	code := api.issueCode()

	w, out := api.do(http.MethodPost, "/v1/sessions/sess-1/tokens", "stu-1", auth.RoleStudent, nearby(code))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotContains(t, out, "token")
	assert.Equal(t, "sess-1", out["session_id"])

	token := api.inbox.tokens["stu-1"]
	require.NotEmpty(t, token)

	w, out = api.do(http.MethodPost, "/v1/attendance/confirm", "stu-2", auth.RoleStudent, gin.H{"token": token})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TOKEN_STUDENT_MISMATCH", out["code"])

	w, out = api.do(http.MethodPost, "/v1/attendance/confirm", "stu-1", auth.RoleStudent, gin.H{"token": token})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "present", out["status"])
	id := out["id"].(string)

	w, out = api.do(http.MethodPost, "/v1/attendance/confirm", "stu-1", auth.RoleStudent, gin.H{"token": token})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "TOKEN_ALREADY_USED", out["code"])

	w, _ = api.do(http.MethodGet, "/v1/attendance/"+id, "prof-1", auth.RoleProfessor, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = api.do(http.MethodGet, "/v1/attendance/"+id, "stu-2", auth.RoleStudent, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestJustificationFlow(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	w, out := api.do(http.MethodPost, "/v1/sessions/sess-1/finalize", "prof-1", auth.RoleProfessor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, out["marked_absent"])

	w, out = api.do(http.MethodPost, "/v1/sessions/sess-1/attendance", "prof-1", auth.RoleProfessor,
		gin.H{"student_id": "stu-1", "status": "present"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE_TRANSITION", out["code"])

	w, out = api.do(http.MethodPost, "/v1/sessions/sess-1/attendance", "prof-1", auth.RoleProfessor,
		gin.H{"student_id": "stu-1", "status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", out["code"])

	code := api.issueCode()
	w, _ = api.do(http.MethodPost, "/v1/sessions/sess-1/tokens", "stu-1", auth.RoleStudent, nearby(code))
	require.Equal(t, http.StatusAccepted, w.Code)
	w, out = api.do(http.MethodPost, "/v1/attendance/confirm", "stu-1", auth.RoleStudent, gin.H{"token": api.inbox.tokens["stu-1"]})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, out["already_marked"])
	assert.Equal(t, "absent", out["status"])
	id := out["id"].(string)

	w, out = api.do(http.MethodPost, "/v1/attendance/"+id+"/justification", "stu-1", auth.RoleStudent, gin.H{"text": "flu"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "pending", out["justification_status"])

	w, _ = api.do(http.MethodPost, "/v1/attendance/"+id+"/review", "prof-1", auth.RoleProfessor, gin.H{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, out = api.do(http.MethodPost, "/v1/attendance/"+id+"/review", "prof-1", auth.RoleProfessor, gin.H{"decision": "approve"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "excused", out["status"])
}

func TestErrorStatuses(t *testing.T) {
	api := newTestAPI(t, nil, nil)

	w, _ := api.do(http.MethodPost, "/v1/sessions/sess-1/code", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = api.do(http.MethodPost, "/v1/sessions/sess-1/code", "stu-1", auth.RoleStudent, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, out := api.do(http.MethodPost, "/v1/sessions/sess-1/tokens", "stu-1", auth.RoleStudent, nearby("123456"))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NO_ACTIVE_CODE", out["code"])

	code := api.issueCode()
	wrong := "100000"
	if code == wrong {
		wrong = "100001"
	}
	w, out = api.do(http.MethodPost, "/v1/sessions/sess-1/tokens", "stu-1", auth.RoleStudent, nearby(wrong))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "CODE_MISMATCH", out["code"])

	w, out = api.do(http.MethodPost, "/v1/sessions/sess-1/tokens", "stu-1", auth.RoleStudent,
		gin.H{"code": code, "latitude": 4.7, "longitude": -74.0817})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "OUT_OF_RANGE", out["code"])

	w, _ = api.do(http.MethodPost, "/v1/sessions/sess-1/tokens", "stu-1", auth.RoleStudent, gin.H{"code": code})
	assert.Equal(t, http.StatusBadRequest, w.Code, "coordinates are required")

	w, out = api.do(http.MethodPost, "/v1/sessions/nope/code", "prof-1", auth.RoleProfessor, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", out["code"])
}

func TestTokenRequestsAreRateLimitedPerStudent(t *testing.T) {
	api := newTestAPI(t, httpmiddleware.NewSimpleTokenBucket(1, 1), nil)
	code := api.issueCode()

	w, _ := api.do(http.MethodPost, "/v1/sessions/sess-1/tokens", "stu-1", auth.RoleStudent, nearby(code))
	assert.Equal(t, http.StatusAccepted, w.Code)
	w, _ = api.do(http.MethodPost, "/v1/sessions/sess-1/tokens", "stu-1", auth.RoleStudent, nearby(code))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	w, _ = api.do(http.MethodPost, "/v1/sessions/sess-1/tokens", "stu-2", auth.RoleStudent, nearby(code))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, nil, func(context.Context) map[string]bool { return map[string]bool{"db": true, "redis": false} })
	w, out := api.do(http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, out["checks"].(map[string]any)["redis"])
}

func TestEveryKindHasStatus(t *testing.T) {
	for _, k := range []attendance.Kind{
		attendance.KindValidation, attendance.KindNotFound, attendance.KindNoActiveCode,
		attendance.KindCodeMismatch, attendance.KindCodeExpired, attendance.KindOutOfRange,
		attendance.KindNotEnrolled, attendance.KindTokenExpired, attendance.KindTokenAlreadyUsed,
		attendance.KindTokenStudentMismatch, attendance.KindInvalidStateTransition,
		attendance.KindUnauthorized, attendance.KindUnavailable,
	} {
		assert.Contains(t, statusByKind, k)
	}
}
