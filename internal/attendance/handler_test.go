package attendance

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"schoolattend/internal/auth"
	"schoolattend/internal/cloudinary"
)

const (
	testKey    = "test-key"
	testIssuer = "attendance-engine"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeUploader struct {
	publicID string
	err      error
}

func (u *fakeUploader) UploadImage(_ context.Context, data []byte, publicID string) (*cloudinary.UploadResult, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.publicID = publicID
	return &cloudinary.UploadResult{PublicID: publicID, SecureURL: "https://cdn.example/" + publicID + ".png", Bytes: len(data)}, nil
}

func newRouter(t *testing.T, uploader BadgeUploader) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.svc, uploader, zap.NewNop()).RegisterRoutes(r, testKey, testIssuer)
	return r, f
}

func token(t *testing.T, role, schoolID string) string {
	t.Helper()
	pair, err := auth.IssueForSchool("u-1", role, schoolID, testIssuer, testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	return pair.AccessToken
}

func call(r http.Handler, method, target, tok, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRoleGates(t *testing.T) {
	r, _ := newRouter(t, nil)

	assert.Equal(t, http.StatusUnauthorized, call(r, http.MethodGet, "/events/active", "", "").Code)
	assert.Equal(t, http.StatusForbidden, call(r, http.MethodGet, "/events/active", token(t, auth.RoleParent, "sch-1"), "").Code)
	assert.Equal(t, http.StatusForbidden, call(r, http.MethodPost, "/events", token(t, auth.RoleTeacher, "sch-1"), `{"name":"x"}`).Code)
}

func TestActiveEventsScopedToSchool(t *testing.T) {
	r, f := newRouter(t, nil)
	f.mock.ExpectQuery(`FROM events WHERE school_id = \$1 AND is_active ORDER BY name`).
		WithArgs("sch-1").
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow("ev-1", "Chess Club", []byte(`[{"day_of_week":"Monday","start_time":"15:00","end_time":"16:00"}]`), nil, true, "sch-1", nil))
	f.mock.ExpectQuery(`FROM events WHERE is_active ORDER BY name`).
		WillReturnRows(sqlmock.NewRows(eventCols))

	rec := call(r, http.MethodGet, "/events/active", token(t, auth.RoleTeacher, "sch-1"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"Chess Club"`)
	assert.Contains(t, rec.Body.String(), `"day_of_week":"Monday"`)

	rec = call(r, http.MethodGet, "/events/active", token(t, auth.RoleMainAdmin, ""), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestStudentByQRRoute(t *testing.T) {
	r, f := newRouter(t, nil)
	f.mock.ExpectQuery(`FROM students WHERE qr_code = \$1`).WithArgs("a/b").
		WillReturnRows(studentRow("s1", "Ivanova A.", "sch-1"))
	f.mock.ExpectQuery(`FROM students WHERE qr_code = \$1`).WithArgs("qr-s2").
		WillReturnRows(studentRow("s2", "Petrov B.", "sch-2"))

	rec := call(r, http.MethodGet, "/students/by-qr/a%2Fb", token(t, auth.RoleTeacher, "sch-1"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"Ivanova A."`)

	rec = call(r, http.MethodGet, "/students/by-qr/qr-s2", token(t, auth.RoleTeacher, "sch-1"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"student not found","code":"NOT_FOUND"}`, rec.Body.String())
}

func TestAttendanceRoutes(t *testing.T) {
	r, f := newRouter(t, nil)
	tok := token(t, auth.RoleTeacher, "sch-1")

	f.mock.ExpectQuery(`SELECT EXISTS`).WithArgs("s1", "Chess Club").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	rec := call(r, http.MethodGet, "/attendance/exists?student_id=s1&event_name=Chess+Club", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"exists":false}`, rec.Body.String())

	f.mock.ExpectQuery(`FROM students WHERE id = \$1`).WillReturnRows(studentRow("s1", "Ivanova A.", "sch-1"))
	f.mock.ExpectExec(`INSERT INTO attendance`).WillReturnResult(sqlmock.NewResult(0, 1))
	rec = call(r, http.MethodPost, "/attendance", tok, `{"student_id":"s1","event_name":"Chess Club","scanned_by":"scanner-2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scanned_by":"scanner-2"`)

	f.mock.ExpectQuery(`FROM students WHERE id = \$1`).WillReturnRows(studentRow("s1", "Ivanova A.", "sch-1"))
	f.mock.ExpectExec(`INSERT INTO attendance`).WillReturnError(&pgconn.PgError{Code: "23505"})
	rec = call(r, http.MethodPost, "/attendance", tok, `{"student_id":"s1","event_name":"Chess Club"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"CONFLICT"`)

	rec = call(r, http.MethodPost, "/attendance", tok, `{"event_name":"Chess Club"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.tally.n, f.tally.hit = 2, true
	rec = call(r, http.MethodGet, "/attendance/event/Chess%20Club/count", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"event_name":"Chess Club","count":2}`, rec.Body.String())
}

func TestAttendanceScopedToSchool(t *testing.T) {
	r, f := newRouter(t, nil)
	teacher := token(t, auth.RoleTeacher, "sch-1")

	f.mock.ExpectQuery(`JOIN students s ON s.id = a.student_id\s+WHERE a.event_name = \$1 AND s.school_id = \$2`).
		WithArgs("Chess Club", "sch-1").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow("r1", "s1", "Ivanova A.", "Chess Club", testNow, "scanner", nil, nil))
	rec := call(r, http.MethodGet, "/attendance/event/Chess%20Club", teacher, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"r1"`)

	staff := token(t, auth.RoleSchoolAdmin, "sch-1")
	f.mock.ExpectQuery(`DELETE FROM attendance a USING students s`).
		WithArgs("r9", "sch-1").
		WillReturnRows(sqlmock.NewRows(deletedCols))
	rec = call(r, http.MethodDelete, "/attendance/r9", staff, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "records of other schools are invisible")
	assert.Empty(t, f.tally.decrs)

	f.mock.ExpectQuery(`DELETE FROM attendance a USING students s`).
		WithArgs("r1", "sch-1").
		WillReturnRows(sqlmock.NewRows(deletedCols).AddRow("Chess Club", testNow, "sch-1"))
	rec = call(r, http.MethodDelete, "/attendance/r1", staff, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"sch-1/Chess Club"}, f.tally.decrs)

	f.tally.n, f.tally.hit = 50, true
	admin := token(t, auth.RoleMainAdmin, "")
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM attendance a\s+WHERE a.event_name = \$1`).
		WithArgs("Chess Club", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	rec = call(r, http.MethodGet, "/attendance/event/Chess%20Club/count", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"event_name":"Chess Club","count":3}`, rec.Body.String())

	rec = call(r, http.MethodGet, "/attendance/event/Chess%20Club/count?school_id=sch-2", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"event_name":"Chess Club","count":50}`, rec.Body.String())
}

func TestDeactivateEventRoute(t *testing.T) {
	r, f := newRouter(t, nil)
	tok := token(t, auth.RoleSchoolAdmin, "sch-1")

	f.mock.ExpectQuery(`FROM events WHERE id = \$1`).WithArgs("ev-2").
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow("ev-2", "Art", []byte(`[]`), nil, true, "sch-2", nil))
	rec := call(r, http.MethodPut, "/events/ev-2/active", tok, `{"is_active":false}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "events of other schools are invisible")

	f.mock.ExpectQuery(`FROM events WHERE id = \$1`).WithArgs("ev-1").
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow("ev-1", "Chess Club", []byte(`[]`), nil, true, "sch-1", nil))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`UPDATE events SET is_active`).
		WillReturnRows(sqlmock.NewRows(eventCols).AddRow("ev-1", "Chess Club", []byte(`[]`), nil, false, "sch-1", nil))
	f.mock.ExpectExec(`DELETE FROM attendance a USING students s`).WillReturnResult(sqlmock.NewResult(0, 5))
	f.mock.ExpectCommit()
	rec = call(r, http.MethodPut, "/events/ev-1/active", tok, `{"is_active":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"attendance_deleted":5`)
}

func TestBadgeRoutes(t *testing.T) {
	up := &fakeUploader{}
	r, f := newRouter(t, up)
	tok := token(t, auth.RoleSchoolAdmin, "sch-1")

	f.mock.ExpectQuery(`FROM students WHERE id = \$1`).WithArgs("s1").WillReturnRows(studentRow("s1", "Ivanova A.", "sch-1"))
	rec := call(r, http.MethodGet, "/students/s1/badge.png", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	f.mock.ExpectQuery(`FROM students WHERE id = \$1`).WithArgs("s1").WillReturnRows(studentRow("s1", "Ivanova A.", "sch-1"))
	rec = call(r, http.MethodPost, "/students/s1/badge", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "student-s1", up.publicID)
	assert.Contains(t, rec.Body.String(), `"url":"https://cdn.example/student-s1.png"`)

	up.err = errors.New("cloudinary 500")
	f.mock.ExpectQuery(`FROM students WHERE id = \$1`).WithArgs("s1").WillReturnRows(studentRow("s1", "Ivanova A.", "sch-1"))
	rec = call(r, http.MethodPost, "/students/s1/badge", tok, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBadgeUploadNotConfigured(t *testing.T) {
	r, _ := newRouter(t, nil)
	rec := call(r, http.MethodPost, "/students/s1/badge", token(t, auth.RoleSchoolAdmin, "sch-1"), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
