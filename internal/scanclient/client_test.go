package scanclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolattend/internal/auth"
	"schoolattend/internal/model"
)

var ac = auth.Context{Token: "tok"}

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", time.Second)
}

func TestStudentByQR(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.EscapedPath() {
		case "/students/by-qr/abc-123":
			_ = json.NewEncoder(w).Encode(model.Student{ID: "s1", Name: "Ivanova A.", QRCode: "abc-123"})
		case "/students/by-qr/a%2Fb":
			_ = json.NewEncoder(w).Encode(model.Student{ID: "s2", QRCode: "a/b"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"student not found"}`))
		}
	})

	st, err := c.StudentByQR(context.Background(), ac, "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "Ivanova A.", st.Name)

	st, err = c.StudentByQR(context.Background(), ac, "a/b")
	require.NoError(t, err)
	assert.Equal(t, "s2", st.ID)

	_, err = c.StudentByQR(context.Background(), ac, "xyz-999")
	assert.ErrorIs(t, err, ErrNotFound)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "student not found", apiErr.Message)
}

func TestAttendanceExists(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attendance/exists", r.URL.Path)
		exists := r.URL.Query().Get("student_id") == "s1" && r.URL.Query().Get("event_name") == "Chess Club"
		_ = json.NewEncoder(w).Encode(map[string]bool{"exists": exists})
	})

	ok, err := c.AttendanceExists(context.Background(), ac, "s1", "Chess Club")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AttendanceExists(context.Background(), ac, "s2", "Chess Club")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateAttendance(t *testing.T) {
	calls := 0
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var in model.NewAttendance
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in.StudentID == "dup" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"attendance already recorded"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(model.AttendanceRecord{
			ID: "r1", StudentID: in.StudentID, EventName: in.EventName, ScannedBy: in.ScannedBy, Timestamp: in.Timestamp,
		})
	})

	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	rec, err := c.CreateAttendance(context.Background(), ac, model.NewAttendance{
		StudentID: "s1", EventName: "Chess Club", Timestamp: at, ScannedBy: "scanner",
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.ID)
	assert.True(t, at.Equal(rec.Timestamp))

	_, err = c.CreateAttendance(context.Background(), ac, model.NewAttendance{StudentID: "dup", EventName: "Chess Club"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 2, calls, "writes are never retried")
}

func TestErrorBodies(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
		wantIs  error
	}{
		{name: "string error", status: 500, body: `{"error":"database down"}`, wantMsg: "database down"},
		{name: "object error", status: 400, body: `{"error":{"code":"INVALID_ARGUMENT","message":"bad id"}}`, wantMsg: "bad id"},
		{name: "no json", status: 502, body: `<html>bad gateway</html>`, wantMsg: "attendance service returned 502 Bad Gateway"},
		{name: "unauthorized", status: 401, body: `{"error":"invalid token"}`, wantMsg: "invalid token", wantIs: ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.ActiveEvents(context.Background(), ac)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
		})
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, 50*time.Millisecond)
	_, err := c.StudentByQR(context.Background(), ac, "abc-123")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRosterAndEvents(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.EscapedPath() {
		case "/events/active":
			_ = json.NewEncoder(w).Encode([]model.Event{{ID: "e1", Name: "Chess Club", IsActive: true}})
		case "/attendance/event/Chess%20Club":
			_ = json.NewEncoder(w).Encode([]model.AttendanceRecord{{ID: "r1", EventName: "Chess Club"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	events, err := c.ActiveEvents(context.Background(), ac)
	require.NoError(t, err)
	require.Len(t, events, 1)

	roster, err := c.RosterByEvent(context.Background(), ac, "Chess Club")
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, "r1", roster[0].ID)
}
