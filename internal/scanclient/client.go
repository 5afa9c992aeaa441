package scanclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"schoolattend/internal/auth"
	"schoolattend/internal/model"
)

// DefaultTimeout bounds every call to the attendance service.
const DefaultTimeout = 10 * time.Second

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTimeout      = errors.New("request timed out")
)

// APIError is a non-2xx answer from the attendance service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("attendance service %d: %s", e.Status, e.Message)
}

// Unwrap lets callers match status classes with errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

// Client calls the attendance service REST API. It never retries: a failed
// write must be re-driven by a fresh scan.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Timeout time.Duration
}

// New creates a client; timeout <= 0 means DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{},
		Timeout: timeout,
	}
}

// ActiveEvents lists events currently open for check-in.
func (c *Client) ActiveEvents(ctx context.Context, ac auth.Context) ([]model.Event, error) {
	var out []model.Event
	if err := c.do(ctx, ac, http.MethodGet, "/events/active", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StudentByQR resolves a scanned payload. An unknown payload yields ErrNotFound.
func (c *Client) StudentByQR(ctx context.Context, ac auth.Context, payload string) (model.Student, error) {
	var out model.Student
	err := c.do(ctx, ac, http.MethodGet, "/students/by-qr/"+url.PathEscape(payload), nil, nil, &out)
	return out, err
}

// AttendanceExists reports whether the student already checked in to the event.
func (c *Client) AttendanceExists(ctx context.Context, ac auth.Context, studentID, eventName string) (bool, error) {
	q := url.Values{}
	q.Set("student_id", studentID)
	q.Set("event_name", eventName)
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := c.do(ctx, ac, http.MethodGet, "/attendance/exists", q, nil, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// CreateAttendance writes one record. A uniqueness violation yields ErrConflict.
func (c *Client) CreateAttendance(ctx context.Context, ac auth.Context, in model.NewAttendance) (model.AttendanceRecord, error) {
	var out model.AttendanceRecord
	err := c.do(ctx, ac, http.MethodPost, "/attendance", nil, in, &out)
	return out, err
}

// RosterByEvent lists all records for an event name.
func (c *Client) RosterByEvent(ctx context.Context, ac auth.Context, eventName string) ([]model.AttendanceRecord, error) {
	var out []model.AttendanceRecord
	if err := c.do(ctx, ac, http.MethodGet, "/attendance/event/"+url.PathEscape(eventName), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health checks if the attendance service is available.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, auth.Context{}, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, ac auth.Context, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	target := c.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h := ac.Authorization(); h != "" {
		req.Header.Set("Authorization", h)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return fmt.Errorf("attendance service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	msg := ""
	if json.Unmarshal(raw, &body) == nil && len(body.Error) > 0 {
		msg = errorText(body.Error)
	}
	if msg == "" {
		msg = fmt.Sprintf("attendance service returned %s", resp.Status)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// errorText accepts both {"error": "..."} and {"error": {"message": "..."}}.
func errorText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Message
	}
	return ""
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
