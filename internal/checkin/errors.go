package checkin

import (
	"context"
	"errors"
	"fmt"

	"schoolattend/internal/scanclient"
)

// Kind classifies a failed scan cycle.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindDuplicate
	KindTimeout
	KindTransient
	KindAuth
	KindInvalid
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindInvalid:
		return "invalid"
	case KindPrecondition:
		return "precondition"
	}
	return "unknown"
}

var ErrNoEvent = errors.New("no event selected")

// Error is a failed scan cycle. Message is safe to show to the operator.
type Error struct {
	Kind        Kind
	StudentName string
	EventName   string
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "checkin: " + e.Kind.String()
	}
	return fmt.Sprintf("checkin: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Message() string {
	switch e.Kind {
	case KindNotFound:
		return "Student not found for this QR code"
	case KindDuplicate:
		if e.StudentName == "" {
			return fmt.Sprintf("This student is already checked in for %s", e.EventName)
		}
		return fmt.Sprintf("%s is already checked in for %s", e.StudentName, e.EventName)
	case KindTimeout:
		return "Request timed out. Scan again to retry."
	case KindAuth:
		return "Your session has expired. Sign in again."
	case KindInvalid:
		return "The QR code is empty"
	case KindPrecondition:
		return "Select an event first"
	}
	var apiErr *scanclient.APIError
	if errors.As(e.Err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "Could not record attendance. Scan again to retry."
}

// KindOf returns the kind of err, or zero when err is not a check-in error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, scanclient.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, scanclient.ErrUnauthorized):
		return KindAuth
	}
	return KindTransient
}
