// Package checkin runs one scan cycle: lookup, duplicate guard, then write.
package checkin

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"schoolattend/internal/auth"
	"schoolattend/internal/metrics"
	"schoolattend/internal/model"
	"schoolattend/internal/scanclient"
)

type Lookup interface {
	StudentByQR(ctx context.Context, ac auth.Context, payload string) (model.Student, error)
}

// Guard is a fast pre-write check. The write still has to handle a
// uniqueness conflict on its own.
type Guard interface {
	AttendanceExists(ctx context.Context, ac auth.Context, studentID, eventName string) (bool, error)
}

type Writer interface {
	CreateAttendance(ctx context.Context, ac auth.Context, in model.NewAttendance) (model.AttendanceRecord, error)
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Request is one payload to check in. EventName is fixed for the whole cycle.
type Request struct {
	Payload   string
	EventName string
	ScannedBy string
	Location  *model.GeoPoint
}

type Outcome struct {
	Student model.Student
	Record  model.AttendanceRecord
}

func (o Outcome) Message() string {
	return "Attendance recorded for " + o.Student.Name + " at " + o.Record.EventName
}

type Pipeline struct {
	lookup Lookup
	guard  Guard
	writer Writer
	clock  Clock
	log    *zap.Logger
}

// New builds a pipeline. clock may be nil.
func New(lookup Lookup, guard Guard, writer Writer, clock Clock, log *zap.Logger) *Pipeline {
	if clock == nil {
		clock = systemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{lookup: lookup, guard: guard, writer: writer, clock: clock, log: log}
}

// Run executes Lookup, Guard and Write in sequence and stops at the first
// failure. Failures are returned as *Error. The write is never retried.
func (p *Pipeline) Run(ctx context.Context, ac auth.Context, req Request) (Outcome, error) {
	began := time.Now()
	out, err := p.run(ctx, ac, req)

	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
	}
	metrics.ObserveScan(outcome, time.Since(began))
	p.log.Info("scan cycle",
		zap.String("outcome", outcome),
		zap.String("event", req.EventName),
		zap.String("student_id", out.Student.ID),
		zap.Duration("took", time.Since(began)),
		zap.Error(err),
	)
	return out, err
}

func (p *Pipeline) run(ctx context.Context, ac auth.Context, req Request) (Outcome, error) {
	payload := strings.TrimSpace(req.Payload)
	event := req.EventName
	switch {
	case event == "":
		return Outcome{}, &Error{Kind: KindPrecondition, Err: ErrNoEvent}
	case payload == "":
		return Outcome{}, &Error{Kind: KindInvalid, EventName: event, Err: errors.New("empty payload")}
	case ac.Anonymous():
		return Outcome{}, &Error{Kind: KindAuth, EventName: event, Err: errors.New("missing token")}
	}
	captured := p.clock.Now()

	student, err := p.lookup.StudentByQR(ctx, ac, payload)
	if err != nil {
		kind := classify(err)
		if errors.Is(err, scanclient.ErrNotFound) {
			kind = KindNotFound
		}
		return Outcome{}, &Error{Kind: kind, EventName: event, Err: err}
	}
	out := Outcome{Student: student}

	exists, err := p.guard.AttendanceExists(ctx, ac, student.ID, event)
	if err != nil {
		return out, &Error{Kind: classify(err), StudentName: student.Name, EventName: event, Err: err}
	}
	if exists {
		return out, &Error{Kind: KindDuplicate, StudentName: student.Name, EventName: event}
	}

	rec, err := p.writer.CreateAttendance(ctx, ac, model.NewAttendance{
		StudentID:   student.ID,
		EventName:   event,
		Timestamp:   captured,
		ScannedBy:   req.ScannedBy,
		StudentName: student.Name,
		Location:    req.Location,
	})
	if err != nil {
		kind := classify(err)
		if errors.Is(err, scanclient.ErrConflict) {
			kind = KindDuplicate
		}
		return out, &Error{Kind: kind, StudentName: student.Name, EventName: event, Err: err}
	}
	if rec.StudentName == "" {
		rec.StudentName = student.Name
	}
	if rec.EventName == "" {
		rec.EventName = event
	}
	out.Record = rec
	return out, nil
}
