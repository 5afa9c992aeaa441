package attendance

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"schoolattend/internal/model"
	"schoolattend/internal/queue"
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type IDGen interface {
	New() (string, error)
}

type ulidGen struct{}

func (ulidGen) New() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Publisher receives check-in notices.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Counter serves cached daily counts per school and event; ok is false on a
// cache miss.
type Counter interface {
	Count(ctx context.Context, schoolID, eventName string, day time.Time) (n int64, ok bool, err error)
	Decr(ctx context.Context, schoolID, eventName string, at time.Time) (n int64, ok bool, err error)
	Reset(ctx context.Context, schoolID, eventName string, day time.Time) error
}

// Service implements the attendance service operations on top of Repository.
type Service struct {
	repo  *Repository
	pub   Publisher
	tally Counter
	clock Clock
	ids   IDGen
	log   *zap.Logger
}

// NewService wires a service. pub and tally may be nil.
func NewService(repo *Repository, pub Publisher, tally Counter, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, pub: pub, tally: tally, clock: realClock{}, ids: ulidGen{}, log: log}
}

func notFound(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound(msg)
	}
	return err
}

func (s *Service) ActiveEvents(ctx context.Context, schoolID string) ([]model.Event, error) {
	return s.repo.ListEvents(ctx, schoolID, true)
}

func (s *Service) ListEvents(ctx context.Context, schoolID string) ([]model.Event, error) {
	return s.repo.ListEvents(ctx, schoolID, false)
}

func (s *Service) GetEvent(ctx context.Context, id string) (model.Event, error) {
	ev, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return model.Event{}, notFound(err, "event not found")
	}
	return ev, nil
}

// ensureUniqueName compares names with Unicode case folding so "Chess Club"
// and "CHESS CLUB" collide.
func (s *Service) ensureUniqueName(ctx context.Context, schoolID, name, excludeID string) error {
	names, err := s.repo.EventNames(ctx, schoolID, excludeID)
	if err != nil {
		return err
	}
	fold := cases.Fold()
	want := fold.String(name)
	for _, n := range names {
		if fold.String(strings.TrimSpace(n)) == want {
			return ErrConflict(fmt.Sprintf("event %q already exists in this school", name))
		}
	}
	return nil
}

func validateEvent(ev *model.Event) error {
	ev.Name = strings.TrimSpace(ev.Name)
	if err := ev.Validate(); err != nil {
		return ErrInvalid(err.Error())
	}
	return nil
}

// CreateEvent stores a new event. Events start inactive.
func (s *Service) CreateEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	if err := validateEvent(&ev); err != nil {
		return model.Event{}, err
	}
	if err := s.ensureUniqueName(ctx, ev.SchoolID, ev.Name, ""); err != nil {
		return model.Event{}, err
	}
	ev.ID = uuid.NewString()
	ev.IsActive = false
	if ev.Schedule == nil {
		ev.Schedule = model.Schedule{}
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		if isUniqueViolation(err) {
			return model.Event{}, ErrConflict(fmt.Sprintf("event %q already exists in this school", ev.Name))
		}
		return model.Event{}, err
	}
	return ev, nil
}

// UpdateEvent replaces the editable fields of an event.
func (s *Service) UpdateEvent(ctx context.Context, id string, in model.Event) (model.Event, error) {
	cur, err := s.repo.GetEvent(ctx, id)
	if err != nil {
		return model.Event{}, notFound(err, "event not found")
	}
	in.ID = cur.ID
	in.SchoolID = cur.SchoolID
	in.IsActive = cur.IsActive
	if err := validateEvent(&in); err != nil {
		return model.Event{}, err
	}
	if err := s.ensureUniqueName(ctx, in.SchoolID, in.Name, id); err != nil {
		return model.Event{}, err
	}
	if err := s.repo.UpdateEvent(ctx, in); err != nil {
		if isUniqueViolation(err) {
			return model.Event{}, ErrConflict(fmt.Sprintf("event %q already exists in this school", in.Name))
		}
		return model.Event{}, notFound(err, "event not found")
	}
	return in, nil
}

// SetEventActive activates or deactivates an event. Deactivation deletes the
// event's attendance records.
func (s *Service) SetEventActive(ctx context.Context, id string, active bool) (model.Event, int64, error) {
	ev, deleted, err := s.repo.SetEventActive(ctx, id, active)
	if err != nil {
		return model.Event{}, 0, notFound(err, "event not found")
	}
	if !active {
		s.dropTally(ctx, ev.SchoolID, ev.Name)
		s.log.Info("event deactivated", zap.String("event", ev.Name), zap.Int64("attendance_deleted", deleted))
	}
	return ev, deleted, nil
}

func (s *Service) StudentByQR(ctx context.Context, payload string) (model.Student, error) {
	st, err := s.repo.StudentByQR(ctx, payload)
	if err != nil {
		return model.Student{}, notFound(err, "student not found")
	}
	return st, nil
}

func (s *Service) GetStudent(ctx context.Context, id string) (model.Student, error) {
	st, err := s.repo.GetStudent(ctx, id)
	if err != nil {
		return model.Student{}, notFound(err, "student not found")
	}
	return st, nil
}

// CreateStudent stores a student, generating a random QR payload when none
// is given.
func (s *Service) CreateStudent(ctx context.Context, in model.Student) (model.Student, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.QRCode = strings.TrimSpace(in.QRCode)
	if in.Name == "" {
		return model.Student{}, ErrInvalid("name is required")
	}
	if in.SchoolID == "" {
		return model.Student{}, ErrInvalid("school_id is required")
	}
	if in.QRCode == "" {
		in.QRCode = uuid.NewString()
	}
	in.ID = uuid.NewString()
	st, err := s.repo.InsertStudent(ctx, in)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Student{}, ErrConflict("qr code is already assigned to another student")
		}
		return model.Student{}, err
	}
	return st, nil
}

func (s *Service) AttendanceExists(ctx context.Context, studentID, eventName string) (bool, error) {
	if studentID == "" || eventName == "" {
		return false, ErrInvalid("student_id and event_name are required")
	}
	return s.repo.AttendanceExists(ctx, studentID, eventName)
}

// RecordAttendance writes one check-in. The (student, event name) uniqueness
// constraint is authoritative: losing a race yields a conflict.
func (s *Service) RecordAttendance(ctx context.Context, in model.NewAttendance) (model.AttendanceRecord, error) {
	in.EventName = strings.TrimSpace(in.EventName)
	if in.StudentID == "" || in.EventName == "" {
		return model.AttendanceRecord{}, ErrInvalid("student_id and event_name are required")
	}
	st, err := s.repo.GetStudent(ctx, in.StudentID)
	if err != nil {
		return model.AttendanceRecord{}, notFound(err, "student not found")
	}

	id, err := s.ids.New()
	if err != nil {
		return model.AttendanceRecord{}, err
	}
	rec := model.AttendanceRecord{
		ID:          id,
		StudentID:   st.ID,
		StudentName: in.StudentName,
		EventName:   in.EventName,
		Timestamp:   in.Timestamp,
		ScannedBy:   in.ScannedBy,
		Location:    in.Location,
	}
	if rec.StudentName == "" {
		rec.StudentName = st.Name
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.ScannedBy == "" {
		rec.ScannedBy = "scanner"
	}

	if err := s.repo.InsertAttendance(ctx, rec); err != nil {
		if isUniqueViolation(err) {
			return model.AttendanceRecord{}, ErrConflict(fmt.Sprintf("attendance for %s is already recorded for %s", rec.StudentName, rec.EventName))
		}
		return model.AttendanceRecord{}, err
	}
	s.notify(ctx, st.SchoolID, rec)
	return rec, nil
}

// notify is best effort: the record is already committed.
func (s *Service) notify(ctx context.Context, schoolID string, rec model.AttendanceRecord) {
	if s.pub == nil {
		return
	}
	msg, err := queue.NewCheckin(queue.Checkin{
		RecordID:  rec.ID,
		StudentID: rec.StudentID,
		SchoolID:  schoolID,
		EventName: rec.EventName,
		Timestamp: rec.Timestamp,
	})
	if err == nil {
		err = s.pub.Publish(ctx, msg)
	}
	if err != nil {
		s.log.Warn("queue publish failed", zap.String("record", rec.ID), zap.Error(err))
	}
}

// RosterByEvent lists the event's records, limited to one school when
// schoolID is set.
func (s *Service) RosterByEvent(ctx context.Context, eventName, schoolID string) ([]model.AttendanceRecord, error) {
	return s.repo.AttendanceByEvent(ctx, eventName, schoolID)
}

// CountToday returns today's check-ins for the event. A school's count comes
// from the tally when available; everything else is counted in the database.
func (s *Service) CountToday(ctx context.Context, eventName, schoolID string) (int64, error) {
	now := s.clock.Now()
	if s.tally != nil && schoolID != "" {
		n, ok, err := s.tally.Count(ctx, schoolID, eventName, now)
		if err == nil && ok {
			return n, nil
		}
		if err != nil {
			s.log.Warn("tally read failed, counting in database", zap.Error(err))
		}
	}
	y, m, d := now.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return s.repo.CountBetween(ctx, schoolID, eventName, from, from.AddDate(0, 0, 1))
}

// DeleteAttendance removes one record, within one school when schoolID is
// set, and takes it off the tally of the day it was scanned.
func (s *Service) DeleteAttendance(ctx context.Context, id, schoolID string) error {
	del, err := s.repo.DeleteAttendance(ctx, id, schoolID)
	if err != nil {
		return notFound(err, "attendance record not found")
	}
	if s.tally == nil {
		return nil
	}
	if _, _, err := s.tally.Decr(ctx, del.SchoolID, del.EventName, del.ScannedAt); err != nil {
		s.log.Warn("tally decrement failed", zap.String("event", del.EventName), zap.Error(err))
	}
	return nil
}

func (s *Service) DeleteEventAttendance(ctx context.Context, eventName, schoolID string) (int64, error) {
	if strings.TrimSpace(eventName) == "" {
		return 0, ErrInvalid("event name is required")
	}
	schools, err := s.repo.DeleteAttendanceByEvent(ctx, eventName, schoolID)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, 1)
	for _, school := range schools {
		if _, ok := seen[school]; ok {
			continue
		}
		seen[school] = struct{}{}
		s.dropTally(ctx, school, eventName)
	}
	return int64(len(schools)), nil
}

func (s *Service) dropTally(ctx context.Context, schoolID, eventName string) {
	if s.tally == nil {
		return
	}
	if err := s.tally.Reset(ctx, schoolID, eventName, s.clock.Now()); err != nil {
		s.log.Warn("tally reset failed", zap.String("event", eventName), zap.Error(err))
	}
}
