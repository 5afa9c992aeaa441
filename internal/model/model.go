package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ScheduleSlot is one weekly occurrence of an event.
type ScheduleSlot struct {
	DayOfWeek string `json:"day_of_week" validate:"required,weekday"`
	StartTime string `json:"start_time" validate:"required,hhmm"`
	EndTime   string `json:"end_time" validate:"required,hhmm"`
}

// Schedule is the ordered weekly schedule of an event, stored as JSONB.
type Schedule []ScheduleSlot

// Value implements driver.Valuer.
func (s Schedule) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *Schedule) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("schedule: unsupported scan type %T", src)
	}
}

// Event is something students check in to. Attendance refers to it by name.
type Event struct {
	ID          string   `json:"id" db:"id"`
	Name        string   `json:"name" db:"name" validate:"required,max=200"`
	Schedule    Schedule `json:"schedule" db:"schedule" validate:"dive"`
	Description *string  `json:"description,omitempty" db:"description"`
	IsActive    bool     `json:"is_active" db:"is_active"`
	SchoolID    string   `json:"school_id" db:"school_id" validate:"required"`
	TeacherID   *string  `json:"teacher_id,omitempty" db:"teacher_id"`
}

// Validate checks field constraints and that every slot starts before it ends.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return err
	}
	for i, slot := range e.Schedule {
		start, _ := time.Parse("15:04", slot.StartTime)
		end, _ := time.Parse("15:04", slot.EndTime)
		if !start.Before(end) {
			return fmt.Errorf("schedule[%d]: start_time must be before end_time", i)
		}
	}
	return nil
}

// Student is a pupil whose QR code is scanned at check-in.
type Student struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Group     string    `json:"group" db:"group_label"`
	Specialty string    `json:"specialty" db:"specialty"`
	QRCode    string    `json:"qr_code" db:"qr_code"`
	SchoolID  string    `json:"school_id" db:"school_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// GeoPoint is an optional capture location.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// AttendanceRecord is one check-in. StudentName and EventName are copied at write time.
type AttendanceRecord struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"student_id"`
	StudentName string    `json:"student_name"`
	EventName   string    `json:"event_name"`
	Timestamp   time.Time `json:"timestamp"`
	ScannedBy   string    `json:"scanned_by"`
	Location    *GeoPoint `json:"location,omitempty"`
}

// NewAttendance is the body of a check-in write.
type NewAttendance struct {
	StudentID   string    `json:"student_id" binding:"required"`
	EventName   string    `json:"event_name" binding:"required"`
	Timestamp   time.Time `json:"timestamp"`
	ScannedBy   string    `json:"scanned_by"`
	StudentName string    `json:"student_name"`
	Location    *GeoPoint `json:"location,omitempty"`
}
