package attendance

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"schoolattend/internal/model"
)

// Repository persists events, students and attendance in Postgres.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

const eventColumns = `id, name, schedule, description, is_active, school_id, teacher_id`

// ListEvents returns events ordered by name, optionally limited to one school
// and to active events.
func (r *Repository) ListEvents(ctx context.Context, schoolID string, activeOnly bool) ([]model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events`
	var clauses []string
	var args []any
	if schoolID != "" {
		args = append(args, schoolID)
		clauses = append(clauses, "school_id = $"+strconv.Itoa(len(args)))
	}
	if activeOnly {
		clauses = append(clauses, "is_active")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY name"

	events := []model.Event{}
	if err := r.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}

// GetEvent returns sql.ErrNoRows when the event does not exist.
func (r *Repository) GetEvent(ctx context.Context, id string) (model.Event, error) {
	var ev model.Event
	err := r.db.GetContext(ctx, &ev, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return ev, err
}

// EventNames lists the school's event names except excludeID.
func (r *Repository) EventNames(ctx context.Context, schoolID, excludeID string) ([]string, error) {
	var names []string
	err := r.db.SelectContext(ctx, &names, `SELECT name FROM events WHERE school_id = $1 AND id <> $2`, schoolID, excludeID)
	return names, err
}

func (r *Repository) InsertEvent(ctx context.Context, ev model.Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, name, schedule, description, is_active, school_id, teacher_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.Name, ev.Schedule, ev.Description, ev.IsActive, ev.SchoolID, ev.TeacherID)
	return err
}

// UpdateEvent changes the editable fields. The active flag is changed with
// SetEventActive only.
func (r *Repository) UpdateEvent(ctx context.Context, ev model.Event) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE events SET name = $2, schedule = $3, description = $4, teacher_id = $5
		WHERE id = $1
	`, ev.ID, ev.Name, ev.Schedule, ev.Description, ev.TeacherID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetEventActive flips the active flag. Deactivating also deletes the
// event's attendance for the owning school, in the same transaction.
func (r *Repository) SetEventActive(ctx context.Context, id string, active bool) (model.Event, int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Event{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var ev model.Event
	if err := tx.GetContext(ctx, &ev, `
		UPDATE events SET is_active = $2 WHERE id = $1
		RETURNING `+eventColumns, id, active); err != nil {
		return model.Event{}, 0, err
	}

	var deleted int64
	if !active {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM attendance a USING students s
			WHERE a.student_id = s.id AND s.school_id = $1 AND a.event_name = $2
		`, ev.SchoolID, ev.Name)
		if err != nil {
			return model.Event{}, 0, err
		}
		deleted, _ = res.RowsAffected()
	}
	if err := tx.Commit(); err != nil {
		return model.Event{}, 0, err
	}
	return ev, deleted, nil
}

const studentColumns = `id, name, group_label, specialty, qr_code, school_id, created_at`

// StudentByQR returns sql.ErrNoRows for an unknown payload.
func (r *Repository) StudentByQR(ctx context.Context, qr string) (model.Student, error) {
	var st model.Student
	err := r.db.GetContext(ctx, &st, `SELECT `+studentColumns+` FROM students WHERE qr_code = $1`, qr)
	return st, err
}

func (r *Repository) GetStudent(ctx context.Context, id string) (model.Student, error) {
	var st model.Student
	err := r.db.GetContext(ctx, &st, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id)
	return st, err
}

func (r *Repository) InsertStudent(ctx context.Context, st model.Student) (model.Student, error) {
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO students (id, name, group_label, specialty, qr_code, school_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, st.ID, st.Name, st.Group, st.Specialty, st.QRCode, st.SchoolID).Scan(&st.CreatedAt)
	return st, err
}

type recordRow struct {
	ID          string          `db:"id"`
	StudentID   string          `db:"student_id"`
	StudentName string          `db:"student_name"`
	EventName   string          `db:"event_name"`
	ScannedAt   time.Time       `db:"scanned_at"`
	ScannedBy   string          `db:"scanned_by"`
	Lat         sql.NullFloat64 `db:"lat"`
	Lng         sql.NullFloat64 `db:"lng"`
}

func (row recordRow) toModel() model.AttendanceRecord {
	rec := model.AttendanceRecord{
		ID:          row.ID,
		StudentID:   row.StudentID,
		StudentName: row.StudentName,
		EventName:   row.EventName,
		Timestamp:   row.ScannedAt,
		ScannedBy:   row.ScannedBy,
	}
	if row.Lat.Valid && row.Lng.Valid {
		rec.Location = &model.GeoPoint{Lat: row.Lat.Float64, Lng: row.Lng.Float64}
	}
	return rec
}

const recordColumns = `id, student_id, student_name, event_name, scanned_at, scanned_by, lat, lng`

func (r *Repository) AttendanceExists(ctx context.Context, studentID, eventName string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM attendance WHERE student_id = $1 AND event_name = $2)
	`, studentID, eventName)
	return exists, err
}

// InsertAttendance relies on unique_student_event; callers check for a
// unique violation.
func (r *Repository) InsertAttendance(ctx context.Context, rec model.AttendanceRecord) error {
	var lat, lng sql.NullFloat64
	if rec.Location != nil {
		lat = sql.NullFloat64{Float64: rec.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: rec.Location.Lng, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.StudentID, rec.StudentName, rec.EventName, rec.Timestamp, rec.ScannedBy, lat, lng)
	return err
}

// AttendanceByEvent returns the event's records, newest first, limited to
// students of one school when schoolID is set.
func (r *Repository) AttendanceByEvent(ctx context.Context, eventName, schoolID string) ([]model.AttendanceRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance WHERE event_name = $1`
	args := []any{eventName}
	if schoolID != "" {
		query = `SELECT ` + prefixed("a.", recordColumns) + ` FROM attendance a
			JOIN students s ON s.id = a.student_id
			WHERE a.event_name = $1 AND s.school_id = $2`
		args = append(args, schoolID)
	}
	query += ` ORDER BY scanned_at DESC`

	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]model.AttendanceRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + p
	}
	return strings.Join(parts, ", ")
}

// CountBetween counts the event's records in [from, to), limited to one
// school when schoolID is set.
func (r *Repository) CountBetween(ctx context.Context, schoolID, eventName string, from, to time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM attendance a
		WHERE a.event_name = $1 AND a.scanned_at >= $2 AND a.scanned_at < $3`
	args := []any{eventName, from, to}
	if schoolID != "" {
		query = `SELECT COUNT(*) FROM attendance a
		JOIN students s ON s.id = a.student_id
		WHERE a.event_name = $1 AND a.scanned_at >= $2 AND a.scanned_at < $3 AND s.school_id = $4`
		args = append(args, schoolID)
	}
	var n int64
	err := r.db.GetContext(ctx, &n, query, args...)
	return n, err
}

// deletedRecord identifies a removed row for tally bookkeeping.
type deletedRecord struct {
	EventName string    `db:"event_name"`
	ScannedAt time.Time `db:"scanned_at"`
	SchoolID  string    `db:"school_id"`
}

// DeleteAttendance removes one record, within one school when schoolID is
// set. It returns sql.ErrNoRows when nothing matched.
func (r *Repository) DeleteAttendance(ctx context.Context, id, schoolID string) (deletedRecord, error) {
	query := `DELETE FROM attendance a USING students s
		WHERE a.id = $1 AND a.student_id = s.id`
	args := []any{id}
	if schoolID != "" {
		query += ` AND s.school_id = $2`
		args = append(args, schoolID)
	}
	query += ` RETURNING a.event_name, a.scanned_at, s.school_id`

	var del deletedRecord
	err := r.db.GetContext(ctx, &del, query, args...)
	return del, err
}

// DeleteAttendanceByEvent removes every record for the event name, limited to
// one school when schoolID is set. It returns the school of each removed row.
func (r *Repository) DeleteAttendanceByEvent(ctx context.Context, eventName, schoolID string) ([]string, error) {
	query := `DELETE FROM attendance a USING students s
		WHERE a.student_id = s.id AND a.event_name = $1`
	args := []any{eventName}
	if schoolID != "" {
		query += ` AND s.school_id = $2`
		args = append(args, schoolID)
	}
	query += ` RETURNING s.school_id`

	schools := []string{}
	err := r.db.SelectContext(ctx, &schools, query, args...)
	return schools, err
}
