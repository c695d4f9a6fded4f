package schedule

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classtrack/internal/domain"
	"classtrack/internal/store"
)

// Repository persists slots in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const slotColumns = `id, teacher_id, class_id, weekday, start_min, end_min, active, created_at, updated_at`

func scanSlot(row interface{ Scan(...any) error }) (Slot, error) {
	var s Slot
	var weekday int
	err := row.Scan(&s.ID, &s.TeacherID, &s.ClassID, &weekday, &s.StartMin, &s.EndMin, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	s.Weekday = time.Weekday(weekday)
	return s, err
}

// Insert writes a new slot. The EXCLUDE constraints turn a lost
// double-booking race into a conflict here rather than a silent write.
func (r *Repository) Insert(ctx context.Context, s Slot) (Slot, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO teaching_slots (id, teacher_id, class_id, weekday, start_min, end_min, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at
	`, s.ID, s.TeacherID, s.ClassID, int(s.Weekday), s.StartMin, s.EndMin, s.Active)
	if err := row.Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		return Slot{}, asDomainErr(err, s.ID)
	}
	return s, nil
}

// Update rewrites the mutable fields of a slot.
func (r *Repository) Update(ctx context.Context, s Slot) (Slot, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE teaching_slots
		SET class_id = $2, weekday = $3, start_min = $4, end_min = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING created_at, updated_at
	`, s.ID, s.ClassID, int(s.Weekday), s.StartMin, s.EndMin)
	if err := row.Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		return Slot{}, asDomainErr(err, s.ID)
	}
	return s, nil
}

// Get returns a slot by id.
func (r *Repository) Get(ctx context.Context, id string) (Slot, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM teaching_slots WHERE id = $1`, id)
	s, err := scanSlot(row)
	if err != nil {
		return Slot{}, asDomainErr(err, id)
	}
	return s, nil
}

// ListByTeacher returns all of a teacher's slots ordered by weekday and
// start time.
func (r *Repository) ListByTeacher(ctx context.Context, teacherID string) ([]Slot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+slotColumns+` FROM teaching_slots
		WHERE teacher_id = $1
		ORDER BY weekday, start_min
	`, teacherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ActiveOnWeekday returns active slots on the weekday sharing the
// teacher or the class, excluding excludeID when non-empty.
func (r *Repository) ActiveOnWeekday(ctx context.Context, teacherID, classID string, weekday time.Weekday, excludeID string) ([]Slot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+slotColumns+` FROM teaching_slots
		WHERE active
		  AND weekday = $1
		  AND (teacher_id = $2 OR class_id = $3)
		  AND ($4 = '' OR id::text <> $4)
		ORDER BY start_min
	`, int(weekday), teacherID, classID, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SetActive flips the active flag.
func (r *Repository) SetActive(ctx context.Context, id string, active bool) (Slot, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE teaching_slots SET active = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+slotColumns+`
	`, id, active)
	s, err := scanSlot(row)
	if err != nil {
		return Slot{}, asDomainErr(err, id)
	}
	return s, nil
}

// Delete hard-deletes a slot. The FK from attendance_windows is
// RESTRICT, so a slot with history fails here even if the service
// pre-check raced a concurrent open.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM teaching_slots WHERE id = $1`, id)
	if err != nil {
		if store.ForeignKeyViolation(err) {
			return domain.Conflictf("slot %s has attendance history; deactivate it instead of deleting", id)
		}
		return asDomainErr(err, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("slot %s not found", id)
	}
	return nil
}

// HasWindows reports whether any window was ever opened for the slot.
func (r *Repository) HasWindows(ctx context.Context, slotID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM attendance_windows WHERE slot_id = $1)`, slotID,
	).Scan(&exists)
	return exists, err
}

func asDomainErr(err error, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundf("slot %s not found", id)
	}
	if name, ok := store.ConstraintViolation(err); ok {
		return domain.Conflictf("slot conflicts with an existing booking (%s)", name)
	}
	return err
}
