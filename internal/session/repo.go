package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"classtrack/internal/domain"
	"classtrack/internal/store"
)

// Repository persists windows in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const windowColumns = `id, slot_id, window_date, status, review_policy, token, topic, opened_by, opened_at, closed_at`

func scanWindow(row interface{ Scan(...any) error }) (Window, error) {
	var w Window
	var closedAt sql.NullTime
	err := row.Scan(&w.ID, &w.SlotID, &w.Date, &w.Status, &w.Policy, &w.Token, &w.Topic, &w.OpenedBy, &w.OpenedAt, &closedAt)
	if closedAt.Valid {
		t := closedAt.Time
		w.ClosedAt = &t
	}
	return w, err
}

// Insert writes a new window. The partial unique index on open windows
// makes a second concurrent open for the same slot fail here.
func (r *Repository) Insert(ctx context.Context, w Window) (Window, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_windows (id, slot_id, window_date, status, review_policy, token, topic, opened_by, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, w.ID, w.SlotID, w.Date, w.Status, w.Policy, w.Token, w.Topic, w.OpenedBy, w.OpenedAt)
	if err != nil {
		if _, ok := store.ConstraintViolation(err); ok {
			return Window{}, domain.Conflictf("slot %s already has an open window", w.SlotID)
		}
		return Window{}, err
	}
	return w, nil
}

// Get returns a window by id.
func (r *Repository) Get(ctx context.Context, id string) (Window, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM attendance_windows WHERE id = $1`, id)
	w, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, domain.NotFoundf("window %s not found", id)
	}
	return w, err
}

// GetByToken resolves a window from its opaque token.
func (r *Repository) GetByToken(ctx context.Context, token string) (Window, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM attendance_windows WHERE token = $1`, token)
	w, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, domain.NotFoundf("no window for this token")
	}
	return w, err
}

// OpenBySlot returns the slot's open window, if any.
func (r *Repository) OpenBySlot(ctx context.Context, slotID string) (*Window, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+windowColumns+` FROM attendance_windows
		WHERE slot_id = $1 AND status IN ('scheduled', 'active')
	`, slotID)
	w, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListBySlot returns a slot's windows, newest first.
func (r *Repository) ListBySlot(ctx context.Context, slotID string) ([]Window, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+windowColumns+` FROM attendance_windows
		WHERE slot_id = $1
		ORDER BY opened_at DESC
	`, slotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Window
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// Transition compare-and-swaps the window status. The WHERE clause on
// the current status is what resolves racing toggles and closes: the
// loser matches zero rows and reports ok=false.
func (r *Repository) Transition(ctx context.Context, id string, from []Status, to Status, closedAt *time.Time) (Window, bool, error) {
	args := []any{id, string(to), closedAt}
	cond := ""
	for i, s := range from {
		if i > 0 {
			cond += ", "
		}
		args = append(args, string(s))
		cond += fmt.Sprintf("$%d", len(args))
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_windows
		SET status = $2, closed_at = COALESCE($3, closed_at)
		WHERE id = $1 AND status IN (`+cond+`)
		RETURNING `+windowColumns,
		args...)
	w, err := scanWindow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, err
	}
	return w, true, nil
}
