package checkin

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"classtrack/internal/domain"
	"classtrack/internal/store"
)

// Repository persists records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, window_id, student_id, student_label, proof_url, submitted_at,
	status, classification, match_score, reviewed_by, reviewed_at, reject_reason`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	var class, reviewedBy, reason sql.NullString
	var score sql.NullFloat64
	var reviewedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.WindowID, &rec.Student.ID, &rec.Student.Label, &rec.ProofURL,
		&rec.SubmittedAt, &rec.Status, &class, &score, &reviewedBy, &reviewedAt, &reason)
	if class.Valid {
		rec.Classification = Classification(class.String)
	}
	if score.Valid {
		v := score.Float64
		rec.MatchScore = &v
	}
	rec.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		rec.ReviewedAt = &t
	}
	rec.RejectReason = reason.String
	return rec, err
}

// Insert writes a new record, conditional on the window still being
// active at write time. A close or deactivate committing after the
// service's precondition check makes this statement match zero rows
// instead of persisting against a closed window. The unique key on
// (window_id, student_id) turns a duplicate race into a conflict here.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	var class any
	if rec.Classification != "" {
		class = string(rec.Classification)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, window_id, student_id, student_label, proof_url, submitted_at, status, classification)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE EXISTS (
			SELECT 1 FROM attendance_windows WHERE id = $2 AND status = 'active'
		)
	`, rec.ID, rec.WindowID, rec.Student.ID, rec.Student.Label, rec.ProofURL, rec.SubmittedAt, rec.Status, class)
	if err != nil {
		if _, ok := store.ConstraintViolation(err); ok {
			return Record{}, domain.Conflictf("student %s already checked in to window %s", rec.Student.ID, rec.WindowID)
		}
		return Record{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Record{}, domain.InvalidStatef("window %s is not accepting check-ins", rec.WindowID)
	}
	return rec, nil
}

// Get returns a record by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, domain.NotFoundf("record %s not found", id)
	}
	return rec, err
}

// Exists reports whether the student already has a record on the
// window. Advisory only; Insert is the authoritative check.
func (r *Repository) Exists(ctx context.Context, windowID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_records WHERE window_id = $1 AND student_id = $2)
	`, windowID, studentID).Scan(&exists)
	return exists, err
}

// Review stamps the outcome iff the record is still pending. The
// status guard in the WHERE clause is what makes reviews one-way under
// concurrent decisions.
func (r *Repository) Review(ctx context.Context, id string, status Status, reviewer string, at time.Time, reason string) (Record, bool, error) {
	var reasonArg any
	if reason != "" {
		reasonArg = reason
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET status = $2, reviewed_by = $3, reviewed_at = $4, reject_reason = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+recordColumns,
		id, status, reviewer, at, reasonArg)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// SetMatchScore stores the worker's proof-verification similarity.
func (r *Repository) SetMatchScore(ctx context.Context, id string, score float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET match_score = $2 WHERE id = $1
	`, id, score)
	return err
}

// ListByWindow returns a window's records ordered by submission time.
func (r *Repository) ListByWindow(ctx context.Context, windowID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE window_id = $1
		ORDER BY submitted_at
	`, windowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListByStudent returns a student's records, newest first.
func (r *Repository) ListByStudent(ctx context.Context, studentID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3
	`, studentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
