package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema bootstrap. The engine's correctness rests on these
// constraints, not on the services' pre-checks:
//
//   - teaching_slots: no two active slots for the same teacher (or the
//     same class) on one weekday may overlap — EXCLUDE over int4range.
//   - attendance_windows: at most one open (scheduled/active) window
//     per slot — partial unique index; tokens are globally unique.
//   - attendance_records: one record per (window, student).
//
// Foreign keys are RESTRICT on purpose: a slot with historical windows
// must be deactivated, never cascaded away.
var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS btree_gist`,

	`CREATE TABLE IF NOT EXISTS teaching_slots (
		id         UUID PRIMARY KEY,
		teacher_id TEXT NOT NULL,
		class_id   TEXT NOT NULL,
		weekday    SMALLINT NOT NULL CHECK (weekday BETWEEN 0 AND 6),
		start_min  SMALLINT NOT NULL,
		end_min    SMALLINT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (start_min >= 0 AND start_min < end_min AND end_min <= 1440),
		CONSTRAINT teaching_slots_teacher_no_overlap EXCLUDE USING gist (
			teacher_id WITH =,
			weekday WITH =,
			int4range(start_min::int, end_min::int) WITH &&
		) WHERE (active),
		CONSTRAINT teaching_slots_class_no_overlap EXCLUDE USING gist (
			class_id WITH =,
			weekday WITH =,
			int4range(start_min::int, end_min::int) WITH &&
		) WHERE (active)
	)`,

	`CREATE TABLE IF NOT EXISTS attendance_windows (
		id            UUID PRIMARY KEY,
		slot_id       UUID NOT NULL REFERENCES teaching_slots(id) ON DELETE RESTRICT,
		window_date   DATE NOT NULL,
		status        TEXT NOT NULL CHECK (status IN ('scheduled', 'active', 'closed')),
		review_policy TEXT NOT NULL CHECK (review_policy IN ('manual', 'auto')),
		token         TEXT NOT NULL,
		topic         TEXT NOT NULL DEFAULT '',
		opened_by     TEXT NOT NULL,
		opened_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		closed_at     TIMESTAMPTZ,
		CONSTRAINT attendance_windows_token_key UNIQUE (token)
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS attendance_windows_one_open_per_slot
		ON attendance_windows (slot_id)
		WHERE status IN ('scheduled', 'active')`,

	`CREATE TABLE IF NOT EXISTS attendance_records (
		id             UUID PRIMARY KEY,
		window_id      UUID NOT NULL REFERENCES attendance_windows(id) ON DELETE RESTRICT,
		student_id     TEXT NOT NULL,
		student_label  TEXT NOT NULL DEFAULT '',
		proof_url      TEXT NOT NULL DEFAULT '',
		submitted_at   TIMESTAMPTZ NOT NULL,
		status         TEXT NOT NULL CHECK (status IN ('pending', 'confirmed', 'rejected')),
		classification TEXT CHECK (classification IN ('present', 'late', 'absent')),
		match_score    DOUBLE PRECISION,
		reviewed_by    TEXT,
		reviewed_at    TIMESTAMPTZ,
		reject_reason  TEXT,
		CONSTRAINT attendance_records_window_student_key UNIQUE (window_id, student_id)
	)`,

	`CREATE INDEX IF NOT EXISTS attendance_records_student_idx
		ON attendance_records (student_id, submitted_at DESC)`,
}

// EnsureSchema applies the DDL above. Statements are idempotent, so
// running it on every boot is safe.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}
	return nil
}
