package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"classtrack/internal/domain"
)

// Slot is a recurring weekly teaching booking. Times are wall-clock
// minutes since midnight; the interval is half-open [StartMin, EndMin).
type Slot struct {
	ID        string       `json:"id"`
	TeacherID string       `json:"teacher_id"`
	ClassID   string       `json:"class_id"`
	Weekday   time.Weekday `json:"weekday"`
	StartMin  int          `json:"start_min"`
	EndMin    int          `json:"end_min"`
	Active    bool         `json:"active"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// StartClock renders StartMin as HH:MM.
func (s Slot) StartClock() string { return clock(s.StartMin) }

// EndClock renders EndMin as HH:MM.
func (s Slot) EndClock() string { return clock(s.EndMin) }

func clock(min int) string { return fmt.Sprintf("%02d:%02d", min/60, min%60) }

// SlotInput is the caller-facing shape for create and update.
type SlotInput struct {
	TeacherID string `json:"teacher_id"`
	ClassID   string `json:"class_id"`
	Weekday   int    `json:"weekday"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

// Store is the persistence surface the service needs. The Postgres
// implementation backs the overlap check with EXCLUDE constraints; the
// query here only exists to produce a useful conflict message first.
type Store interface {
	Insert(ctx context.Context, s Slot) (Slot, error)
	Update(ctx context.Context, s Slot) (Slot, error)
	Get(ctx context.Context, id string) (Slot, error)
	ListByTeacher(ctx context.Context, teacherID string) ([]Slot, error)
	// ActiveOnWeekday returns active slots on the weekday belonging to
	// the teacher or the class, excluding excludeID when non-empty.
	ActiveOnWeekday(ctx context.Context, teacherID, classID string, weekday time.Weekday, excludeID string) ([]Slot, error)
	SetActive(ctx context.Context, id string, active bool) (Slot, error)
	Delete(ctx context.Context, id string) error
	HasWindows(ctx context.Context, slotID string) (bool, error)
}

// Service owns slot CRUD and the double-booking guard.
type Service struct {
	store Store
}

// NewService creates a service backed by a store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Overlaps reports whether two half-open minute intervals intersect.
// Touching intervals (a ends exactly when b starts) do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd int) bool {
	return aStart < bEnd && bStart < aEnd
}

// Validate is the ConflictGuard: it rejects a candidate slot whose
// interval overlaps any active slot sharing its teacher or class on the
// same weekday. Pure read, safe to call on create and update alike.
func (s *Service) Validate(ctx context.Context, candidate Slot, excludeID string) error {
	existing, err := s.store.ActiveOnWeekday(ctx, candidate.TeacherID, candidate.ClassID, candidate.Weekday, excludeID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if !Overlaps(candidate.StartMin, candidate.EndMin, other.StartMin, other.EndMin) {
			continue
		}
		dim := "class"
		if other.TeacherID == candidate.TeacherID {
			dim = "teacher"
		}
		return domain.Conflictf("slot overlaps existing booking %s for the same %s (%s %s-%s)",
			other.ID, dim, other.Weekday, other.StartClock(), other.EndClock())
	}
	return nil
}

// Create validates and persists a new slot owned by the caller.
func (s *Service) Create(ctx context.Context, caller domain.Caller, in SlotInput) (Slot, error) {
	slot, err := slotFromInput(in)
	if err != nil {
		return Slot{}, err
	}
	if !caller.IsAdmin() && caller.ID != slot.TeacherID {
		return Slot{}, domain.Forbiddenf("slots can only be created for yourself")
	}
	if err := s.Validate(ctx, slot, ""); err != nil {
		return Slot{}, err
	}
	slot.ID = uuid.NewString()
	slot.Active = true
	return s.store.Insert(ctx, slot)
}

// Update revalidates and persists changed fields. Ownership transfers
// are not supported; the teacher id in the input must match the slot.
func (s *Service) Update(ctx context.Context, caller domain.Caller, id string, in SlotInput) (Slot, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Slot{}, err
	}
	if !caller.IsAdmin() && caller.ID != current.TeacherID {
		return Slot{}, domain.Forbiddenf("slot %s belongs to another teacher", id)
	}
	next, err := slotFromInput(in)
	if err != nil {
		return Slot{}, err
	}
	if next.TeacherID != current.TeacherID {
		return Slot{}, domain.Validationf("slot ownership cannot change")
	}
	if err := s.Validate(ctx, next, id); err != nil {
		return Slot{}, err
	}
	next.ID = current.ID
	next.Active = current.Active
	next.CreatedAt = current.CreatedAt
	return s.store.Update(ctx, next)
}

// Get returns a slot by id.
func (s *Service) Get(ctx context.Context, id string) (Slot, error) {
	return s.store.Get(ctx, id)
}

// ListByTeacher returns a teacher's slots, active or not.
func (s *Service) ListByTeacher(ctx context.Context, teacherID string) ([]Slot, error) {
	return s.store.ListByTeacher(ctx, teacherID)
}

// Deactivate switches a slot off. Inactive slots keep their history but
// cannot open new windows and no longer count for conflict checks.
func (s *Service) Deactivate(ctx context.Context, caller domain.Caller, id string) (Slot, error) {
	return s.setActive(ctx, caller, id, false)
}

// Reactivate switches a slot back on, re-running the conflict guard
// against whatever was booked in the meantime.
func (s *Service) Reactivate(ctx context.Context, caller domain.Caller, id string) (Slot, error) {
	slot, err := s.store.Get(ctx, id)
	if err != nil {
		return Slot{}, err
	}
	if !caller.IsAdmin() && caller.ID != slot.TeacherID {
		return Slot{}, domain.Forbiddenf("slot %s belongs to another teacher", id)
	}
	if err := s.Validate(ctx, slot, id); err != nil {
		return Slot{}, err
	}
	return s.store.SetActive(ctx, id, true)
}

func (s *Service) setActive(ctx context.Context, caller domain.Caller, id string, active bool) (Slot, error) {
	slot, err := s.store.Get(ctx, id)
	if err != nil {
		return Slot{}, err
	}
	if !caller.IsAdmin() && caller.ID != slot.TeacherID {
		return Slot{}, domain.Forbiddenf("slot %s belongs to another teacher", id)
	}
	return s.store.SetActive(ctx, id, active)
}

// Delete removes a slot that never collected attendance. A slot with
// any historical window is refused to preserve the audit trail;
// deactivate it instead.
func (s *Service) Delete(ctx context.Context, caller domain.Caller, id string) error {
	slot, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !caller.IsAdmin() && caller.ID != slot.TeacherID {
		return domain.Forbiddenf("slot %s belongs to another teacher", id)
	}
	has, err := s.store.HasWindows(ctx, id)
	if err != nil {
		return err
	}
	if has {
		return domain.Conflictf("slot %s has attendance history; deactivate it instead of deleting", id)
	}
	return s.store.Delete(ctx, id)
}

func slotFromInput(in SlotInput) (Slot, error) {
	if strings.TrimSpace(in.TeacherID) == "" || strings.TrimSpace(in.ClassID) == "" {
		return Slot{}, domain.Validationf("teacher_id and class_id are required")
	}
	if in.Weekday < 0 || in.Weekday > 6 {
		return Slot{}, domain.Validationf("weekday must be 0 (Sunday) through 6 (Saturday)")
	}
	start, err := ParseMinute(in.Start)
	if err != nil {
		return Slot{}, err
	}
	end, err := ParseMinute(in.End)
	if err != nil {
		return Slot{}, err
	}
	if start >= end {
		return Slot{}, domain.Validationf("start %s must be before end %s", in.Start, in.End)
	}
	return Slot{
		TeacherID: in.TeacherID,
		ClassID:   in.ClassID,
		Weekday:   time.Weekday(in.Weekday),
		StartMin:  start,
		EndMin:    end,
	}, nil
}

// ParseMinute parses an HH:MM wall-clock string into minutes since
// midnight. 24:00 is accepted as an exclusive end bound. The whole
// string must match; trailing garbage is rejected.
func ParseMinute(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "24:00" {
		return 1440, nil
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, domain.Validationf("time %q is not HH:MM", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}
