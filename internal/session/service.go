package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"classtrack/internal/domain"
	"classtrack/internal/schedule"
)

// Status is the lifecycle state of an attendance window.
type Status string

const (
	StatusScheduled Status = "scheduled" // created, not yet accepting
	StatusActive    Status = "active"    // accepting check-ins
	StatusClosed    Status = "closed"    // terminal
)

// ReviewPolicy decides what happens to records submitted to a window.
type ReviewPolicy string

const (
	// PolicyManual creates pending records the owning teacher reviews.
	PolicyManual ReviewPolicy = "manual"
	// PolicyAuto classifies records at submission time; no review step.
	PolicyAuto ReviewPolicy = "auto"
)

// Window is one concrete, date-bound instance of collecting check-ins
// for a teaching slot.
type Window struct {
	ID       string       `json:"id"`
	SlotID   string       `json:"slot_id"`
	Date     time.Time    `json:"date"`
	Status   Status       `json:"status"`
	Policy   ReviewPolicy `json:"review_policy"`
	Token    string       `json:"token"`
	Topic    string       `json:"topic,omitempty"`
	OpenedBy string       `json:"opened_by"`
	OpenedAt time.Time    `json:"opened_at"`
	ClosedAt *time.Time   `json:"closed_at,omitempty"`
}

// Clock supplies the current time; tests inject a fixed one to cross
// date boundaries deterministically.
type Clock func() time.Time

// Store is the persistence surface for windows. Insert must fail with
// a conflict when an open window already exists for the slot — the
// partial unique index is what actually guarantees it under races.
type Store interface {
	Insert(ctx context.Context, w Window) (Window, error)
	Get(ctx context.Context, id string) (Window, error)
	GetByToken(ctx context.Context, token string) (Window, error)
	OpenBySlot(ctx context.Context, slotID string) (*Window, error)
	ListBySlot(ctx context.Context, slotID string) ([]Window, error)
	// Transition moves a window from any of the from statuses to the
	// target, returning false when the current status did not match.
	Transition(ctx context.Context, id string, from []Status, to Status, closedAt *time.Time) (Window, bool, error)
}

// SlotSource is the slice of the schedule layer the lifecycle needs.
type SlotSource interface {
	Get(ctx context.Context, id string) (schedule.Slot, error)
}

// Service owns the window state machine.
type Service struct {
	store Store
	slots SlotSource
	clock Clock
}

// NewService creates a lifecycle service.
func NewService(store Store, slots SlotSource, clock Clock) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, slots: slots, clock: clock}
}

// Open creates a window for a slot on a calendar date and mints its
// token. At most one window per slot may be open (scheduled or active)
// at a time.
func (s *Service) Open(ctx context.Context, caller domain.Caller, slotID string, date time.Time, topic string, policy ReviewPolicy) (Window, error) {
	slot, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return Window{}, err
	}
	if !caller.IsAdmin() && caller.ID != slot.TeacherID {
		return Window{}, domain.Forbiddenf("slot %s belongs to another teacher", slotID)
	}
	if !slot.Active {
		return Window{}, domain.InvalidStatef("slot %s is deactivated", slotID)
	}
	if policy == "" {
		policy = PolicyManual
	}
	if policy != PolicyManual && policy != PolicyAuto {
		return Window{}, domain.Validationf("review policy %q is not manual or auto", policy)
	}
	if date.IsZero() {
		return Window{}, domain.Validationf("window date is required")
	}

	// Friendly pre-check; the insert below is the authoritative one.
	if open, err := s.store.OpenBySlot(ctx, slotID); err != nil {
		return Window{}, err
	} else if open != nil {
		return Window{}, domain.Conflictf("slot %s already has an open window %s (%s)", slotID, open.ID, open.Status)
	}

	token, err := NewToken()
	if err != nil {
		return Window{}, err
	}
	w := Window{
		ID:       uuid.NewString(),
		SlotID:   slotID,
		Date:     date,
		Status:   StatusScheduled,
		Policy:   policy,
		Token:    token,
		Topic:    strings.TrimSpace(topic),
		OpenedBy: caller.ID,
		OpenedAt: s.clock(),
	}
	return s.store.Insert(ctx, w)
}

// Activate starts accepting check-ins. Closed windows refuse.
func (s *Service) Activate(ctx context.Context, caller domain.Caller, windowID string) (Window, error) {
	return s.toggle(ctx, caller, windowID, StatusScheduled, StatusActive)
}

// Deactivate pauses check-ins without finalizing; the reverse of
// Activate.
func (s *Service) Deactivate(ctx context.Context, caller domain.Caller, windowID string) (Window, error) {
	return s.toggle(ctx, caller, windowID, StatusActive, StatusScheduled)
}

func (s *Service) toggle(ctx context.Context, caller domain.Caller, windowID string, from, to Status) (Window, error) {
	w, err := s.store.Get(ctx, windowID)
	if err != nil {
		return Window{}, err
	}
	if err := s.requireOwner(ctx, caller, w); err != nil {
		return Window{}, err
	}
	if w.Status == StatusClosed {
		return Window{}, domain.InvalidStatef("window %s is closed", windowID)
	}
	if w.Status == to {
		return w, nil
	}
	next, ok, err := s.store.Transition(ctx, windowID, []Status{from}, to, nil)
	if err != nil {
		return Window{}, err
	}
	if !ok {
		return Window{}, domain.InvalidStatef("window %s changed state concurrently", windowID)
	}
	return next, nil
}

// Close finalizes a window. One-way: a closed window accepts no
// further writes of any kind.
func (s *Service) Close(ctx context.Context, caller domain.Caller, windowID string) (Window, error) {
	w, err := s.store.Get(ctx, windowID)
	if err != nil {
		return Window{}, err
	}
	if err := s.requireOwner(ctx, caller, w); err != nil {
		return Window{}, err
	}
	if w.Status == StatusClosed {
		return Window{}, domain.InvalidStatef("window %s is already closed", windowID)
	}
	now := s.clock()
	next, ok, err := s.store.Transition(ctx, windowID, []Status{StatusScheduled, StatusActive}, StatusClosed, &now)
	if err != nil {
		return Window{}, err
	}
	if !ok {
		return Window{}, domain.InvalidStatef("window %s is already closed", windowID)
	}
	return next, nil
}

// Get returns a window by id.
func (s *Service) Get(ctx context.Context, id string) (Window, error) {
	return s.store.Get(ctx, id)
}

// ListBySlot returns a slot's windows, newest first. Owner-only.
func (s *Service) ListBySlot(ctx context.Context, caller domain.Caller, slotID string) ([]Window, error) {
	slot, err := s.slots.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && caller.ID != slot.TeacherID {
		return nil, domain.Forbiddenf("slot %s belongs to another teacher", slotID)
	}
	return s.store.ListBySlot(ctx, slotID)
}

// Resolve looks a window up by its token. The token is the sole
// credential for the lookup; whether the window accepts submissions is
// still gated by its status and date.
func (s *Service) Resolve(ctx context.Context, token string) (Window, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Window{}, domain.Validationf("token is required")
	}
	return s.store.GetByToken(ctx, token)
}

// Accepting reports whether the window takes check-ins at the given
// instant: it must be active and it must be its scheduled calendar day.
func Accepting(w Window, now time.Time) bool {
	if w.Status != StatusActive {
		return false
	}
	y1, m1, d1 := w.Date.Date()
	y2, m2, d2 := now.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// AcceptingNow applies Accepting with the service clock.
func (s *Service) AcceptingNow(w Window) bool {
	return Accepting(w, s.clock())
}

// QRCode renders the window's token as a PNG for the owning teacher to
// project. The image is a pure function of the token.
func (s *Service) QRCode(ctx context.Context, caller domain.Caller, windowID string) ([]byte, error) {
	w, err := s.store.Get(ctx, windowID)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, caller, w); err != nil {
		return nil, err
	}
	return QRPNG(w.Token)
}

func (s *Service) requireOwner(ctx context.Context, caller domain.Caller, w Window) error {
	if caller.IsAdmin() {
		return nil
	}
	slot, err := s.slots.Get(ctx, w.SlotID)
	if err != nil {
		return err
	}
	if slot.TeacherID != caller.ID {
		return domain.Forbiddenf("window %s belongs to another teacher", w.ID)
	}
	return nil
}
