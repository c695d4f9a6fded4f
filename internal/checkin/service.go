package checkin

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"classtrack/internal/domain"
	"classtrack/internal/schedule"
	"classtrack/internal/session"
)

// Record status values. Pending records await the owning teacher's
// review; confirmed and rejected are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Classification values set on the auto-policy path (or preserved from
// a manual confirm of a late arrival, should that ever be added).
type Classification string

const (
	ClassPresent Classification = "present"
	ClassLate    Classification = "late"
	ClassAbsent  Classification = "absent"
)

// Record is one student's check-in against one window.
type Record struct {
	ID             string                 `json:"id"`
	WindowID       string                 `json:"window_id"`
	Student        domain.StudentIdentity `json:"student"`
	ProofURL       string                 `json:"proof_url,omitempty"`
	SubmittedAt    time.Time              `json:"submitted_at"`
	Status         Status                 `json:"status"`
	Classification Classification         `json:"classification,omitempty"`
	MatchScore     *float64               `json:"match_score,omitempty"`
	ReviewedBy     string                 `json:"reviewed_by,omitempty"`
	ReviewedAt     *time.Time             `json:"reviewed_at,omitempty"`
	RejectReason   string                 `json:"reject_reason,omitempty"`
}

// WindowRef addresses a window either by id or by its scanned token.
type WindowRef struct {
	ID    string
	Token string
}

// SubmitInput is everything a check-in carries. At defaults to now.
// At and Classification are teacher/admin overrides; Classification
// only applies to auto-policy windows.
type SubmitInput struct {
	Window         WindowRef
	Student        domain.StudentIdentity
	ProofURL       string
	At             *time.Time
	Classification Classification
}

// Store is the persistence surface for records. Insert must fail with
// a conflict on a duplicate (window, student) pair — the unique key
// closes the race the Exists pre-check cannot — and with an
// invalid-state error when the window is no longer active at write
// time, so a submit losing the race against a close never silently
// succeeds.
type Store interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Exists(ctx context.Context, windowID, studentID string) (bool, error)
	// Review stamps the outcome iff the record is still pending.
	Review(ctx context.Context, id string, status Status, reviewer string, at time.Time, reason string) (Record, bool, error)
	SetMatchScore(ctx context.Context, id string, score float64) error
	ListByWindow(ctx context.Context, windowID string) ([]Record, error)
	ListByStudent(ctx context.Context, studentID string, limit, offset int) ([]Record, error)
}

// WindowSource is the slice of the session layer the recorder needs.
type WindowSource interface {
	Get(ctx context.Context, id string) (session.Window, error)
	GetByToken(ctx context.Context, token string) (session.Window, error)
}

// SlotSource resolves the slot owning a window, for ownership checks
// and the auto-late rule.
type SlotSource interface {
	Get(ctx context.Context, id string) (schedule.Slot, error)
}

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_submissions_total",
		Help: "Check-in submissions by outcome.",
	}, []string{"outcome"})
	reviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_reviews_total",
		Help: "Review decisions by outcome.",
	}, []string{"outcome"})
)

// Service records check-ins and adjudicates them.
type Service struct {
	store     Store
	windows   WindowSource
	slots     SlotSource
	clock     session.Clock
	lateGrace time.Duration
}

// NewService creates a service. lateGrace is how far past the slot's
// start an auto-classified check-in still counts as present.
func NewService(store Store, windows WindowSource, slots SlotSource, clock session.Clock, lateGrace time.Duration) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, windows: windows, slots: slots, clock: clock, lateGrace: lateGrace}
}

// Submit records a check-in on the caller's behalf. Preconditions in
// order: the window must resolve, it must be accepting, and the student
// must not have a record on it yet. Duplicate races are settled by the
// unique key at insert; close races by the status condition the insert
// carries. Students check in as themselves with no overrides; the At
// and Classification knobs are for teachers backfilling.
func (s *Service) Submit(ctx context.Context, caller domain.Caller, in SubmitInput) (Record, error) {
	if err := in.Student.Validate(); err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		return Record{}, err
	}
	if caller.Role == domain.RoleStudent {
		if in.Student.ID != caller.ID {
			submissionsTotal.WithLabelValues("forbidden").Inc()
			return Record{}, domain.Forbiddenf("students may only check in as themselves")
		}
		if in.Classification != "" || in.At != nil {
			submissionsTotal.WithLabelValues("forbidden").Inc()
			return Record{}, domain.Forbiddenf("classification and timestamp overrides are reserved for teachers")
		}
	}
	w, err := s.resolveWindow(ctx, in.Window)
	if err != nil {
		submissionsTotal.WithLabelValues("not_found").Inc()
		return Record{}, err
	}
	now := s.clock()
	if !session.Accepting(w, now) {
		submissionsTotal.WithLabelValues("rejected_state").Inc()
		switch {
		case w.Status == session.StatusClosed:
			return Record{}, domain.InvalidStatef("window %s is closed", w.ID)
		case w.Status != session.StatusActive:
			return Record{}, domain.InvalidStatef("window %s is not accepting check-ins", w.ID)
		default:
			return Record{}, domain.InvalidStatef("window %s is dated %s, not today", w.ID, w.Date.Format("2006-01-02"))
		}
	}
	if dup, err := s.store.Exists(ctx, w.ID, in.Student.ID); err != nil {
		return Record{}, err
	} else if dup {
		submissionsTotal.WithLabelValues("duplicate").Inc()
		return Record{}, domain.Conflictf("student %s already checked in to window %s", in.Student.ID, w.ID)
	}

	at := now
	if in.At != nil {
		at = *in.At
	}
	rec := Record{
		ID:          uuid.NewString(),
		WindowID:    w.ID,
		Student:     in.Student,
		ProofURL:    strings.TrimSpace(in.ProofURL),
		SubmittedAt: at,
		Status:      StatusPending,
	}
	if w.Policy == session.PolicyAuto {
		class, err := s.autoClassify(ctx, w, at, in.Classification)
		if err != nil {
			return Record{}, err
		}
		rec.Status = StatusConfirmed
		rec.Classification = class
	} else if in.Classification != "" {
		return Record{}, domain.Validationf("window %s reviews submissions manually; classification is not accepted", w.ID)
	}

	rec, err = s.store.Insert(ctx, rec)
	if err != nil {
		switch {
		case domain.IsKind(err, domain.KindConflict):
			submissionsTotal.WithLabelValues("duplicate").Inc()
		case domain.IsKind(err, domain.KindInvalidState):
			submissionsTotal.WithLabelValues("rejected_state").Inc()
		}
		return Record{}, err
	}
	submissionsTotal.WithLabelValues("accepted").Inc()
	return rec, nil
}

// autoClassify applies the reviewer-less rule: a teacher may supply a
// classification (backfilling an absence), otherwise on-time means
// present and anything past the slot start plus grace is late.
func (s *Service) autoClassify(ctx context.Context, w session.Window, at time.Time, supplied Classification) (Classification, error) {
	switch supplied {
	case ClassPresent, ClassLate, ClassAbsent:
		return supplied, nil
	case "":
	default:
		return "", domain.Validationf("classification %q is not present, late, or absent", supplied)
	}
	slot, err := s.slots.Get(ctx, w.SlotID)
	if err != nil {
		return "", err
	}
	y, m, d := w.Date.Date()
	start := time.Date(y, m, d, slot.StartMin/60, slot.StartMin%60, 0, 0, at.Location())
	if at.After(start.Add(s.lateGrace)) {
		return ClassLate, nil
	}
	return ClassPresent, nil
}

// Confirm marks a pending record confirmed. Owner-only and one-way.
func (s *Service) Confirm(ctx context.Context, caller domain.Caller, recordID string) (Record, error) {
	return s.review(ctx, caller, recordID, StatusConfirmed, "")
}

// Reject marks a pending record rejected with a reason the student will
// see. Owner-only and one-way.
func (s *Service) Reject(ctx context.Context, caller domain.Caller, recordID, reason string) (Record, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Record{}, domain.Validationf("rejection requires a reason")
	}
	return s.review(ctx, caller, recordID, StatusRejected, reason)
}

func (s *Service) review(ctx context.Context, caller domain.Caller, recordID string, to Status, reason string) (Record, error) {
	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if err := s.requireWindowOwner(ctx, caller, rec.WindowID); err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPending {
		return Record{}, domain.InvalidStatef("record %s is already reviewed (%s)", recordID, rec.Status)
	}
	next, ok, err := s.store.Review(ctx, recordID, to, caller.ID, s.clock(), reason)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, domain.InvalidStatef("record %s is already reviewed", recordID)
	}
	reviewsTotal.WithLabelValues(string(to)).Inc()
	return next, nil
}

// Get returns a record by id.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	return s.store.Get(ctx, id)
}

// AttachMatchScore stores the proof-verification similarity computed by
// the worker. It never changes the record's status.
func (s *Service) AttachMatchScore(ctx context.Context, recordID string, score float64) error {
	return s.store.SetMatchScore(ctx, recordID, score)
}

// ListByWindow returns a window's records for the owning teacher's
// review screen.
func (s *Service) ListByWindow(ctx context.Context, caller domain.Caller, windowID string) ([]Record, error) {
	if err := s.requireWindowOwner(ctx, caller, windowID); err != nil {
		return nil, err
	}
	return s.store.ListByWindow(ctx, windowID)
}

// ListByStudent returns a student's own history. Students may only read
// their own; teachers and admins may read anyone's.
func (s *Service) ListByStudent(ctx context.Context, caller domain.Caller, studentID string, limit, offset int) ([]Record, error) {
	if caller.Role == domain.RoleStudent && caller.ID != studentID {
		return nil, domain.Forbiddenf("students may only read their own records")
	}
	return s.store.ListByStudent(ctx, studentID, limit, offset)
}

// requireWindowOwner resolves the window first so a missing id is
// not-found for every role, then lets admins skip the slot lookup.
func (s *Service) requireWindowOwner(ctx context.Context, caller domain.Caller, windowID string) error {
	w, err := s.windows.Get(ctx, windowID)
	if err != nil {
		return err
	}
	if caller.IsAdmin() {
		return nil
	}
	slot, err := s.slots.Get(ctx, w.SlotID)
	if err != nil {
		return err
	}
	if slot.TeacherID != caller.ID {
		return domain.Forbiddenf("window %s belongs to another teacher", windowID)
	}
	return nil
}

func (s *Service) resolveWindow(ctx context.Context, ref WindowRef) (session.Window, error) {
	switch {
	case ref.ID != "":
		return s.windows.Get(ctx, ref.ID)
	case ref.Token != "":
		return s.windows.GetByToken(ctx, ref.Token)
	default:
		return session.Window{}, domain.Validationf("window id or token is required")
	}
}
