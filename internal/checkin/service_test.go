package checkin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classtrack/internal/domain"
	"classtrack/internal/schedule"
	"classtrack/internal/session"
)

// fakeStore emulates the real insert: the unique key on
// (window_id, student_id) rejects duplicates, and the status condition
// refuses writes once the window is no longer active — both decided at
// insert time under a lock, like Postgres. beforeInsert, when set, runs
// first so tests can commit a state change in the race gap between the
// service's precondition checks and the write.
type fakeStore struct {
	mu           sync.Mutex
	windows      *fakeWindows
	records      map[string]Record
	beforeInsert func()
}

func newFakeStore(windows *fakeWindows) *fakeStore {
	return &fakeStore{windows: windows, records: make(map[string]Record)}
}

func (f *fakeStore) Insert(ctx context.Context, rec Record) (Record, error) {
	if f.beforeInsert != nil {
		f.beforeInsert()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, err := f.windows.Get(ctx, rec.WindowID); err != nil || w.Status != session.StatusActive {
		return Record{}, domain.InvalidStatef("window %s is not accepting check-ins", rec.WindowID)
	}
	for _, other := range f.records {
		if other.WindowID == rec.WindowID && other.Student.ID == rec.Student.ID {
			return Record{}, domain.Conflictf("student %s already checked in to window %s", rec.Student.ID, rec.WindowID)
		}
	}
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return Record{}, domain.NotFoundf("record %s not found", id)
	}
	return rec, nil
}

func (f *fakeStore) Exists(_ context.Context, windowID, studentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.WindowID == windowID && rec.Student.ID == studentID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) Review(_ context.Context, id string, status Status, reviewer string, at time.Time, reason string) (Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.Status != StatusPending {
		return Record{}, false, nil
	}
	rec.Status = status
	rec.ReviewedBy = reviewer
	t := at
	rec.ReviewedAt = &t
	rec.RejectReason = reason
	f.records[id] = rec
	return rec, true, nil
}

func (f *fakeStore) SetMatchScore(_ context.Context, id string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return domain.NotFoundf("record %s not found", id)
	}
	rec.MatchScore = &score
	f.records[id] = rec
	return nil
}

func (f *fakeStore) ListByWindow(_ context.Context, windowID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Record
	for _, rec := range f.records {
		if rec.WindowID == windowID {
			res = append(res, rec)
		}
	}
	return res, nil
}

func (f *fakeStore) ListByStudent(_ context.Context, studentID string, _, _ int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Record
	for _, rec := range f.records {
		if rec.Student.ID == studentID {
			res = append(res, rec)
		}
	}
	return res, nil
}

type fakeWindows struct {
	mu      sync.Mutex
	windows map[string]session.Window
}

func (f *fakeWindows) Get(_ context.Context, id string) (session.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[id]
	if !ok {
		return session.Window{}, domain.NotFoundf("window %s not found", id)
	}
	return w, nil
}

func (f *fakeWindows) GetByToken(_ context.Context, token string) (session.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.windows {
		if w.Token == token {
			return w, nil
		}
	}
	return session.Window{}, domain.NotFoundf("no window for this token")
}

func (f *fakeWindows) set(w session.Window) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[w.ID] = w
}

type fakeSlots map[string]schedule.Slot

func (f fakeSlots) Get(_ context.Context, id string) (schedule.Slot, error) {
	s, ok := f[id]
	if !ok {
		return schedule.Slot{}, domain.NotFoundf("slot %s not found", id)
	}
	return s, nil
}

var monday = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC) // a Monday

func asStudent(id string) domain.Caller { return domain.Caller{ID: id, Role: domain.RoleStudent} }

type fixture struct {
	svc     *Service
	store   *fakeStore
	windows *fakeWindows
	slot    schedule.Slot
	window  session.Window
	owner   domain.Caller
}

// newFixture builds an active window on 2024-05-06 for a Monday
// 08:00-09:30 slot, with the clock at 08:05 that day.
func newFixture(t *testing.T, policy session.ReviewPolicy) *fixture {
	t.Helper()
	slot := schedule.Slot{
		ID:        uuid.NewString(),
		TeacherID: uuid.NewString(),
		ClassID:   uuid.NewString(),
		Weekday:   time.Monday,
		StartMin:  8 * 60,
		EndMin:    9*60 + 30,
		Active:    true,
	}
	window := session.Window{
		ID:     uuid.NewString(),
		SlotID: slot.ID,
		Date:   monday,
		Status: session.StatusActive,
		Policy: policy,
		Token:  "746f6b656e",
	}
	windows := &fakeWindows{windows: map[string]session.Window{window.ID: window}}
	store := newFakeStore(windows)
	clock := func() time.Time { return monday.Add(8*time.Hour + 5*time.Minute) }
	svc := NewService(store, windows, fakeSlots{slot.ID: slot}, clock, 10*time.Minute)
	return &fixture{
		svc:     svc,
		store:   store,
		windows: windows,
		slot:    slot,
		window:  window,
		owner:   domain.Caller{ID: slot.TeacherID, Role: domain.RoleTeacher},
	}
}

func submitFor(f *fixture, studentID string) SubmitInput {
	return SubmitInput{
		Window:   WindowRef{ID: f.window.ID},
		Student:  domain.StudentIdentity{ID: studentID},
		ProofURL: "https://img.example/selfie.jpg",
	}
}

func TestSubmitHappyPath(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Empty(t, rec.Classification)
	assert.Equal(t, f.window.ID, rec.WindowID)
	assert.Equal(t, monday.Add(8*time.Hour+5*time.Minute), rec.SubmittedAt)
}

func TestSubmitByToken(t *testing.T) {
	f := newFixture(t, session.PolicyManual)

	rec, err := f.svc.Submit(context.Background(), asStudent("student-1"), SubmitInput{
		Window:  WindowRef{Token: f.window.Token},
		Student: domain.StudentIdentity{ID: "student-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, f.window.ID, rec.WindowID)

	_, err = f.svc.Submit(context.Background(), asStudent("student-2"), SubmitInput{
		Window:  WindowRef{Token: "bogus"},
		Student: domain.StudentIdentity{ID: "student-2"},
	})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestSubmitPreconditions(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, asStudent("s"), SubmitInput{Window: WindowRef{ID: f.window.ID}})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "missing identity")

	_, err = f.svc.Submit(ctx, asStudent("s"), SubmitInput{Student: domain.StudentIdentity{ID: "s"}})
	assert.True(t, domain.IsKind(err, domain.KindValidation), "missing window ref")

	_, err = f.svc.Submit(ctx, asStudent("s"), SubmitInput{Window: WindowRef{ID: "nope"}, Student: domain.StudentIdentity{ID: "s"}})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	w := f.window
	w.Status = session.StatusScheduled
	f.windows.set(w)
	_, err = f.svc.Submit(ctx, asStudent("s"), submitFor(f, "s"))
	assert.True(t, domain.IsKind(err, domain.KindInvalidState), "scheduled window: got %v", err)

	w.Status = session.StatusActive
	w.Date = monday.AddDate(0, 0, 7)
	f.windows.set(w)
	_, err = f.svc.Submit(ctx, asStudent("s"), submitFor(f, "s"))
	assert.True(t, domain.IsKind(err, domain.KindInvalidState), "wrong date: got %v", err)
}

func TestClosedWindowRejectsSubmits(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	w := f.window
	w.Status = session.StatusClosed
	f.windows.set(w)

	_, err := f.svc.Submit(ctx, asStudent("student-2"), submitFor(f, "student-2"))
	assert.True(t, domain.IsKind(err, domain.KindInvalidState), "got %v", err)
}

func TestSubmitRacingCloseFails(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	// the window closes after every precondition passes but before the
	// insert commits; the status condition on the write must refuse it
	f.store.beforeInsert = func() {
		w := f.window
		w.Status = session.StatusClosed
		f.windows.set(w)
	}
	_, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	assert.True(t, domain.IsKind(err, domain.KindInvalidState), "got %v", err)
	assert.Empty(t, f.store.records, "no record may persist against a closed window")
}

func TestSubmitRacingDeactivateFails(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	f.store.beforeInsert = func() {
		w := f.window
		w.Status = session.StatusScheduled
		f.windows.set(w)
	}
	_, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	assert.True(t, domain.IsKind(err, domain.KindInvalidState), "got %v", err)
	assert.Empty(t, f.store.records)
}

func TestSubmitDuplicate(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	assert.True(t, domain.IsKind(err, domain.KindConflict), "got %v", err)

	// a different student is fine
	_, err = f.svc.Submit(ctx, asStudent("student-2"), submitFor(f, "student-2"))
	assert.NoError(t, err)
}

func TestConcurrentDuplicatesYieldOneRecord(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	const n = 16
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.IsKind(err, domain.KindConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one submission wins")
	assert.Equal(t, n-1, conflicts)
	assert.Len(t, f.store.records, 1)
}

func TestAutoPolicyClassifies(t *testing.T) {
	f := newFixture(t, session.PolicyAuto)
	ctx := context.Background()

	// 08:05 with a 10 minute grace on an 08:00 slot: present
	rec, err := f.svc.Submit(ctx, asStudent("on-time"), submitFor(f, "on-time"))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status, "auto records are born terminal")
	assert.Equal(t, ClassPresent, rec.Classification)

	// teacher backdating past the grace: late
	at := monday.Add(8*time.Hour + 25*time.Minute)
	in := submitFor(f, "straggler")
	in.At = &at
	rec, err = f.svc.Submit(ctx, f.owner, in)
	require.NoError(t, err)
	assert.Equal(t, ClassLate, rec.Classification)

	// teacher backfilling an absence wins over the time rule
	in = submitFor(f, "no-show")
	in.Classification = ClassAbsent
	rec, err = f.svc.Submit(ctx, f.owner, in)
	require.NoError(t, err)
	assert.Equal(t, ClassAbsent, rec.Classification)

	in = submitFor(f, "weird")
	in.Classification = "tardy"
	_, err = f.svc.Submit(ctx, f.owner, in)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestStudentOverridesForbidden(t *testing.T) {
	f := newFixture(t, session.PolicyAuto)
	ctx := context.Background()

	in := submitFor(f, "student-1")
	in.Classification = ClassPresent
	_, err := f.svc.Submit(ctx, asStudent("student-1"), in)
	assert.True(t, domain.IsKind(err, domain.KindForbidden), "self-graded classification: got %v", err)

	at := monday.Add(8 * time.Hour)
	in = submitFor(f, "student-1")
	in.At = &at
	_, err = f.svc.Submit(ctx, asStudent("student-1"), in)
	assert.True(t, domain.IsKind(err, domain.KindForbidden), "backdated timestamp: got %v", err)

	_, err = f.svc.Submit(ctx, asStudent("imposter"), submitFor(f, "student-1"))
	assert.True(t, domain.IsKind(err, domain.KindForbidden), "checking in somebody else: got %v", err)

	assert.Empty(t, f.store.records)
}

func TestManualPolicyRefusesClassification(t *testing.T) {
	f := newFixture(t, session.PolicyManual)

	in := submitFor(f, "student-1")
	in.Classification = ClassPresent
	_, err := f.svc.Submit(context.Background(), f.owner, in)
	assert.True(t, domain.IsKind(err, domain.KindValidation), "got %v", err)
}

func TestReviewWorkflow(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	require.NoError(t, err)

	got, err := f.svc.Confirm(ctx, f.owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, f.owner.ID, got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)

	// terminal: neither direction works anymore
	_, err = f.svc.Confirm(ctx, f.owner, rec.ID)
	assert.True(t, domain.IsKind(err, domain.KindInvalidState))
	_, err = f.svc.Reject(ctx, f.owner, rec.ID, "changed my mind")
	assert.True(t, domain.IsKind(err, domain.KindInvalidState))

	unchanged, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, unchanged.Status)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, f.owner, rec.ID, "  ")
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	got, err := f.svc.Reject(ctx, f.owner, rec.ID, "face does not match")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "face does not match", got.RejectReason)
}

func TestReviewOwnership(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()
	intruder := domain.Caller{ID: uuid.NewString(), Role: domain.RoleTeacher}
	admin := domain.Caller{ID: "root", Role: domain.RoleAdmin}

	rec, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, intruder, rec.ID)
	assert.True(t, domain.IsKind(err, domain.KindForbidden))

	_, err = f.svc.Confirm(ctx, admin, rec.ID)
	assert.NoError(t, err, "admin bypasses ownership")
}

func TestListAccess(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	require.NoError(t, err)

	recs, err := f.svc.ListByWindow(ctx, f.owner, f.window.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = f.svc.ListByWindow(ctx, domain.Caller{ID: "intruder", Role: domain.RoleTeacher}, f.window.ID)
	assert.True(t, domain.IsKind(err, domain.KindForbidden))

	// a missing window is not-found for admins too
	_, err = f.svc.ListByWindow(ctx, domain.Caller{ID: "root", Role: domain.RoleAdmin}, "missing")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	student := asStudent("student-1")
	recs, err = f.svc.ListByStudent(ctx, student, "student-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = f.svc.ListByStudent(ctx, student, "student-2", 0, 0)
	assert.True(t, domain.IsKind(err, domain.KindForbidden))
}

func TestAttachMatchScore(t *testing.T) {
	f := newFixture(t, session.PolicyManual)
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, asStudent("student-1"), submitFor(f, "student-1"))
	require.NoError(t, err)

	require.NoError(t, f.svc.AttachMatchScore(ctx, rec.ID, 0.87))
	got, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MatchScore)
	assert.InDelta(t, 0.87, *got.MatchScore, 1e-9)
	assert.Equal(t, StatusPending, got.Status, "scoring never changes status")
}
