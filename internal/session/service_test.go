package session

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
)

// fakeStore emulates the partial unique index: at most one open window
// per slot, enforced at insert under a lock like Postgres would.
type fakeStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

func newFakeStore() *fakeStore { return &fakeStore{windows: make(map[string]Window)} }

func (f *fakeStore) Insert(_ context.Context, w Window) (Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.windows {
		if other.SlotID == w.SlotID && other.Status != StatusClosed {
			return Window{}, domain.Conflictf("slot %s already has an open window", w.SlotID)
		}
	}
	f.windows[w.ID] = w
	return w, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[id]
	if !ok {
		return Window{}, domain.NotFoundf("window %s not found", id)
	}
	return w, nil
}

func (f *fakeStore) GetByToken(_ context.Context, token string) (Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.windows {
		if w.Token == token {
			return w, nil
		}
	}
	return Window{}, domain.NotFoundf("no window for this token")
}

func (f *fakeStore) OpenBySlot(_ context.Context, slotID string) (*Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.windows {
		if w.SlotID == slotID && w.Status != StatusClosed {
			out := w
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListBySlot(_ context.Context, slotID string) ([]Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Window
	for _, w := range f.windows {
		if w.SlotID == slotID {
			res = append(res, w)
		}
	}
	return res, nil
}

func (f *fakeStore) Transition(_ context.Context, id string, from []Status, to Status, closedAt *time.Time) (Window, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[id]
	if !ok {
		return Window{}, false, nil
	}
	matched := false
	for _, s := range from {
		if w.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return Window{}, false, nil
	}
	w.Status = to
	if closedAt != nil {
		t := *closedAt
		w.ClosedAt = &t
	}
	f.windows[id] = w
	return w, true, nil
}

// fakeSlots is a SlotSource over a fixed map.
type fakeSlots map[string]schedule.Slot

func (f fakeSlots) Get(_ context.Context, id string) (schedule.Slot, error) {
	s, ok := f[id]
	if !ok {
		return schedule.Slot{}, domain.NotFoundf("slot %s not found", id)
	}
	return s, nil
}

var monday = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC) // a Monday

func fixedClock(t time.Time) Clock { return func() time.Time { return t } }

func setup(t *testing.T) (*Service, *fakeStore, schedule.Slot, domain.Caller) {
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
	store := newFakeStore()
	svc := NewService(store, fakeSlots{slot.ID: slot}, fixedClock(monday.Add(8*time.Hour)))
	return svc, store, slot, domain.Caller{ID: slot.TeacherID, Role: domain.RoleTeacher}
}

func TestOpenMintsTokenAndStartsScheduled(t *testing.T) {
	svc, _, slot, owner := setup(t)

	w, err := svc.Open(context.Background(), owner, slot.ID, monday, "intro lecture", "")
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, w.Status)
	assert.Equal(t, PolicyManual, w.Policy, "manual is the default policy")
	assert.NotEmpty(t, w.Token)
	assert.Equal(t, owner.ID, w.OpenedBy)

	got, err := svc.Resolve(context.Background(), w.Token)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
}

func TestOpenGuards(t *testing.T) {
	svc, _, slot, owner := setup(t)
	ctx := context.Background()

	_, err := svc.Open(ctx, domain.Caller{ID: "intruder", Role: domain.RoleTeacher}, slot.ID, monday, "", "")
	assert.True(t, domain.IsKind(err, domain.KindForbidden))

	_, err = svc.Open(ctx, owner, "nope", monday, "", "")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	_, err = svc.Open(ctx, owner, slot.ID, monday, "", "sometimes")
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = svc.Open(ctx, owner, slot.ID, time.Time{}, "", "")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestOneOpenWindowPerSlot(t *testing.T) {
	svc, _, slot, owner := setup(t)
	ctx := context.Background()

	w1, err := svc.Open(ctx, owner, slot.ID, monday, "", "")
	require.NoError(t, err)

	_, err = svc.Open(ctx, owner, slot.ID, monday.AddDate(0, 0, 7), "", "")
	assert.True(t, domain.IsKind(err, domain.KindConflict), "second open must conflict, got %v", err)

	// still conflicts while the first window is merely active
	_, err = svc.Activate(ctx, owner, w1.ID)
	require.NoError(t, err)
	_, err = svc.Open(ctx, owner, slot.ID, monday.AddDate(0, 0, 7), "", "")
	assert.True(t, domain.IsKind(err, domain.KindConflict))

	// closing frees the slot
	_, err = svc.Close(ctx, owner, w1.ID)
	require.NoError(t, err)
	_, err = svc.Open(ctx, owner, slot.ID, monday.AddDate(0, 0, 7), "", "")
	assert.NoError(t, err)
}

func TestOpenInactiveSlot(t *testing.T) {
	svc, _, slot, owner := setup(t)
	slot.Active = false
	svc.slots = fakeSlots{slot.ID: slot}

	_, err := svc.Open(context.Background(), owner, slot.ID, monday, "", "")
	assert.True(t, domain.IsKind(err, domain.KindInvalidState), "got %v", err)
}

func TestLifecycleToggles(t *testing.T) {
	svc, _, slot, owner := setup(t)
	ctx := context.Background()

	w, err := svc.Open(ctx, owner, slot.ID, monday, "", "")
	require.NoError(t, err)

	w, err = svc.Activate(ctx, owner, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, w.Status)

	// pause is reversible
	w, err = svc.Deactivate(ctx, owner, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, w.Status)

	w, err = svc.Activate(ctx, owner, w.ID)
	require.NoError(t, err)

	w, err = svc.Close(ctx, owner, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, w.Status)
	require.NotNil(t, w.ClosedAt)

	// closed is terminal
	_, err = svc.Close(ctx, owner, w.ID)
	assert.True(t, domain.IsKind(err, domain.KindInvalidState))
	_, err = svc.Activate(ctx, owner, w.ID)
	assert.True(t, domain.IsKind(err, domain.KindInvalidState))
	_, err = svc.Deactivate(ctx, owner, w.ID)
	assert.True(t, domain.IsKind(err, domain.KindInvalidState))

	got, err := svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status, "status never reverts")
}

func TestLifecycleOwnership(t *testing.T) {
	svc, _, slot, owner := setup(t)
	ctx := context.Background()
	intruder := domain.Caller{ID: uuid.NewString(), Role: domain.RoleTeacher}
	admin := domain.Caller{ID: "root", Role: domain.RoleAdmin}

	w, err := svc.Open(ctx, owner, slot.ID, monday, "", "")
	require.NoError(t, err)

	_, err = svc.Activate(ctx, intruder, w.ID)
	assert.True(t, domain.IsKind(err, domain.KindForbidden))
	_, err = svc.Close(ctx, intruder, w.ID)
	assert.True(t, domain.IsKind(err, domain.KindForbidden))

	_, err = svc.Activate(ctx, admin, w.ID)
	assert.NoError(t, err, "admin bypasses ownership")
}

func TestListBySlotOwnerOnly(t *testing.T) {
	svc, _, slot, owner := setup(t)
	ctx := context.Background()

	w, err := svc.Open(ctx, owner, slot.ID, monday, "", "")
	require.NoError(t, err)
	_, err = svc.Close(ctx, owner, w.ID)
	require.NoError(t, err)
	_, err = svc.Open(ctx, owner, slot.ID, monday.AddDate(0, 0, 7), "", "")
	require.NoError(t, err)

	res, err := svc.ListBySlot(ctx, owner, slot.ID)
	require.NoError(t, err)
	assert.Len(t, res, 2)

	_, err = svc.ListBySlot(ctx, domain.Caller{ID: "intruder", Role: domain.RoleTeacher}, slot.ID)
	assert.True(t, domain.IsKind(err, domain.KindForbidden))
}

func TestResolveUnknownToken(t *testing.T) {
	svc, _, _, _ := setup(t)

	_, err := svc.Resolve(context.Background(), "deadbeef")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	_, err = svc.Resolve(context.Background(), "  ")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestAccepting(t *testing.T) {
	w := Window{Status: StatusActive, Date: monday}

	assert.True(t, Accepting(w, monday.Add(8*time.Hour)))
	assert.False(t, Accepting(w, monday.AddDate(0, 0, 1).Add(8*time.Hour)), "wrong calendar day")

	w.Status = StatusScheduled
	assert.False(t, Accepting(w, monday.Add(8*time.Hour)))
	w.Status = StatusClosed
	assert.False(t, Accepting(w, monday.Add(8*time.Hour)))
}

func TestQRCodeOwnerOnly(t *testing.T) {
	svc, _, slot, owner := setup(t)
	ctx := context.Background()

	w, err := svc.Open(ctx, owner, slot.ID, monday, "", "")
	require.NoError(t, err)

	png, err := svc.QRCode(ctx, owner, w.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, png)

	_, err = svc.QRCode(ctx, domain.Caller{ID: "intruder", Role: domain.RoleTeacher}, w.ID)
	assert.True(t, domain.IsKind(err, domain.KindForbidden))
}
