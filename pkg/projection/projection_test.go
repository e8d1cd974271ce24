package projection

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() config.Scope {
	return config.Scope{
		Name:       "ward-a",
		TimeZone:   "Europe/Dublin",
		CalendarID: "ward-a@calendar",
		Workers:    []config.Worker{{Ref: "alice", Name: "Alice Byrne"}},
	}
}

func testShift() *models.ShiftInstance {
	start := time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)
	return &models.ShiftInstance{
		ID:            "ward-a:s1@2024-07-01",
		Scope:         "ward-a",
		Start:         start,
		End:           start.Add(8 * time.Hour),
		WorkerRef:     "alice",
		DepartmentRef: "ED",
		Status:        models.StatusScheduled,
	}
}

func TestEventID(t *testing.T) {
	a := EventID("ward-a:s1@2024-07-01")
	assert.Equal(t, a, EventID("ward-a:s1@2024-07-01"))
	assert.NotEqual(t, a, EventID("ward-a:s2@2024-07-01"))
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-v]{5,1024}$`), a)
}

func TestEventFor(t *testing.T) {
	ev := EventFor(testShift(), testScope())
	assert.Equal(t, "Alice Byrne (09:00 - 17:00)", ev.Summary, "local times in the scope zone")
	assert.Equal(t, "ward-a@calendar", ev.CalendarID)
	assert.Contains(t, ev.Description, "ED")
	assert.Contains(t, ev.Description, "ref: ward-a:s1@2024-07-01")
	assert.Equal(t, "Europe/Dublin", ev.TimeZone)

	inst := testShift()
	inst.WorkerRef = "bob"
	assert.Equal(t, "bob (09:00 - 17:00)", EventFor(inst, testScope()).Summary)
}

func TestDesiredHash(t *testing.T) {
	scope := testScope()
	inst := testShift()
	h := DesiredHash(inst, scope)
	assert.Equal(t, h, DesiredHash(testShift(), scope))

	inst.WorkerRef = "bob"
	assert.NotEqual(t, h, DesiredHash(inst, scope))

	inst.Revision = 7
	inst.ProjectionHash = "x"
	assert.Equal(t, DesiredHash(inst, scope), Hash(EventFor(inst, scope)), "bookkeeping fields do not affect the hash")

	inst.Status = models.StatusCancelled
	assert.Equal(t, DeletedHash, DesiredHash(inst, scope))
}

type marks struct {
	calls []string
	err   error
}

func (m *marks) MarkProjected(_ context.Context, id, eventID, hash string) error {
	m.calls = append(m.calls, id+"|"+eventID+"|"+hash)
	return m.err
}

func TestSyncer_UpsertAndSkip(t *testing.T) {
	ctx := context.Background()
	cal := NewMemory()
	m := &marks{}
	s := &Syncer{Projector: cal, Ledger: m, Timeout: time.Second}
	inst := testShift()

	called, err := s.Sync(ctx, inst, testScope())
	require.NoError(t, err)
	assert.True(t, called)
	require.NotNil(t, inst.CalendarEventID)
	assert.Equal(t, EventID(inst.ID), *inst.CalendarEventID)
	assert.Equal(t, DesiredHash(inst, testScope()), inst.ProjectionHash)
	assert.Len(t, m.calls, 1)

	called, err = s.Sync(ctx, inst, testScope())
	require.NoError(t, err)
	assert.False(t, called, "unchanged payload is not re-sent")
	upserts, _ := cal.Calls()
	assert.Equal(t, 1, upserts)
}

func TestSyncer_Cancelled(t *testing.T) {
	ctx := context.Background()
	cal := NewMemory()
	m := &marks{}
	s := &Syncer{Projector: cal, Ledger: m}

	never := testShift()
	never.Status = models.StatusCancelled
	called, err := s.Sync(ctx, never, testScope())
	require.NoError(t, err)
	assert.False(t, called, "nothing to delete")
	assert.Equal(t, DeletedHash, never.ProjectionHash)

	inst := testShift()
	_, err = s.Sync(ctx, inst, testScope())
	require.NoError(t, err)
	require.Equal(t, 1, cal.Len("ward-a@calendar"))

	inst.Status = models.StatusCancelled
	called, err = s.Sync(ctx, inst, testScope())
	require.NoError(t, err)
	assert.True(t, called)
	assert.Zero(t, cal.Len("ward-a@calendar"))
	assert.Equal(t, DeletedHash, inst.ProjectionHash)
	assert.NotNil(t, inst.CalendarEventID, "the id is kept for a later revival")
}

func TestSyncer_Timeout(t *testing.T) {
	cal := NewMemory()
	cal.SetFailure(nil, time.Second)
	m := &marks{}
	s := &Syncer{Projector: cal, Ledger: m, Timeout: 10 * time.Millisecond}
	inst := testShift()

	_, err := s.Sync(context.Background(), inst, testScope())
	assert.ErrorIs(t, err, ledger.ErrAdapterTimeout)
	assert.Empty(t, m.calls, "a failed projection is not recorded")
	assert.Empty(t, inst.ProjectionHash)
}

func TestSyncer_Errors(t *testing.T) {
	boom := errors.New("backend unavailable")
	cal := NewMemory()
	cal.SetFailure(boom, 0)
	s := &Syncer{Projector: cal, Ledger: &marks{}}

	_, err := s.Sync(context.Background(), testShift(), testScope())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ledger.ErrAdapterTimeout)

	cal.SetFailure(nil, 0)
	s.Ledger = &marks{err: ledger.ErrNotFound}
	_, err = s.Sync(context.Background(), testShift(), testScope())
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemory_Shared(t *testing.T) {
	cal := NewMemory()
	require.NoError(t, cal.EnsureShared(context.Background(), "c", []string{"a@example.com"}))
	assert.True(t, cal.SharedWith("c", "a@example.com"))
	assert.False(t, cal.SharedWith("c", "b@example.com"))

	var _ Sharer = cal
	var _ Projector = cal
}
