package reconciler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arnavshah/rota-swap-go/internal/testutil"
	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/arnavshah/rota-swap-go/pkg/notify"
	"github.com/arnavshah/rota-swap-go/pkg/projection"
	"github.com/arnavshah/rota-swap-go/pkg/reconciler"
	"github.com/arnavshah/rota-swap-go/pkg/source"
	"github.com/arnavshah/rota-swap-go/pkg/swap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store    *ledger.Store
	cal      *projection.Memory
	static   *source.Static
	notes    *testutil.Recorder
	rec      *reconciler.Reconciler
	scope    config.Scope
	snapshot []models.SourceRecord
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:  testutil.NewStore(t),
		cal:    projection.NewMemory(),
		static: source.NewStatic(),
		notes:  &testutil.Recorder{},
		scope:  testutil.Scope("ward-a", "alice", "bob"),
	}
	f.scope.Workers[0].Emails = []string{"alice@example.com"}
	syncer := &projection.Syncer{Projector: f.cal, Ledger: f.store, Timeout: time.Second}
	f.rec = reconciler.New(f.store, f.static, syncer, f.notes, ledger.NewKeyLocker(), zap.NewNop())
	f.rec.Now = testutil.Clock
	return f
}

func (f *fixture) push(records ...models.SourceRecord) {
	f.static.Set(f.scope.Name, models.Snapshot{Records: records})
}

func (f *fixture) pass(t *testing.T) *models.ReconciliationReport {
	t.Helper()
	report, err := f.rec.RunPass(context.Background(), f.scope)
	require.NoError(t, err)
	return report
}

func (f *fixture) only(t *testing.T) models.ShiftInstance {
	t.Helper()
	all, err := f.store.ListByExternalWindow(context.Background(), f.scope.Name, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	return all[0]
}

func nineToFive() models.SourceRecord {
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	return models.SourceRecord{SourceRecordID: "s1", Start: start, End: start.Add(8 * time.Hour), AssigneeRef: "alice"}
}

func TestRunPass_InsertsAndProjects(t *testing.T) {
	f := newFixture(t)
	f.push(nineToFive())

	report := f.pass(t)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, report.Projected)
	assert.Zero(t, report.Failed)

	inst := f.only(t)
	assert.Equal(t, "ward-a:s1@2024-03-04", inst.ID)
	assert.Equal(t, models.StatusScheduled, inst.Status)
	require.NotNil(t, inst.CalendarEventID)
	assert.Equal(t, 1, f.cal.Len(f.scope.CalendarID))

	ev, ok := f.cal.Event(f.scope.CalendarID, *inst.CalendarEventID)
	require.True(t, ok)
	assert.Equal(t, "alice (09:00 - 17:00)", ev.Summary)
	assert.Equal(t, []notify.Kind{notify.KindShiftAssigned}, f.notes.Kinds("alice"))
	assert.True(t, f.cal.SharedWith(f.scope.CalendarID, "alice@example.com"))
}

func TestRunPass_UpdateReusesEvent(t *testing.T) {
	f := newFixture(t)
	rec := nineToFive()
	f.push(rec)
	f.pass(t)
	before := f.only(t)
	f.notes.Reset()

	rec.End = rec.End.Add(time.Hour)
	f.push(rec)
	report := f.pass(t)

	assert.Equal(t, 1, report.Updated)
	after := f.only(t)
	assert.Equal(t, before.Revision+1, after.Revision)
	assert.True(t, after.End.Equal(rec.End))
	assert.Equal(t, *before.CalendarEventID, *after.CalendarEventID, "same external event")
	assert.Equal(t, 1, f.cal.Len(f.scope.CalendarID))
	assert.Equal(t, []notify.Kind{notify.KindShiftChanged}, f.notes.Kinds("alice"))
	assert.Len(t, f.notes.All, 1)
}

func TestRunPass_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.push(nineToFive(), testutil.Record("s2", "bob", 48, 8))
	f.pass(t)
	upserts, deletes := f.cal.Calls()

	report := f.pass(t)
	assert.Zero(t, report.Mutations())
	assert.Equal(t, 2, report.Unchanged)
	assert.Zero(t, report.Projected)

	u2, d2 := f.cal.Calls()
	assert.Equal(t, upserts, u2)
	assert.Equal(t, deletes, d2)

	all, err := f.store.ListByExternalWindow(context.Background(), f.scope.Name, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "no duplicate identities")
}

func TestRunPass_ReassignNotifiesBoth(t *testing.T) {
	f := newFixture(t)
	rec := nineToFive()
	f.push(rec)
	f.pass(t)
	f.notes.Reset()

	rec.AssigneeRef = "bob"
	f.push(rec)
	f.pass(t)

	assert.Equal(t, []notify.Kind{notify.KindShiftUnassigned}, f.notes.Kinds("alice"))
	assert.Equal(t, []notify.Kind{notify.KindShiftAssigned}, f.notes.Kinds("bob"))
	assert.Equal(t, "bob", f.only(t).WorkerRef)
}

func TestRunPass_RemovalCancelsAndRevives(t *testing.T) {
	f := newFixture(t)
	rec := nineToFive()
	f.push(rec)
	f.pass(t)

	f.push()
	report := f.pass(t)
	assert.Equal(t, 1, report.Cancelled)
	inst := f.only(t)
	assert.Equal(t, models.StatusCancelled, inst.Status)
	assert.Zero(t, f.cal.Len(f.scope.CalendarID))

	report = f.pass(t)
	assert.Zero(t, report.Mutations(), "cancelled shifts stay cancelled")

	f.push(rec)
	report = f.pass(t)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, models.StatusScheduled, f.only(t).Status)
	assert.Equal(t, 1, f.cal.Len(f.scope.CalendarID))
}

func TestRunPass_RemovalRejectsPendingSwap(t *testing.T) {
	f := newFixture(t)
	f.push(nineToFive())
	f.pass(t)
	inst := f.only(t)

	bob := "bob"
	_, err := f.store.CreateSwapRequest(context.Background(), &models.SwapRequest{
		ID: "swap-1", Scope: f.scope.Name, Kind: models.KindDirect,
		RequesterRef: "alice", ShiftID: inst.ID, CounterpartRef: &bob,
	}, nil)
	require.NoError(t, err)
	f.notes.Reset()

	f.push()
	report := f.pass(t)
	assert.Equal(t, 1, report.Cancelled)
	assert.Equal(t, 1, report.SwapsRejected)

	got := f.only(t)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.PendingSwapID)

	req, err := f.store.GetSwapRequest(context.Background(), "swap-1")
	require.NoError(t, err)
	assert.Equal(t, models.SwapRejected, req.State)
	assert.Equal(t, reconciler.ReasonSourceRemoved, req.Reason)

	assert.Equal(t, []notify.Kind{notify.KindShiftCancelled}, f.notes.Kinds("alice"))
	assert.Equal(t, []notify.Kind{notify.KindSwapRejected}, f.notes.Kinds("bob"))
}

func TestRunPass_SourceChangeKeepsPendingSwap(t *testing.T) {
	f := newFixture(t)
	rec := nineToFive()
	f.push(rec)
	f.pass(t)
	inst := f.only(t)

	_, err := f.store.CreateSwapRequest(context.Background(), &models.SwapRequest{
		ID: "swap-1", Scope: f.scope.Name, Kind: models.KindMarketplace,
		RequesterRef: "alice", ShiftID: inst.ID,
	}, nil)
	require.NoError(t, err)

	rec.End = rec.End.Add(30 * time.Minute)
	f.push(rec)
	report := f.pass(t)
	assert.Equal(t, 1, report.Updated)

	got := f.only(t)
	assert.True(t, got.End.Equal(rec.End), "source wins for timing")
	assert.Equal(t, models.StatusClaimable, got.Status)
	require.NotNil(t, got.PendingSwapID)
	assert.Equal(t, "swap-1", *got.PendingSwapID)
}

func TestRunPass_RecordConflictIsIsolated(t *testing.T) {
	f := newFixture(t)
	first := nineToFive()
	dup := first
	dup.AssigneeRef = "bob"
	dup.Start = first.Start.Add(2 * time.Hour)
	other := testutil.Record("s2", "bob", 72, 8)
	f.push(first, dup, other)

	report := f.pass(t)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, models.FailureRecordConflict, report.Failures[0].Kind)

	got, err := f.store.Get(context.Background(), "ward-a:s1@2024-03-04")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.WorkerRef, "first record wins")
}

func TestRunPass_InvalidRecordDoesNotCancel(t *testing.T) {
	f := newFixture(t)
	rec := nineToFive()
	f.push(rec)
	f.pass(t)

	broken := rec
	broken.AssigneeRef = ""
	f.push(broken)
	report := f.pass(t)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, models.FailureInvalidRecord, report.Failures[0].Kind)
	assert.Zero(t, report.Cancelled)
	assert.Equal(t, models.StatusScheduled, f.only(t).Status)
}

func TestRunPass_ProjectionTimeoutRetriesNextPass(t *testing.T) {
	f := newFixture(t)
	f.rec.Syncer.Timeout = 20 * time.Millisecond
	f.cal.SetFailure(nil, 200*time.Millisecond)
	f.push(nineToFive())

	report := f.pass(t)
	assert.Equal(t, 1, report.Inserted, "ledger mutation is unaffected")
	assert.Equal(t, 1, report.ProjectionFailed)
	assert.Equal(t, models.FailureAdapterTimeout, report.Failures[0].Kind)
	assert.Nil(t, f.only(t).CalendarEventID)

	f.cal.SetFailure(nil, 0)
	report = f.pass(t)
	assert.Zero(t, report.Mutations())
	assert.Equal(t, 1, report.Projected)
	assert.NotNil(t, f.only(t).CalendarEventID)
}

func TestRunPass_ProjectionErrorIsReported(t *testing.T) {
	f := newFixture(t)
	f.cal.SetFailure(errors.New("calendar unavailable"), 0)
	f.push(nineToFive())

	report := f.pass(t)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, report.ProjectionFailed)
	assert.Equal(t, models.FailureProjection, report.Failures[0].Kind)
}

func TestRunPass_WindowLimitsRemoval(t *testing.T) {
	f := newFixture(t)
	f.push(nineToFive(), testutil.Record("s2", "bob", 24*30, 8))
	f.pass(t)

	f.static.Set(f.scope.Name, models.Snapshot{
		Records: []models.SourceRecord{nineToFive()},
		From:    testutil.Now,
		To:      testutil.Now.Add(7 * 24 * time.Hour),
	})
	report := f.pass(t)
	assert.Zero(t, report.Cancelled, "shifts outside the window are left alone")
	assert.Equal(t, 1, report.Unchanged)
}

type slowSource struct{}

func (slowSource) FetchSnapshot(ctx context.Context, _ config.Scope) (models.Snapshot, error) {
	<-ctx.Done()
	return models.Snapshot{}, ctx.Err()
}

func TestRunPass_FetchTimeout(t *testing.T) {
	f := newFixture(t)
	f.rec.Source = slowSource{}
	f.rec.FetchTimeout = 10 * time.Millisecond

	_, err := f.rec.RunPass(context.Background(), f.scope)
	assert.ErrorIs(t, err, ledger.ErrAdapterTimeout)
}

// engine builds a swap engine over the fixture's store, calendar and locks
func (f *fixture) engine() *swap.Engine {
	cfg := &config.Config{Scopes: []config.Scope{f.scope}}
	e := swap.NewEngine(f.store, f.rec.Syncer, f.notes, f.rec.Locks, cfg.Scope, 72*time.Hour, zap.NewNop())
	e.Now = testutil.Clock
	return e
}

func (f *fixture) acceptedSwap(t *testing.T, e *swap.Engine, shiftID string) *models.SwapRequest {
	t.Helper()
	ctx := context.Background()
	req, err := e.Create(ctx, swap.CreateInput{Requester: "alice", ShiftID: shiftID})
	require.NoError(t, err)
	req, err = e.Accept(ctx, req.ID, "bob")
	require.NoError(t, err)
	return req
}

func TestRunPass_CommittedSwapSurvives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := nineToFive()
	f.push(rec)
	f.pass(t)
	e := f.engine()

	req := f.acceptedSwap(t, e, f.only(t).ID)
	_, err := e.Commit(ctx, req.ID)
	require.NoError(t, err)
	f.notes.Reset()

	report := f.pass(t)
	if report.Mutations() != 0 {
		t.Errorf("unchanged source after a commit: got %d mutations, want 0", report.Mutations())
	}
	assert.Equal(t, 1, report.Unchanged)
	assert.Zero(t, report.Projected)
	assert.Empty(t, f.notes.All)

	got := f.only(t)
	assert.Equal(t, "bob", got.WorkerRef)
	assert.Equal(t, "alice", got.SourceAssigneeRef)

	// a timing change still flows through without undoing the swap
	rec.End = rec.End.Add(time.Hour)
	f.push(rec)
	report = f.pass(t)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, "bob", f.only(t).WorkerRef)
	assert.Equal(t, []notify.Kind{notify.KindShiftChanged}, f.notes.Kinds("bob"))
	assert.Empty(t, f.notes.Kinds("alice"))
}

func TestRunPass_SourceReassignAfterCommit(t *testing.T) {
	f := newFixture(t)
	rec := nineToFive()
	f.push(rec)
	f.pass(t)
	e := f.engine()

	req := f.acceptedSwap(t, e, f.only(t).ID)
	_, err := e.Commit(context.Background(), req.ID)
	require.NoError(t, err)
	f.notes.Reset()

	// the source now names bob itself, which matches the ledger
	rec.AssigneeRef = "bob"
	f.push(rec)
	report := f.pass(t)
	assert.Equal(t, 1, report.Updated)
	assert.Empty(t, f.notes.All, "worker did not change")
	got := f.only(t)
	assert.Equal(t, "bob", got.WorkerRef)
	assert.Equal(t, "bob", got.SourceAssigneeRef)

	// and then moves it back to alice as a new fact
	rec.AssigneeRef = "alice"
	f.push(rec)
	f.pass(t)
	assert.Equal(t, "alice", f.only(t).WorkerRef)
	assert.Equal(t, []notify.Kind{notify.KindShiftUnassigned}, f.notes.Kinds("bob"))
	assert.Equal(t, []notify.Kind{notify.KindShiftAssigned}, f.notes.Kinds("alice"))
}

func TestCommit_AfterRemovalIsStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.push(nineToFive())
	f.pass(t)
	e := f.engine()
	req := f.acceptedSwap(t, e, f.only(t).ID)

	f.push()
	report := f.pass(t)
	require.Equal(t, 1, report.Cancelled)
	require.Equal(t, 1, report.SwapsRejected)

	_, err := e.Commit(ctx, req.ID)
	if !errors.Is(err, ledger.ErrStaleShift) {
		t.Errorf("commit after the shift was removed: got %v, want %v", err, ledger.ErrStaleShift)
	}

	got := f.only(t)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "alice", got.WorkerRef, "no reassignment")

	final, err := e.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapRejected, final.State)
	assert.Equal(t, reconciler.ReasonSourceRemoved, final.Reason)
}

func TestCommit_AfterSourceReassign(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.scope = testutil.Scope("ward-a", "alice", "bob", "carol")
	rec := nineToFive()
	f.push(rec)
	f.pass(t)
	e := f.engine()
	req := f.acceptedSwap(t, e, f.only(t).ID)

	rec.AssigneeRef = "carol"
	f.push(rec)
	report := f.pass(t)
	assert.Equal(t, 1, report.Updated)
	held := f.only(t)
	assert.Equal(t, "carol", held.WorkerRef)
	assert.Equal(t, models.StatusClaimable, held.Status, "the swap still holds the shift")
	f.notes.Reset()

	_, err := e.Commit(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", f.only(t).WorkerRef)
	assert.Equal(t, []notify.Kind{notify.KindShiftLost}, f.notes.Kinds("carol"))
	assert.Equal(t, []notify.Kind{notify.KindShiftGained}, f.notes.Kinds("bob"))

	f.notes.Reset()
	report = f.pass(t)
	assert.Zero(t, report.Mutations())
	assert.Equal(t, "bob", f.only(t).WorkerRef)
	assert.Empty(t, f.notes.All)
}
