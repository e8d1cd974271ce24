package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arnavshah/rota-swap-go/internal/testutil"
	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert_InsertAndRevision(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)

	inst := testutil.Shift(t, store, "ward-a", "r1", "alice", 24, 8)
	assert.Equal(t, int64(1), inst.Revision)
	assert.Equal(t, models.StatusScheduled, inst.Status)

	next := *inst
	next.WorkerRef = "bob"
	updated, err := store.Upsert(ctx, &next, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Revision)

	_, err = store.Upsert(ctx, &next, 1)
	assert.ErrorIs(t, err, ledger.ErrConflict, "stale revision must be rejected")

	_, err = store.Upsert(ctx, inst, 0)
	assert.ErrorIs(t, err, ledger.ErrConflict, "second insert of the same identity")

	got, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.WorkerRef)
	assert.Equal(t, int64(2), got.Revision)
}

func TestUpsert_RejectsInvalidShift(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)

	start := testutil.Now
	_, err := store.Upsert(ctx, &models.ShiftInstance{
		ID: "ward-a:r1@2024-03-01", Scope: "ward-a", SourceRecordID: "r1",
		Start: start, End: start, WorkerRef: "alice",
	}, 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	_, err = store.Upsert(ctx, &models.ShiftInstance{
		ID: "ward-a:r2@2024-03-01", Scope: "ward-a", SourceRecordID: "r2",
		Start: start, End: start.Add(time.Hour), WorkerRef: "alice",
		Status: models.StatusClaimable,
	}, 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest, "pending status needs a swap request")
}

func TestGet_NotFound(t *testing.T) {
	store := testutil.NewStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestListByExternalWindow(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	testutil.Shift(t, store, "ward-a", "r1", "alice", 1, 8)
	testutil.Shift(t, store, "ward-a", "r2", "bob", 48, 8)
	testutil.Shift(t, store, "ward-b", "r3", "carol", 1, 8)

	all, err := store.ListByExternalWindow(ctx, "ward-a", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	window, err := store.ListByExternalWindow(ctx, "ward-a", testutil.Now, testutil.Now.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "alice", window[0].WorkerRef)
}

func TestListByWorker_SkipsCancelled(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	a := testutil.Shift(t, store, "ward-a", "r1", "alice", 1, 8)
	testutil.Shift(t, store, "ward-a", "r2", "alice", 30, 8)

	cancelled := *a
	cancelled.Status = models.StatusCancelled
	_, err := store.Upsert(ctx, &cancelled, a.Revision)
	require.NoError(t, err)

	live, err := store.ListByWorker(ctx, "alice", testutil.Now, testutil.Now.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "r2", live[0].SourceRecordID)
}

func TestMarkProjected_DoesNotBumpRevision(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	a := testutil.Shift(t, store, "ward-a", "r1", "alice", 1, 8)
	b := testutil.Shift(t, store, "ward-a", "r2", "bob", 1, 8)

	require.NoError(t, store.MarkProjected(ctx, a.ID, "evt1", "hash1"))
	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Revision)
	require.NotNil(t, got.CalendarEventID)
	assert.Equal(t, "evt1", *got.CalendarEventID)
	assert.Equal(t, "hash1", got.ProjectionHash)

	err = store.MarkProjected(ctx, b.ID, "evt1", "hash2")
	assert.ErrorIs(t, err, ledger.ErrConflict, "event ids are never shared between shifts")

	assert.ErrorIs(t, store.MarkProjected(ctx, "missing", "evt2", "h"), ledger.ErrNotFound)
}

func newRequest(id, requester, shiftID string, kind models.SwapKind) *models.SwapRequest {
	return &models.SwapRequest{ID: id, Scope: "ward-a", Kind: kind, RequesterRef: requester, ShiftID: shiftID}
}

func TestCreateSwapRequest_ClaimsShift(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	sh := testutil.Shift(t, store, "ward-a", "r1", "alice", 24, 8)

	req, err := store.CreateSwapRequest(ctx, newRequest("swap-1", "alice", sh.ID, models.KindMarketplace), nil)
	require.NoError(t, err)
	assert.Equal(t, models.SwapOpen, req.State)

	got, err := store.Get(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClaimable, got.Status)
	require.NotNil(t, got.PendingSwapID)
	assert.Equal(t, "swap-1", *got.PendingSwapID)
	assert.Equal(t, int64(2), got.Revision)

	_, err = store.CreateSwapRequest(ctx, newRequest("swap-2", "alice", sh.ID, models.KindMarketplace), nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
}

func TestCreateSwapRequest_Exclusive(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	sh := testutil.Shift(t, store, "ward-a", "r1", "alice", 24, 8)

	const n = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ok  int
		bad int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "swap-" + string(rune('a'+i))
			_, err := store.CreateSwapRequest(ctx, newRequest(id, "alice", sh.ID, models.KindMarketplace), nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				bad++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, bad)

	open, err := store.ListSwapRequests(ctx, ledger.SwapFilter{State: models.SwapOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCreateSwapRequest_EffectErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	sh := testutil.Shift(t, store, "ward-a", "r1", "alice", 24, 8)

	_, err := store.CreateSwapRequest(ctx, newRequest("swap-1", "alice", sh.ID, models.KindDirect),
		func(ledger.Tx, *models.SwapRequest) error { return ledger.ErrInvalidRequest })
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	got, err := store.Get(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusScheduled, got.Status)
	assert.Nil(t, got.PendingSwapID)

	_, err = store.GetSwapRequest(ctx, "swap-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestTransitionSwapRequest(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	sh := testutil.Shift(t, store, "ward-a", "r1", "alice", 24, 8)
	_, err := store.CreateSwapRequest(ctx, newRequest("swap-1", "alice", sh.ID, models.KindMarketplace), nil)
	require.NoError(t, err)

	_, err = store.TransitionSwapRequest(ctx, "swap-1", models.SwapOpen, models.SwapCommitted, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest, "open cannot jump to committed")

	bob := "bob"
	accepted, err := store.TransitionSwapRequest(ctx, "swap-1", models.SwapOpen, models.SwapAccepted,
		func(_ ledger.Tx, r *models.SwapRequest) error {
			r.ResponderRef = &bob
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, models.SwapAccepted, accepted.State)

	_, err = store.TransitionSwapRequest(ctx, "swap-1", models.SwapOpen, models.SwapAccepted, nil)
	assert.ErrorIs(t, err, ledger.ErrConflict, "expected state no longer holds")

	committed, err := store.TransitionSwapRequest(ctx, "swap-1", models.SwapAccepted, models.SwapCommitted,
		func(tx ledger.Tx, r *models.SwapRequest) error {
			s, err := tx.Shift(r.ShiftID)
			if err != nil {
				return err
			}
			s.WorkerRef = *r.ResponderRef
			tx.Touch(s)
			return nil
		})
	require.NoError(t, err)
	assert.NotNil(t, committed.ResolvedAt)

	got, err := store.Get(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.WorkerRef)
	assert.Equal(t, models.StatusScheduled, got.Status)
	assert.Nil(t, got.PendingSwapID)
	assert.Equal(t, int64(3), got.Revision, "one bump for create, one for commit")

	_, err = store.CreateSwapRequest(ctx, newRequest("swap-2", "bob", sh.ID, models.KindMarketplace), nil)
	assert.NoError(t, err, "lock released after a terminal transition")
}

func TestTransitionSwapRequest_TouchWithoutReadFails(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	sh := testutil.Shift(t, store, "ward-a", "r1", "alice", 24, 8)
	_, err := store.CreateSwapRequest(ctx, newRequest("swap-1", "alice", sh.ID, models.KindMarketplace), nil)
	require.NoError(t, err)

	_, err = store.TransitionSwapRequest(ctx, "swap-1", models.SwapOpen, models.SwapRejected,
		func(tx ledger.Tx, _ *models.SwapRequest) error {
			tx.Touch(sh)
			return nil
		})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	req, err := store.GetSwapRequest(ctx, "swap-1")
	require.NoError(t, err)
	assert.Equal(t, models.SwapOpen, req.State)
}

func TestListExpiredSwapRequests(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	a := testutil.Shift(t, store, "ward-a", "r1", "alice", 24, 8)
	b := testutil.Shift(t, store, "ward-a", "r2", "alice", 48, 8)

	soon := testutil.Now.Add(time.Hour)
	later := testutil.Now.Add(10 * time.Hour)
	r1 := newRequest("swap-1", "alice", a.ID, models.KindMarketplace)
	r1.ExpiresAt = &soon
	r2 := newRequest("swap-2", "alice", b.ID, models.KindMarketplace)
	r2.ExpiresAt = &later
	_, err := store.CreateSwapRequest(ctx, r1, nil)
	require.NoError(t, err)
	_, err = store.CreateSwapRequest(ctx, r2, nil)
	require.NoError(t, err)

	due, err := store.ListExpiredSwapRequests(ctx, testutil.Now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "swap-1", due[0].ID)
}

func TestListSwapRequests_Filter(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	a := testutil.Shift(t, store, "ward-a", "r1", "alice", 24, 8)
	b := testutil.Shift(t, store, "ward-a", "r2", "bob", 24, 8)

	bob := "bob"
	direct := newRequest("swap-1", "alice", a.ID, models.KindDirect)
	direct.CounterpartRef = &bob
	_, err := store.CreateSwapRequest(ctx, direct, nil)
	require.NoError(t, err)
	_, err = store.CreateSwapRequest(ctx, newRequest("swap-2", "bob", b.ID, models.KindMarketplace), nil)
	require.NoError(t, err)

	forBob, err := store.ListSwapRequests(ctx, ledger.SwapFilter{Worker: "bob"})
	require.NoError(t, err)
	assert.Len(t, forBob, 2)

	market, err := store.ListSwapRequests(ctx, ledger.SwapFilter{Kind: models.KindMarketplace})
	require.NoError(t, err)
	require.Len(t, market, 1)
	assert.Equal(t, "swap-2", market[0].ID)
}

func TestKeyLocker(t *testing.T) {
	locks := ledger.NewKeyLocker()
	unlock := locks.Lock("b", "a", "a")

	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("a")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("lock on a was not held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a was not released")
	}

	var nilLocker *ledger.KeyLocker
	nilLocker.Lock("x")()
}
