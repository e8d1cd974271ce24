package notify_test

import (
	"context"
	"testing"

	"github.com/arnavshah/rota-swap-go/internal/testutil"
	"github.com/arnavshah/rota-swap-go/pkg/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOutbox_PendingAndAck(t *testing.T) {
	ctx := context.Background()
	o := &notify.Outbox{DB: testutil.NewTestDB(t), Log: zap.NewNop()}

	o.Notify(ctx, notify.Notification{
		WorkerRef: "alice",
		Channel:   "email",
		Kind:      notify.KindShiftLost,
		Scope:     "ward-a",
		ShiftID:   "ward-a:s1@2024-03-04",
		SwapID:    "swap-1",
		Payload:   map[string]any{"state": "committed"},
	})
	o.Notify(ctx, notify.Notification{WorkerRef: "bob", Kind: notify.KindShiftGained, Scope: "ward-a"})

	pending, err := o.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "alice", pending[0].WorkerRef)
	assert.Equal(t, "shift_lost", pending[0].Kind)
	assert.Equal(t, "email", pending[0].Channel)
	assert.JSONEq(t, `{"state":"committed"}`, pending[0].Payload)
	assert.Equal(t, notify.StatusPending, pending[0].Status)
	assert.Empty(t, pending[1].Payload)

	n, err := o.MarkSent(ctx, []uint{pending[0].ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = o.MarkSent(ctx, []uint{pending[0].ID})
	require.NoError(t, err)
	assert.Zero(t, n, "already acknowledged")

	n, err = o.MarkSent(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err = o.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].WorkerRef)
}

func TestFanout(t *testing.T) {
	a, b := &testutil.Recorder{}, &testutil.Recorder{}
	f := notify.Fanout{a, b, notify.Nop{}}

	f.Notify(context.Background(), notify.Notification{WorkerRef: "alice", Kind: notify.KindSwapRequested})

	assert.Equal(t, []notify.Kind{notify.KindSwapRequested}, a.Kinds("alice"))
	assert.Equal(t, []notify.Kind{notify.KindSwapRequested}, b.Kinds("alice"))
}

func TestLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	notify.Log{Logger: zap.New(core)}.Notify(context.Background(), notify.Notification{
		WorkerRef: "alice",
		Kind:      notify.KindSwapExpired,
		SwapID:    "swap-9",
	})

	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "alice", fields["worker"])
	assert.Equal(t, "swap_expired", fields["kind"])
	assert.Equal(t, "swap-9", fields["swap_id"])
}
