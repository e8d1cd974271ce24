package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/database"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type blockingReconciler struct {
	started chan struct{}
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (b *blockingReconciler) RunPass(ctx context.Context, scope config.Scope) (*models.ReconciliationReport, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.started != nil {
		b.started <- struct{}{}
		<-b.release
	}
	return &models.ReconciliationReport{Scope: scope.Name, Inserted: 1}, nil
}

type historySpy struct {
	mu   sync.Mutex
	rows []string
}

func (h *historySpy) Record(_ context.Context, scope string, report *models.ReconciliationReport, passErr error) (*database.SyncHistory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := database.SyncSuccess
	if passErr != nil {
		status = database.SyncError
	}
	h.rows = append(h.rows, scope+":"+status)
	return &database.SyncHistory{Scope: scope, Status: status}, nil
}

type sweepCounter struct {
	n int
}

func (s *sweepCounter) ExpirySweep(context.Context, time.Time) (int, error) {
	s.n++
	return 2, nil
}

func TestTriggerPass_RecordsHistory(t *testing.T) {
	hist := &historySpy{}
	d := &Driver{Reconciler: &blockingReconciler{}, History: hist, Log: zap.NewNop()}

	report, err := d.TriggerPass(context.Background(), config.Scope{Name: "ward-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, []string{"ward-a:success"}, hist.rows)
}

func TestTriggerWith_ErrorRecorded(t *testing.T) {
	hist := &historySpy{}
	d := &Driver{History: hist, Log: zap.NewNop()}

	_, err := d.TriggerWith(context.Background(), config.Scope{Name: "ward-a"}, func(context.Context) (*models.ReconciliationReport, error) {
		return nil, errors.New("source down")
	})
	require.Error(t, err)
	assert.Equal(t, []string{"ward-a:error"}, hist.rows)
}

func TestTriggerPass_SkipsWhileRunning(t *testing.T) {
	rec := &blockingReconciler{started: make(chan struct{}), release: make(chan struct{})}
	d := &Driver{Reconciler: rec, Log: zap.NewNop()}
	scope := config.Scope{Name: "ward-a"}

	done := make(chan error, 1)
	go func() {
		_, err := d.TriggerPass(context.Background(), scope)
		done <- err
	}()
	<-rec.started

	_, err := d.TriggerPass(context.Background(), scope)
	assert.ErrorIs(t, err, ErrPassInProgress)

	_, err = d.TriggerWith(context.Background(), config.Scope{Name: "ward-b"}, func(context.Context) (*models.ReconciliationReport, error) {
		return &models.ReconciliationReport{}, nil
	})
	assert.NoError(t, err, "other scopes are not blocked")

	close(rec.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, rec.calls)
}

func TestSweep(t *testing.T) {
	s := &sweepCounter{}
	d := &Driver{Sweeper: s, Log: zap.NewNop()}

	n, err := d.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.n)
}

func TestRun_StopsOnCancel(t *testing.T) {
	rec := &blockingReconciler{}
	d := &Driver{
		Reconciler:        rec,
		Scopes:            []config.Scope{{Name: "ward-a"}},
		ReconcileInterval: time.Hour,
		Log:               zap.NewNop(),
	}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.calls == 1
	}, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not stop")
	}
}
