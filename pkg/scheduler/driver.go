package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/database"
	"github.com/arnavshah/rota-swap-go/pkg/metrics"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrPassInProgress is returned when a scope already has a pass running
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// Reconciler runs one pass for a scope
type Reconciler interface {
	RunPass(ctx context.Context, scope config.Scope) (*models.ReconciliationReport, error)
}

// Sweeper expires overdue swap requests
type Sweeper interface {
	ExpirySweep(ctx context.Context, now time.Time) (int, error)
}

// HistoryRecorder persists the outcome of a pass
type HistoryRecorder interface {
	Record(ctx context.Context, scope string, report *models.ReconciliationReport, passErr error) (*database.SyncHistory, error)
}

// PassFunc is a pass body run under the scope's lock
type PassFunc func(ctx context.Context) (*models.ReconciliationReport, error)

// Driver triggers reconciliation passes on a schedule and on demand. At most
// one pass runs per scope at a time; a trigger that finds one running is
// skipped rather than queued.
type Driver struct {
	Reconciler        Reconciler
	Sweeper           Sweeper
	History           HistoryRecorder
	Scopes            []config.Scope
	ReconcileInterval time.Duration
	SweepInterval     time.Duration
	Log               *zap.Logger
	Now               func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDriver creates a driver for the configured scopes
func NewDriver(cfg *config.Config, r Reconciler, s Sweeper, h HistoryRecorder, log *zap.Logger) *Driver {
	return &Driver{
		Reconciler:        r,
		Sweeper:           s,
		History:           h,
		Scopes:            cfg.Scopes,
		ReconcileInterval: cfg.ReconcileInterval,
		SweepInterval:     cfg.SweepInterval,
		Log:               log,
		Now:               time.Now,
	}
}

func (d *Driver) scopeLock(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks == nil {
		d.locks = make(map[string]*sync.Mutex)
	}
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	return l
}

// TriggerPass runs a reconciliation pass for scope now
func (d *Driver) TriggerPass(ctx context.Context, scope config.Scope) (*models.ReconciliationReport, error) {
	return d.TriggerWith(ctx, scope, func(ctx context.Context) (*models.ReconciliationReport, error) {
		return d.Reconciler.RunPass(ctx, scope)
	})
}

// TriggerWith runs fn as the scope's pass, recording its outcome
func (d *Driver) TriggerWith(ctx context.Context, scope config.Scope, fn PassFunc) (*models.ReconciliationReport, error) {
	l := d.scopeLock(scope.Name)
	if !l.TryLock() {
		metrics.PassTotal.WithLabelValues(scope.Name, "skipped").Inc()
		return nil, fmt.Errorf("scope %s: %w", scope.Name, ErrPassInProgress)
	}
	defer l.Unlock()

	report, err := fn(ctx)
	status := database.SyncSuccess
	switch {
	case err != nil:
		status = database.SyncError
		d.Log.Error("reconciliation pass failed", zap.String("scope", scope.Name), zap.Error(err))
	case report.Failed > 0 || report.ProjectionFailed > 0:
		status = database.SyncPartial
	}
	metrics.PassTotal.WithLabelValues(scope.Name, status).Inc()

	if d.History != nil {
		if _, herr := d.History.Record(context.WithoutCancel(ctx), scope.Name, report, err); herr != nil {
			d.Log.Warn("failed to record sync history", zap.String("scope", scope.Name), zap.Error(herr))
		}
	}
	return report, err
}

// Sweep runs one expiry sweep
func (d *Driver) Sweep(ctx context.Context) (int, error) {
	if d.Sweeper == nil {
		return 0, nil
	}
	n, err := d.Sweeper.ExpirySweep(ctx, d.now())
	if err != nil {
		d.Log.Error("expiry sweep failed", zap.Error(err))
	}
	return n, err
}

// Run drives passes and sweeps until ctx is cancelled. Every scope gets an
// immediate pass on start.
func (d *Driver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, scope := range d.Scopes {
		scope := scope
		g.Go(func() error {
			d.every(ctx, d.ReconcileInterval, true, func() {
				if _, err := d.TriggerPass(ctx, scope); errors.Is(err, ErrPassInProgress) {
					d.Log.Debug("skipping scheduled pass", zap.String("scope", scope.Name))
				}
			})
			return nil
		})
	}
	if d.Sweeper != nil {
		g.Go(func() error {
			d.every(ctx, d.SweepInterval, false, func() { _, _ = d.Sweep(ctx) })
			return nil
		})
	}

	d.Log.Info("scheduler started",
		zap.Int("scopes", len(d.Scopes)),
		zap.Duration("reconcile_interval", d.ReconcileInterval),
		zap.Duration("sweep_interval", d.SweepInterval))
	err := g.Wait()
	d.Log.Info("scheduler stopped")
	return err
}

func (d *Driver) every(ctx context.Context, interval time.Duration, immediate bool, fn func()) {
	if interval <= 0 {
		return
	}
	if immediate {
		fn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (d *Driver) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}
