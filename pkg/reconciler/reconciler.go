// Package reconciler keeps the shift ledger consistent with an external,
// independently mutable source of record and projects the result into the
// scope's calendar.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/metrics"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/arnavshah/rota-swap-go/pkg/notify"
	"github.com/arnavshah/rota-swap-go/pkg/projection"
	"github.com/arnavshah/rota-swap-go/pkg/source"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ReasonSourceRemoved is recorded on swap requests rejected because their
// shift disappeared from the source.
const ReasonSourceRemoved = models.ReasonSourceRemoved

const maxAttempts = 3

// Reconciler runs reconciliation passes. It holds no ledger state between
// calls, so a pass is always safe to re-run.
type Reconciler struct {
	Ledger    ledger.Ledger
	Source    source.Source
	Syncer    *projection.Syncer
	Notifier  notify.Notifier
	Locks     *ledger.KeyLocker
	Log       *zap.Logger
	// FetchTimeout bounds the source call
	FetchTimeout time.Duration
	Now          func() time.Time

	validate *validator.Validate
}

// New creates a reconciler
func New(l ledger.Ledger, src source.Source, syncer *projection.Syncer, n notify.Notifier, locks *ledger.KeyLocker, log *zap.Logger) *Reconciler {
	return &Reconciler{
		Ledger:   l,
		Source:   src,
		Syncer:   syncer,
		Notifier: n,
		Locks:    locks,
		Log:      log,
		Now:      time.Now,
		validate: validator.New(),
	}
}

// RunPass fetches the scope's snapshot and applies it. An error means the
// pass could not start; per-record failures are reported, not returned.
func (r *Reconciler) RunPass(ctx context.Context, scope config.Scope) (*models.ReconciliationReport, error) {
	fetchCtx := ctx
	if r.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.FetchTimeout)
		defer cancel()
	}
	snap, err := r.Source.FetchSnapshot(fetchCtx, scope)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("fetch snapshot for %s: %w", scope.Name, ledger.ErrAdapterTimeout)
		}
		return nil, fmt.Errorf("fetch snapshot for %s: %w", scope.Name, err)
	}
	return r.Apply(ctx, scope, snap)
}

// pass carries the state of one Apply call
type pass struct {
	scope  config.Scope
	report *models.ReconciliationReport
	log    *zap.Logger
}

// Apply reconciles the ledger against snap. Each record is applied in its own
// transaction; a failing record never aborts the pass.
func (r *Reconciler) Apply(ctx context.Context, scope config.Scope, snap models.Snapshot) (*models.ReconciliationReport, error) {
	p := &pass{
		scope:  scope,
		report: &models.ReconciliationReport{Scope: scope.Name, StartedAt: r.now()},
		log:    r.Log.With(zap.String("scope", scope.Name)),
	}

	existing, err := r.Ledger.ListByExternalWindow(ctx, scope.Name, snap.From, snap.To)
	if err != nil {
		return nil, fmt.Errorf("list ledger for %s: %w", scope.Name, err)
	}
	byKey := make(map[string]*models.ShiftInstance, len(existing))
	for i := range existing {
		byKey[existing[i].ID] = &existing[i]
	}

	keys, records, protected := r.classify(p, snap)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return p.report, err
		}
		r.applyRecord(ctx, p, key, records[key], byKey[key])
	}

	for i := range existing {
		inst := &existing[i]
		if _, seen := records[inst.ID]; seen || protected[inst.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return p.report, err
		}
		if inst.Status == models.StatusCancelled {
			r.project(ctx, p, inst)
			continue
		}
		r.removeInstance(ctx, p, inst)
	}

	r.share(ctx, p)

	p.report.FinishedAt = r.now()
	r.observe(p)
	return p.report, nil
}

// classify validates records, derives their natural keys and isolates
// identity collisions. The first record for a key wins; later ones fail.
// Keys of failed records are protected from removal for this pass.
func (r *Reconciler) classify(p *pass, snap models.Snapshot) ([]string, map[string]models.SourceRecord, map[string]bool) {
	loc := p.scope.Location()
	var keys []string
	records := make(map[string]models.SourceRecord, len(snap.Records))
	protected := make(map[string]bool)

	for _, rec := range snap.Records {
		key := ""
		if rec.SourceRecordID != "" && !rec.Start.IsZero() {
			key = models.NaturalKey(p.scope.Name, rec.SourceRecordID, rec.Start.In(loc))
		}

		if err := r.validate.Struct(rec); err != nil {
			p.report.Fail(key, rec.SourceRecordID, models.FailureInvalidRecord, err)
			if key != "" {
				protected[key] = true
			}
			continue
		}
		if !inWindow(rec.Start, snap) {
			p.report.Fail(key, rec.SourceRecordID, models.FailureInvalidRecord,
				fmt.Errorf("start %s is outside the snapshot window", rec.Start.Format(time.RFC3339)))
			protected[key] = true
			continue
		}
		if _, dup := records[key]; dup {
			p.report.Fail(key, rec.SourceRecordID, models.FailureRecordConflict,
				fmt.Errorf("record %s maps to %s: %w", rec.SourceRecordID, key, ledger.ErrRecordConflict))
			continue
		}
		records[key] = rec
		keys = append(keys, key)
	}
	return keys, records, protected
}

func inWindow(start time.Time, snap models.Snapshot) bool {
	if !snap.From.IsZero() && start.Before(snap.From) {
		return false
	}
	if !snap.To.IsZero() && !start.Before(snap.To) {
		return false
	}
	return true
}

// applyRecord inserts or updates the instance for one record, re-reading and
// retrying when a concurrent writer wins the revision check.
func (r *Reconciler) applyRecord(ctx context.Context, p *pass, key string, rec models.SourceRecord, cur *models.ShiftInstance) {
	unlock := r.Locks.Lock(key)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			fresh, err := r.Ledger.Get(ctx, key)
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				cur = nil
			case err != nil:
				p.report.Fail(key, rec.SourceRecordID, models.FailureLedger, err)
				return
			default:
				cur = fresh
			}
		}

		var err error
		if cur == nil {
			err = r.insert(ctx, p, key, rec)
		} else {
			err = r.update(ctx, p, rec, cur)
		}
		if err == nil {
			return
		}
		lastErr = err
		if !errors.Is(err, ledger.ErrConflict) {
			break
		}
	}

	kind := models.FailureLedger
	switch {
	case errors.Is(lastErr, ledger.ErrConflict):
		kind = models.FailureConflict
	case errors.Is(lastErr, ledger.ErrInvalidRequest):
		kind = models.FailureInvalidRecord
	}
	p.report.Fail(key, rec.SourceRecordID, kind, lastErr)
	p.log.Warn("record not applied", zap.String("key", key), zap.Error(lastErr))
}

func (r *Reconciler) insert(ctx context.Context, p *pass, key string, rec models.SourceRecord) error {
	inst := &models.ShiftInstance{
		ID:                key,
		Scope:             p.scope.Name,
		SourceRecordID:    rec.SourceRecordID,
		Start:             rec.Start,
		End:               rec.End,
		WorkerRef:         rec.AssigneeRef,
		SourceAssigneeRef: rec.AssigneeRef,
		DepartmentRef:     rec.DepartmentRef,
		Status:            models.StatusScheduled,
	}
	out, err := r.Ledger.Upsert(ctx, inst, 0)
	if err != nil {
		return err
	}
	p.report.Inserted++
	p.log.Debug("shift inserted", zap.String("key", key), zap.String("worker", out.WorkerRef))

	r.project(ctx, p, out)
	r.notify(ctx, p, out.WorkerRef, notify.KindShiftAssigned, out, "")
	return nil
}

// update applies a changed record. Assignment follows the source only when
// the source's own assignee changed since the last pass; a committed swap
// otherwise keeps the worker it moved the shift to.
func (r *Reconciler) update(ctx context.Context, p *pass, rec models.SourceRecord, cur *models.ShiftInstance) error {
	timeChanged := !cur.Start.Equal(rec.Start) || !cur.End.Equal(rec.End)
	sourceMoved := lastSourceAssignee(cur) != rec.AssigneeRef
	deptChanged := cur.DepartmentRef != rec.DepartmentRef
	revived := cur.Status == models.StatusCancelled
	backfill := cur.SourceAssigneeRef == ""

	if !timeChanged && !sourceMoved && !deptChanged && !revived && !backfill {
		p.report.Unchanged++
		r.project(ctx, p, cur)
		return nil
	}

	next := *cur
	next.Start = rec.Start
	next.End = rec.End
	next.DepartmentRef = rec.DepartmentRef
	next.SourceAssigneeRef = rec.AssigneeRef
	if sourceMoved || revived {
		next.WorkerRef = rec.AssigneeRef
	}
	if revived {
		next.Status = models.StatusScheduled
	}
	workerChanged := next.WorkerRef != cur.WorkerRef

	out, err := r.Ledger.Upsert(ctx, &next, cur.Revision)
	if err != nil {
		return err
	}
	p.report.Updated++
	p.log.Debug("shift updated",
		zap.String("key", out.ID),
		zap.Int64("revision", out.Revision),
		zap.Bool("time_changed", timeChanged),
		zap.Bool("assignee_changed", workerChanged),
		zap.Bool("revived", revived))

	r.project(ctx, p, out)

	switch {
	case revived:
		r.notify(ctx, p, out.WorkerRef, notify.KindShiftAssigned, out, "")
	case workerChanged:
		r.notify(ctx, p, cur.WorkerRef, notify.KindShiftUnassigned, out, "")
		r.notify(ctx, p, out.WorkerRef, notify.KindShiftAssigned, out, "")
	case timeChanged:
		r.notify(ctx, p, out.WorkerRef, notify.KindShiftChanged, out, "")
	}
	return nil
}

// lastSourceAssignee falls back to the ledger worker for rows written before
// the source assignee was tracked.
func lastSourceAssignee(inst *models.ShiftInstance) string {
	if inst.SourceAssigneeRef == "" {
		return inst.WorkerRef
	}
	return inst.SourceAssigneeRef
}

// removeInstance cancels an instance whose record left the source. A pending
// swap request on it is rejected in the same transaction.
func (r *Reconciler) removeInstance(ctx context.Context, p *pass, cur *models.ShiftInstance) {
	unlock := r.Locks.Lock(cur.ID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			fresh, err := r.Ledger.Get(ctx, cur.ID)
			if err != nil {
				lastErr = err
				break
			}
			cur = fresh
		}
		if cur.Status == models.StatusCancelled {
			return
		}

		var (
			out *models.ShiftInstance
			req *models.SwapRequest
			err error
		)
		if cur.PendingSwapID != nil {
			out, req, err = r.cancelWithSwap(ctx, cur)
		} else {
			next := *cur
			next.Status = models.StatusCancelled
			out, err = r.Ledger.Upsert(ctx, &next, cur.Revision)
		}
		if err != nil {
			lastErr = err
			if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrInvalidRequest) {
				continue
			}
			break
		}

		p.report.Cancelled++
		p.log.Debug("shift cancelled", zap.String("key", out.ID))
		r.project(ctx, p, out)

		notified := map[string]bool{out.WorkerRef: true}
		r.notify(ctx, p, out.WorkerRef, notify.KindShiftCancelled, out, "")
		if req != nil {
			p.report.SwapsRejected++
			for _, w := range swapParties(req) {
				if notified[w] {
					continue
				}
				notified[w] = true
				r.notify(ctx, p, w, notify.KindSwapRejected, out, req.ID)
			}
		}
		return
	}

	kind := models.FailureLedger
	if errors.Is(lastErr, ledger.ErrConflict) || errors.Is(lastErr, ledger.ErrInvalidRequest) {
		kind = models.FailureConflict
	}
	p.report.Fail(cur.ID, cur.SourceRecordID, kind, lastErr)
	p.log.Warn("shift not cancelled", zap.String("key", cur.ID), zap.Error(lastErr))
}

func (r *Reconciler) cancelWithSwap(ctx context.Context, cur *models.ShiftInstance) (*models.ShiftInstance, *models.SwapRequest, error) {
	req, err := r.Ledger.GetSwapRequest(ctx, *cur.PendingSwapID)
	if err != nil {
		return nil, nil, err
	}

	rejected, err := r.Ledger.TransitionSwapRequest(ctx, req.ID, req.State, models.SwapRejected,
		func(tx ledger.Tx, req *models.SwapRequest) error {
			sh, err := tx.Shift(cur.ID)
			if err != nil {
				return err
			}
			sh.Status = models.StatusCancelled
			tx.Touch(sh)
			req.Reason = ReasonSourceRemoved
			return nil
		})
	if err != nil {
		return nil, nil, err
	}
	metrics.SwapTransitions.WithLabelValues(string(rejected.Kind), string(rejected.State)).Inc()

	out, err := r.Ledger.Get(ctx, cur.ID)
	if err != nil {
		return nil, nil, err
	}
	return out, rejected, nil
}

func swapParties(req *models.SwapRequest) []string {
	parties := []string{req.RequesterRef}
	if req.CounterpartRef != nil {
		parties = append(parties, *req.CounterpartRef)
	}
	if req.ResponderRef != nil {
		parties = append(parties, *req.ResponderRef)
	}
	return parties
}

func (r *Reconciler) project(ctx context.Context, p *pass, inst *models.ShiftInstance) {
	if r.Syncer == nil {
		return
	}
	called, err := r.Syncer.Sync(ctx, inst, p.scope)
	if err != nil {
		kind := models.FailureProjection
		if errors.Is(err, ledger.ErrAdapterTimeout) {
			kind = models.FailureAdapterTimeout
		}
		p.report.FailProjection(inst.ID, kind, err)
		p.log.Warn("projection failed, retrying next pass", zap.String("key", inst.ID), zap.Error(err))
		return
	}
	if called {
		p.report.Projected++
	}
}

func (r *Reconciler) notify(ctx context.Context, p *pass, worker string, kind notify.Kind, inst *models.ShiftInstance, swapID string) {
	if r.Notifier == nil || worker == "" {
		return
	}
	n := notify.Notification{
		WorkerRef: worker,
		Kind:      kind,
		Scope:     p.scope.Name,
		ShiftID:   inst.ID,
		SwapID:    swapID,
		Payload: map[string]any{
			"start": inst.Start.UTC().Format(time.RFC3339),
			"end":   inst.End.UTC().Format(time.RFC3339),
		},
	}
	if w, ok := p.scope.Worker(worker); ok {
		n.Channel = w.Channel
	}
	r.Notifier.Notify(ctx, n)
	p.report.Notified++
}

// share grants the configured workers access to the scope calendar, once per pass
func (r *Reconciler) share(ctx context.Context, p *pass) {
	if r.Syncer == nil || p.scope.CalendarID == "" {
		return
	}
	sharer, ok := r.Syncer.Projector.(projection.Sharer)
	if !ok {
		return
	}
	emails := p.scope.Emails()
	if len(emails) == 0 {
		return
	}
	if err := sharer.EnsureShared(ctx, p.scope.CalendarID, emails); err != nil {
		p.log.Warn("failed to share calendar", zap.String("calendar_id", p.scope.CalendarID), zap.Error(err))
	}
}

func (r *Reconciler) observe(p *pass) {
	rep := p.report
	metrics.PassDuration.WithLabelValues(rep.Scope).Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	for outcome, n := range map[string]int{
		"inserted":  rep.Inserted,
		"updated":   rep.Updated,
		"cancelled": rep.Cancelled,
		"unchanged": rep.Unchanged,
		"failed":    rep.Failed,
	} {
		if n > 0 {
			metrics.RecordsTotal.WithLabelValues(rep.Scope, outcome).Add(float64(n))
		}
	}

	fields := []zap.Field{
		zap.Int("inserted", rep.Inserted),
		zap.Int("updated", rep.Updated),
		zap.Int("cancelled", rep.Cancelled),
		zap.Int("unchanged", rep.Unchanged),
		zap.Int("failed", rep.Failed),
		zap.Int("projected", rep.Projected),
		zap.Int("projection_failed", rep.ProjectionFailed),
		zap.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	if rep.Failed > 0 || rep.ProjectionFailed > 0 {
		p.log.Warn("reconciliation pass finished with failures", fields...)
		return
	}
	p.log.Info("reconciliation pass finished", fields...)
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}
