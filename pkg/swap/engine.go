// Package swap implements the shift reassignment workflow: 1:1 requests
// between two workers and open marketplace listings that any eligible
// worker can claim.
//
// Every action is one expected-state checked ledger transition:
//
//	Open     -> Accepted | Rejected | Expired
//	Accepted -> Committed | Rejected
//
// Only a commit changes who is assigned to a shift.
package swap

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
	"github.com/arnavshah/rota-swap-go/pkg/scheduler"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyClaimed is returned to marketplace claimants who lost the race
var ErrAlreadyClaimed = fmt.Errorf("already claimed: %w", ledger.ErrConflict)

// ReasonExpired is recorded on requests closed by the expiry sweep
const ReasonExpired = "expired"

// ScopeResolver looks up a scope's configuration by name
type ScopeResolver func(name string) (config.Scope, bool)

// Engine runs swap workflow actions against the ledger
type Engine struct {
	Ledger   ledger.Ledger
	Syncer   *projection.Syncer
	Notifier notify.Notifier
	Locks    *ledger.KeyLocker
	Scopes   ScopeResolver
	// TTL is the default lifetime of an open request
	TTL   time.Duration
	Log   *zap.Logger
	Now   func() time.Time
	NewID func() string
}

// NewEngine creates a swap engine
func NewEngine(l ledger.Ledger, syncer *projection.Syncer, n notify.Notifier, locks *ledger.KeyLocker, scopes ScopeResolver, ttl time.Duration, log *zap.Logger) *Engine {
	return &Engine{
		Ledger:   l,
		Syncer:   syncer,
		Notifier: n,
		Locks:    locks,
		Scopes:   scopes,
		TTL:      ttl,
		Log:      log,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// CreateInput describes a new swap request
type CreateInput struct {
	Requester      string          `json:"-"`
	ShiftID        string          `json:"shift_id" binding:"required"`
	Kind           models.SwapKind `json:"kind" binding:"omitempty,oneof=direct marketplace"`
	CounterShiftID *string         `json:"counter_shift_id"`
	CounterpartRef *string         `json:"counterpart"`
	ExpiresAt      *time.Time      `json:"expires_at"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ledger.ErrInvalidRequest)...)
}

func stale(id string, why string) error {
	return fmt.Errorf("shift %s %s: %w", id, why, ledger.ErrStaleShift)
}

// Create opens a swap request. The requester must currently be assigned the
// shift, and neither shift may already have a pending request.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*models.SwapRequest, error) {
	req, err := e.newRequest(in)
	if err != nil {
		e.fail("create", err)
		return nil, err
	}
	unlock := e.Locks.Lock(req.ShiftIDs()...)
	defer unlock()

	now := e.now()
	created, err := e.Ledger.CreateSwapRequest(ctx, req, func(tx ledger.Tx, req *models.SwapRequest) error {
		return e.prepare(tx, req, in.ExpiresAt, now)
	})
	if err != nil {
		e.fail("create", err)
		return nil, err
	}

	e.transitioned(created)
	e.Log.Info("swap request created",
		zap.String("swap_id", created.ID),
		zap.String("kind", string(created.Kind)),
		zap.String("shift_id", created.ShiftID),
		zap.String("requester", created.RequesterRef))
	if created.CounterpartRef != nil {
		e.notify(ctx, created, *created.CounterpartRef, notify.KindSwapRequested, created.ShiftID)
	}
	return created, nil
}

// Validate runs the checks Create would, without opening the request
func (e *Engine) Validate(ctx context.Context, in CreateInput) (*models.SwapRequest, error) {
	req, err := e.newRequest(in)
	if err != nil {
		return nil, err
	}
	if err := e.prepare(&readTx{ctx: ctx, ledger: e.Ledger}, req, in.ExpiresAt, e.now()); err != nil {
		return nil, err
	}
	req.State = models.SwapOpen
	return req, nil
}

func (e *Engine) newRequest(in CreateInput) (*models.SwapRequest, error) {
	if in.Requester == "" || in.ShiftID == "" {
		return nil, invalid("requester and shift are required")
	}
	if in.CounterShiftID != nil && *in.CounterShiftID == "" {
		in.CounterShiftID = nil
	}
	if in.CounterpartRef != nil && *in.CounterpartRef == "" {
		in.CounterpartRef = nil
	}

	kind := in.Kind
	if kind == "" {
		kind = models.KindMarketplace
		if in.CounterShiftID != nil || in.CounterpartRef != nil {
			kind = models.KindDirect
		}
	}
	switch kind {
	case models.KindMarketplace:
		if in.CounterShiftID != nil || in.CounterpartRef != nil {
			return nil, invalid("a marketplace listing cannot name a counterpart")
		}
	case models.KindDirect:
		if in.CounterShiftID == nil && in.CounterpartRef == nil {
			return nil, invalid("a direct swap needs a counterpart or a counter shift")
		}
	default:
		return nil, invalid("unknown swap kind %q", kind)
	}
	if in.CounterShiftID != nil && *in.CounterShiftID == in.ShiftID {
		return nil, invalid("a shift cannot be exchanged with itself")
	}

	return &models.SwapRequest{
		ID:             e.newID(),
		Kind:           kind,
		RequesterRef:   in.Requester,
		ShiftID:        in.ShiftID,
		CounterShiftID: in.CounterShiftID,
		CounterpartRef: in.CounterpartRef,
	}, nil
}

// prepare checks ownership and timing of the referenced shifts, fills in the
// scope and counterpart, and caps the expiry at the earliest shift start.
func (e *Engine) prepare(tx ledger.Tx, req *models.SwapRequest, expiresAt *time.Time, now time.Time) error {
	sh, err := tx.Shift(req.ShiftID)
	if err != nil {
		return err
	}
	if err := available(sh, now); err != nil {
		return err
	}
	if sh.WorkerRef != req.RequesterRef {
		return invalid("%s is not the current assignee of shift %s", req.RequesterRef, sh.ID)
	}
	req.Scope = sh.Scope
	earliest := sh.Start

	if req.Exchange() {
		counter, err := tx.Shift(*req.CounterShiftID)
		if err != nil {
			return err
		}
		if err := available(counter, now); err != nil {
			return err
		}
		if counter.Scope != sh.Scope {
			return invalid("shifts %s and %s belong to different scopes", sh.ID, counter.ID)
		}
		if counter.WorkerRef == req.RequesterRef {
			return invalid("shift %s is already assigned to %s", counter.ID, req.RequesterRef)
		}
		if req.CounterpartRef != nil && *req.CounterpartRef != counter.WorkerRef {
			return invalid("shift %s is not assigned to %s", counter.ID, *req.CounterpartRef)
		}
		worker := counter.WorkerRef
		req.CounterpartRef = &worker
		if counter.Start.Before(earliest) {
			earliest = counter.Start
		}
	} else if req.CounterpartRef != nil && *req.CounterpartRef == req.RequesterRef {
		return invalid("a worker cannot hand a shift to themselves")
	}

	expires := now.Add(e.TTL)
	if expiresAt != nil {
		expires = *expiresAt
	}
	if expires.After(earliest) {
		expires = earliest
	}
	if !expires.After(now) {
		return invalid("expiry %s is not in the future", expires.Format(time.RFC3339))
	}
	req.ExpiresAt = &expires
	return nil
}

func available(sh *models.ShiftInstance, now time.Time) error {
	switch {
	case sh.Status == models.StatusCancelled:
		return invalid("shift %s is cancelled", sh.ID)
	case sh.PendingSwapID != nil || sh.Status.Pending():
		return invalid("shift %s already has a pending swap request", sh.ID)
	case !sh.Start.After(now):
		return invalid("shift %s has already started", sh.ID)
	}
	return nil
}

// readTx serves Validate from committed state; nothing is written
type readTx struct {
	ctx    context.Context
	ledger ledger.Ledger
}

func (r *readTx) Shift(id string) (*models.ShiftInstance, error) {
	return r.ledger.Get(r.ctx, id)
}

func (r *readTx) Touch(*models.ShiftInstance) {}

// Accept records the responder on an open request. For a marketplace
// listing the first accept wins and later ones get ErrAlreadyClaimed.
func (e *Engine) Accept(ctx context.Context, id, responder string) (*models.SwapRequest, error) {
	req, err := e.Ledger.GetSwapRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State != models.SwapOpen {
		err := notOpen(req)
		e.fail("accept", err)
		return nil, err
	}
	if responder == "" || responder == req.RequesterRef {
		return nil, invalid("the requester cannot accept their own request")
	}
	if req.Kind == models.KindDirect && (req.CounterpartRef == nil || *req.CounterpartRef != responder) {
		return nil, invalid("only the designated counterpart may accept swap request %s", id)
	}

	unlock := e.Locks.Lock(req.ShiftIDs()...)
	defer unlock()

	if err := e.checkEligible(ctx, req, responder); err != nil {
		e.fail("accept", err)
		return nil, err
	}

	accepted, err := e.Ledger.TransitionSwapRequest(ctx, id, models.SwapOpen, models.SwapAccepted,
		func(_ ledger.Tx, r *models.SwapRequest) error {
			r.ResponderRef = &responder
			return nil
		})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) && req.Kind == models.KindMarketplace {
			err = fmt.Errorf("swap request %s: %w", id, ErrAlreadyClaimed)
		}
		e.fail("accept", err)
		return nil, err
	}

	e.transitioned(accepted)
	e.Log.Info("swap request accepted", zap.String("swap_id", id), zap.String("responder", responder))
	e.notify(ctx, accepted, accepted.RequesterRef, notify.KindSwapAccepted, accepted.ShiftID)
	return accepted, nil
}

func notOpen(req *models.SwapRequest) error {
	if req.Kind == models.KindMarketplace && (req.State == models.SwapAccepted || req.State == models.SwapCommitted) {
		return fmt.Errorf("swap request %s: %w", req.ID, ErrAlreadyClaimed)
	}
	return fmt.Errorf("swap request %s is %s: %w", req.ID, req.State, ledger.ErrConflict)
}

// checkEligible rejects a responder outside the scope's roster or one who
// would end up double-booked. For an exchange the requester's side is
// checked as well.
func (e *Engine) checkEligible(ctx context.Context, req *models.SwapRequest, responder string) error {
	if scope := e.scope(req.Scope); len(scope.Workers) > 0 {
		if _, ok := scope.Worker(responder); !ok {
			return invalid("%s is not a member of scope %s", responder, scope.Name)
		}
	}
	sh, err := e.Ledger.Get(ctx, req.ShiftID)
	if err != nil {
		return err
	}
	if err := e.checkOverlap(ctx, responder, sh, req.ShiftIDs()); err != nil {
		return err
	}
	if !req.Exchange() {
		return nil
	}
	counter, err := e.Ledger.Get(ctx, *req.CounterShiftID)
	if err != nil {
		return err
	}
	return e.checkOverlap(ctx, req.RequesterRef, counter, req.ShiftIDs())
}

func (e *Engine) checkOverlap(ctx context.Context, worker string, target *models.ShiftInstance, ignore []string) error {
	busy, err := e.Ledger.ListByWorker(ctx, worker, target.Start, target.End)
	if err != nil {
		return err
	}
	for _, other := range busy {
		if contains(ignore, other.ID) {
			continue
		}
		return invalid("%s already works shift %s at that time", worker, other.ID)
	}
	return nil
}

// Commit reassigns the shift(s) of an accepted request to the responder,
// taking them from whoever holds them now. If a shift was cancelled since,
// the request ends Rejected and ErrStaleShift is returned; assignments are
// left untouched.
func (e *Engine) Commit(ctx context.Context, id string) (*models.SwapRequest, error) {
	req, err := e.Ledger.GetSwapRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := e.Locks.Lock(req.ShiftIDs()...)
	defer unlock()

	var lost, counterLost string
	committed, err := e.Ledger.TransitionSwapRequest(ctx, id, models.SwapAccepted, models.SwapCommitted,
		func(tx ledger.Tx, r *models.SwapRequest) error {
			if r.ResponderRef == nil {
				return invalid("swap request %s has no responder", r.ID)
			}
			var err error
			if lost, err = reassign(tx, r, r.ShiftID, *r.ResponderRef); err != nil {
				return err
			}
			if r.Exchange() {
				counterLost, err = reassign(tx, r, *r.CounterShiftID, r.RequesterRef)
			}
			return err
		})
	if errors.Is(err, ledger.ErrStaleShift) {
		e.fail("commit", err)
		e.rejectStale(ctx, id, err)
		return nil, err
	}
	if errors.Is(err, ledger.ErrConflict) {
		if cause := e.staleRejection(ctx, id); cause != nil {
			err = cause
		}
	}
	if err != nil {
		e.fail("commit", err)
		return nil, err
	}

	e.transitioned(committed)
	e.Log.Info("swap request committed",
		zap.String("swap_id", id),
		zap.String("from", lost),
		zap.String("to", *committed.ResponderRef))

	e.notify(ctx, committed, *committed.ResponderRef, notify.KindShiftGained, committed.ShiftID)
	if lost != *committed.ResponderRef {
		e.notify(ctx, committed, lost, notify.KindShiftLost, committed.ShiftID)
	}
	if committed.Exchange() {
		e.notify(ctx, committed, committed.RequesterRef, notify.KindShiftGained, *committed.CounterShiftID)
		if counterLost != committed.RequesterRef {
			e.notify(ctx, committed, counterLost, notify.KindShiftLost, *committed.CounterShiftID)
		}
	}
	e.project(ctx, committed)
	return committed, nil
}

// reassign moves shiftID to a new worker and returns the worker who held it.
// The holder may differ from the one who offered it when the source
// reassigned the shift after Accept; the commit still wins for assignment.
func reassign(tx ledger.Tx, r *models.SwapRequest, shiftID, to string) (string, error) {
	sh, err := tx.Shift(shiftID)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", stale(shiftID, "no longer exists")
	}
	if err != nil {
		return "", err
	}
	switch {
	case sh.Status == models.StatusCancelled:
		return "", stale(shiftID, "was cancelled")
	case sh.PendingSwapID == nil || *sh.PendingSwapID != r.ID:
		return "", stale(shiftID, "is no longer held by this request")
	}
	held := sh.WorkerRef
	sh.WorkerRef = to
	tx.Touch(sh)
	return held, nil
}

// staleRejection explains a commit that lost the race to the reconciler:
// the request was already rejected because one of its shifts was cancelled.
func (e *Engine) staleRejection(ctx context.Context, id string) error {
	req, err := e.Ledger.GetSwapRequest(ctx, id)
	if err != nil || req.State != models.SwapRejected {
		return nil
	}
	if req.Reason == models.ReasonSourceRemoved {
		return fmt.Errorf("swap request %s was rejected, %s: %w", id, req.Reason, ledger.ErrStaleShift)
	}
	for _, shiftID := range req.ShiftIDs() {
		sh, err := e.Ledger.Get(ctx, shiftID)
		if errors.Is(err, ledger.ErrNotFound) {
			return stale(shiftID, "no longer exists")
		}
		if err == nil && sh.Status == models.StatusCancelled {
			return stale(shiftID, "was cancelled")
		}
	}
	return nil
}

func (e *Engine) rejectStale(ctx context.Context, id string, cause error) {
	rejected, err := e.Ledger.TransitionSwapRequest(ctx, id, models.SwapAccepted, models.SwapRejected,
		func(_ ledger.Tx, r *models.SwapRequest) error {
			r.Reason = cause.Error()
			return nil
		})
	if err != nil {
		e.Log.Error("failed to reject stale swap request", zap.String("swap_id", id), zap.Error(err))
		return
	}
	e.transitioned(rejected)
	e.notifyParties(ctx, rejected, notify.KindSwapRejected)
}

// Reject closes an open or accepted request and releases its shifts
func (e *Engine) Reject(ctx context.Context, id, reason string) (*models.SwapRequest, error) {
	req, err := e.Ledger.GetSwapRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State.Terminal() {
		err := fmt.Errorf("swap request %s is %s: %w", id, req.State, ledger.ErrConflict)
		e.fail("reject", err)
		return nil, err
	}
	unlock := e.Locks.Lock(req.ShiftIDs()...)
	defer unlock()

	rejected, err := e.Ledger.TransitionSwapRequest(ctx, id, req.State, models.SwapRejected,
		func(_ ledger.Tx, r *models.SwapRequest) error {
			r.Reason = reason
			return nil
		})
	if err != nil {
		e.fail("reject", err)
		return nil, err
	}

	e.transitioned(rejected)
	e.Log.Info("swap request rejected", zap.String("swap_id", id), zap.String("reason", reason))
	e.notifyParties(ctx, rejected, notify.KindSwapRejected)
	return rejected, nil
}

// ExpirySweep expires every open request whose expiry is at or before now.
// A request accepted concurrently is skipped.
func (e *Engine) ExpirySweep(ctx context.Context, now time.Time) (int, error) {
	due, err := e.Ledger.ListExpiredSwapRequests(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for i := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		req := &due[i]
		out, err := e.expire(ctx, req)
		if errors.Is(err, ledger.ErrConflict) {
			e.Log.Debug("swap request changed before expiry", zap.String("swap_id", req.ID))
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		expired++
		e.transitioned(out)
		e.notifyParties(ctx, out, notify.KindSwapExpired)
	}
	if expired > 0 {
		e.Log.Info("expired swap requests", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

func (e *Engine) expire(ctx context.Context, req *models.SwapRequest) (*models.SwapRequest, error) {
	unlock := e.Locks.Lock(req.ShiftIDs()...)
	defer unlock()
	return e.Ledger.TransitionSwapRequest(ctx, req.ID, models.SwapOpen, models.SwapExpired,
		func(_ ledger.Tx, r *models.SwapRequest) error {
			r.Reason = ReasonExpired
			return nil
		})
}

// candidateWindow is how far either side of a shift Candidates looks for load
const candidateWindow = 7 * 24 * time.Hour

// Candidates ranks the scope's workers who could take the request's shift,
// least loaded first. The requester and anyone double-booked are left out.
func (e *Engine) Candidates(ctx context.Context, id string) ([]scheduler.Candidate, []string, error) {
	req, err := e.Ledger.GetSwapRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	target, err := e.Ledger.Get(ctx, req.ShiftID)
	if err != nil {
		return nil, nil, err
	}
	shifts, err := e.Ledger.ListByExternalWindow(ctx, req.Scope, target.Start.Add(-candidateWindow), target.End.Add(candidateWindow))
	if err != nil {
		return nil, nil, err
	}
	scope := e.scope(req.Scope)
	workers := make([]string, 0, len(scope.Workers))
	for _, w := range scope.Workers {
		workers = append(workers, w.Ref)
	}
	candidates, reasons := scheduler.Rank(target, shifts, workers, req.RequesterRef)
	return candidates, reasons, nil
}

// Get returns a swap request
func (e *Engine) Get(ctx context.Context, id string) (*models.SwapRequest, error) {
	return e.Ledger.GetSwapRequest(ctx, id)
}

// List returns swap requests matching filter
func (e *Engine) List(ctx context.Context, filter ledger.SwapFilter) ([]models.SwapRequest, error) {
	return e.Ledger.ListSwapRequests(ctx, filter)
}

func (e *Engine) project(ctx context.Context, req *models.SwapRequest) {
	if e.Syncer == nil {
		return
	}
	scope := e.scope(req.Scope)
	for _, id := range req.ShiftIDs() {
		inst, err := e.Ledger.Get(ctx, id)
		if err != nil {
			e.Log.Warn("failed to reload shift for projection", zap.String("shift_id", id), zap.Error(err))
			continue
		}
		if _, err := e.Syncer.Sync(ctx, inst, scope); err != nil {
			e.Log.Warn("projection failed, next pass retries", zap.String("shift_id", id), zap.Error(err))
		}
	}
}

func (e *Engine) notifyParties(ctx context.Context, req *models.SwapRequest, kind notify.Kind) {
	seen := make(map[string]bool)
	for _, w := range parties(req) {
		if seen[w] {
			continue
		}
		seen[w] = true
		e.notify(ctx, req, w, kind, req.ShiftID)
	}
}

func parties(req *models.SwapRequest) []string {
	out := []string{req.RequesterRef}
	if req.CounterpartRef != nil {
		out = append(out, *req.CounterpartRef)
	}
	if req.ResponderRef != nil {
		out = append(out, *req.ResponderRef)
	}
	return out
}

func (e *Engine) notify(ctx context.Context, req *models.SwapRequest, worker string, kind notify.Kind, shiftID string) {
	if e.Notifier == nil || worker == "" {
		return
	}
	n := notify.Notification{
		WorkerRef: worker,
		Kind:      kind,
		Scope:     req.Scope,
		ShiftID:   shiftID,
		SwapID:    req.ID,
		Payload: map[string]any{
			"state": string(req.State),
			"kind":  string(req.Kind),
		},
	}
	if req.Reason != "" {
		n.Payload["reason"] = req.Reason
	}
	if w, ok := e.scope(req.Scope).Worker(worker); ok {
		n.Channel = w.Channel
	}
	e.Notifier.Notify(ctx, n)
}

func (e *Engine) scope(name string) config.Scope {
	if e.Scopes != nil {
		if s, ok := e.Scopes(name); ok {
			return s
		}
	}
	return config.Scope{Name: name, TimeZone: "UTC"}
}

func (e *Engine) transitioned(req *models.SwapRequest) {
	metrics.SwapTransitions.WithLabelValues(string(req.Kind), string(req.State)).Inc()
}

func (e *Engine) fail(action string, err error) {
	kind := "other"
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		kind = "already_claimed"
	case errors.Is(err, ledger.ErrStaleShift):
		kind = "stale_shift"
	case errors.Is(err, ledger.ErrConflict):
		kind = "conflict"
	case errors.Is(err, ledger.ErrInvalidRequest):
		kind = "invalid_request"
	case errors.Is(err, ledger.ErrNotFound):
		kind = "not_found"
	}
	metrics.SwapErrors.WithLabelValues(action, kind).Inc()
}

func (e *Engine) newID() string {
	if e.NewID == nil {
		return uuid.NewString()
	}
	return e.NewID()
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
