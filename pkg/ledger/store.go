package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/models"
	"gorm.io/gorm"
)

// SwapLock claims a shift for at most one non-terminal swap request. Its
// primary key is the portable form of a partial unique index on
// swap_requests(shift) where state is open or accepted.
type SwapLock struct {
	ShiftID       string    `gorm:"primaryKey;size:255"`
	SwapRequestID string    `gorm:"index;not null;size:36"`
	CreatedAt     time.Time
}

// Migrate creates or updates the ledger tables
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.ShiftInstance{}, &models.SwapRequest{}, &SwapLock{})
}

// Store implements Ledger on top of gorm
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a ledger store backed by db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the clock used for timestamps
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func validateShift(inst *models.ShiftInstance) error {
	if inst.ID == "" {
		return invalid("shift id is required")
	}
	if !inst.End.After(inst.Start) {
		return invalid("shift %s ends at or before its start", inst.ID)
	}
	if inst.Status.Pending() && inst.PendingSwapID == nil {
		return invalid("shift %s is %s without a pending swap request", inst.ID, inst.Status)
	}
	return nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// Upsert inserts or revision-checks and updates a shift instance. It never
// moves a shift into or out of a pending swap state; only swap transitions do.
func (s *Store) Upsert(ctx context.Context, inst *models.ShiftInstance, expectedRevision int64) (*models.ShiftInstance, error) {
	out := *inst
	out.Start = inst.Start.UTC()
	out.End = inst.End.UTC()
	if out.Status == "" {
		out.Status = models.StatusScheduled
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.ShiftInstance
		err := tx.Where("id = ?", out.ID).Take(&cur).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		exists := err == nil

		if expectedRevision == 0 {
			if exists {
				return conflict("shift %s already exists at revision %d", out.ID, cur.Revision)
			}
			if out.Status.Pending() {
				return invalid("shift %s cannot be created in status %s", out.ID, out.Status)
			}
			out.Revision = 1
			out.PendingSwapID = nil
			out.CalendarEventID = nil
			out.ProjectionHash = ""
			if err := validateShift(&out); err != nil {
				return err
			}
			if err := tx.Create(&out).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return conflict("shift %s already exists", out.ID)
				}
				return err
			}
			return nil
		}

		if !exists {
			return fmt.Errorf("shift %s: %w", out.ID, ErrNotFound)
		}
		if cur.Revision != expectedRevision {
			return conflict("shift %s is at revision %d, expected %d", out.ID, cur.Revision, expectedRevision)
		}
		if cur.Status.Pending() != out.Status.Pending() || (cur.Status.Pending() && cur.Status != out.Status) {
			return invalid("status of shift %s is held by a swap request", out.ID)
		}

		out.PendingSwapID = cur.PendingSwapID
		out.CalendarEventID = cur.CalendarEventID
		out.ProjectionHash = cur.ProjectionHash
		out.CreatedAt = cur.CreatedAt
		out.Revision = expectedRevision + 1
		out.UpdatedAt = s.now()
		if err := validateShift(&out); err != nil {
			return err
		}

		res := tx.Model(&models.ShiftInstance{}).
			Where("id = ? AND revision = ?", out.ID, expectedRevision).
			Updates(map[string]any{
				"scope":               out.Scope,
				"source_record_id":    out.SourceRecordID,
				"starts_at":           out.Start,
				"ends_at":             out.End,
				"worker_ref":          out.WorkerRef,
				"source_assignee_ref": out.SourceAssigneeRef,
				"department_ref":      out.DepartmentRef,
				"status":              out.Status,
				"revision":            out.Revision,
				"updated_at":          out.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflict("shift %s changed concurrently", out.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns the shift instance with the given identity
func (s *Store) Get(ctx context.Context, id string) (*models.ShiftInstance, error) {
	var inst models.ShiftInstance
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&inst).Error; err != nil {
		return nil, notFound(err, "shift", id)
	}
	return &inst, nil
}

// ListByExternalWindow returns the scope's instances, cancelled ones included
func (s *Store) ListByExternalWindow(ctx context.Context, scope string, from, to time.Time) ([]models.ShiftInstance, error) {
	q := s.db.WithContext(ctx).Where("scope = ?", scope)
	if !from.IsZero() {
		q = q.Where("starts_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("starts_at < ?", to.UTC())
	}
	var out []models.ShiftInstance
	if err := q.Order("starts_at, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListByWorker returns the worker's live instances overlapping [from, to)
func (s *Store) ListByWorker(ctx context.Context, worker string, from, to time.Time) ([]models.ShiftInstance, error) {
	var out []models.ShiftInstance
	err := s.db.WithContext(ctx).
		Where("worker_ref = ? AND status <> ?", worker, models.StatusCancelled).
		Where("starts_at < ? AND ends_at > ?", to.UTC(), from.UTC()).
		Order("starts_at, id").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkProjected stores projection bookkeeping without bumping the revision
func (s *Store) MarkProjected(ctx context.Context, id, eventID, hash string) error {
	updates := map[string]any{"projection_hash": hash}
	if eventID != "" {
		updates["calendar_event_id"] = eventID
	}
	res := s.db.WithContext(ctx).Model(&models.ShiftInstance{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return conflict("calendar event %s belongs to another shift", eventID)
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("shift %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateSwapRequest validates via effect, claims the shifts and inserts the
// request in one transaction.
func (s *Store) CreateSwapRequest(ctx context.Context, req *models.SwapRequest, effect SideEffect) (*models.SwapRequest, error) {
	out := *req
	if out.ID == "" {
		return nil, invalid("swap request id is required")
	}
	if out.CounterShiftID != nil && *out.CounterShiftID == out.ShiftID {
		return nil, invalid("a shift cannot be exchanged with itself")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		uow := newUnitOfWork(tx)
		if effect != nil {
			if err := effect(uow, &out); err != nil {
				return err
			}
		}

		status := models.StatusSwapPending
		if out.Kind == models.KindMarketplace {
			status = models.StatusClaimable
		}
		for _, id := range out.ShiftIDs() {
			sh, err := uow.Shift(id)
			if err != nil {
				return err
			}
			if sh.Status == models.StatusCancelled {
				return invalid("shift %s is cancelled", id)
			}
			if sh.PendingSwapID != nil || sh.Status.Pending() {
				return invalid("shift %s already has a pending swap request", id)
			}
			reqID := out.ID
			sh.Status = status
			sh.PendingSwapID = &reqID
			uow.Touch(sh)

			if err := tx.Create(&SwapLock{ShiftID: id, SwapRequestID: out.ID}).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return conflict("shift %s was claimed by another swap request", id)
				}
				return err
			}
		}

		now := s.now()
		out.State = models.SwapOpen
		out.CreatedAt = now
		out.UpdatedAt = now
		out.ResolvedAt = nil
		if out.ExpiresAt != nil {
			exp := out.ExpiresAt.UTC()
			out.ExpiresAt = &exp
		}
		if err := tx.Create(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return conflict("swap request %s already exists", out.ID)
			}
			return err
		}
		return uow.flush(now)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSwapRequest returns the swap request with the given id
func (s *Store) GetSwapRequest(ctx context.Context, id string) (*models.SwapRequest, error) {
	var req models.SwapRequest
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&req).Error; err != nil {
		return nil, notFound(err, "swap request", id)
	}
	return &req, nil
}

// ListSwapRequests returns requests matching filter, newest first
func (s *Store) ListSwapRequests(ctx context.Context, filter SwapFilter) ([]models.SwapRequest, error) {
	q := s.db.WithContext(ctx).Model(&models.SwapRequest{})
	if filter.Scope != "" {
		q = q.Where("scope = ?", filter.Scope)
	}
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.Worker != "" {
		q = q.Where("(requester_ref = ? OR counterpart_ref = ? OR responder_ref = ?)", filter.Worker, filter.Worker, filter.Worker)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []models.SwapRequest
	if err := q.Order("created_at desc, id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListExpiredSwapRequests returns open requests whose expiry is at or before now
func (s *Store) ListExpiredSwapRequests(ctx context.Context, now time.Time) ([]models.SwapRequest, error) {
	var out []models.SwapRequest
	err := s.db.WithContext(ctx).
		Where("state = ? AND expires_at IS NOT NULL AND expires_at <= ?", models.SwapOpen, now.UTC()).
		Order("expires_at, id").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransitionSwapRequest applies an expected-state-checked workflow transition
func (s *Store) TransitionSwapRequest(ctx context.Context, id string, expected, next models.SwapState, effect SideEffect) (*models.SwapRequest, error) {
	if !expected.CanTransition(next) {
		return nil, invalid("transition %s -> %s is not allowed", expected, next)
	}

	var out models.SwapRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&out).Error; err != nil {
			return notFound(err, "swap request", id)
		}
		if out.State != expected {
			return conflict("swap request %s is %s, expected %s", id, out.State, expected)
		}

		uow := newUnitOfWork(tx)
		if effect != nil {
			if err := effect(uow, &out); err != nil {
				return err
			}
		}

		now := s.now()
		out.State = next
		out.UpdatedAt = now
		if next.Terminal() {
			resolved := now.UTC()
			out.ResolvedAt = &resolved
			if err := s.release(tx, uow, &out); err != nil {
				return err
			}
		}

		res := tx.Model(&models.SwapRequest{}).
			Where("id = ? AND state = ?", id, expected).
			Updates(map[string]any{
				"state":         out.State,
				"reason":        out.Reason,
				"responder_ref": out.ResponderRef,
				"resolved_at":   out.ResolvedAt,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflict("swap request %s changed concurrently", id)
		}
		return uow.flush(now)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// release returns the request's shifts to Scheduled and frees their locks.
// A cancelled shift stays cancelled.
func (s *Store) release(tx *gorm.DB, uow *unitOfWork, req *models.SwapRequest) error {
	for _, id := range req.ShiftIDs() {
		sh, err := uow.Shift(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if sh.PendingSwapID == nil || *sh.PendingSwapID != req.ID {
			continue
		}
		sh.PendingSwapID = nil
		if sh.Status != models.StatusCancelled {
			sh.Status = models.StatusScheduled
		}
		uow.Touch(sh)
	}
	return tx.Where("swap_request_id = ?", req.ID).Delete(&SwapLock{}).Error
}

var _ Ledger = (*Store)(nil)
