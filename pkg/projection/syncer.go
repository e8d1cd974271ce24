package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/metrics"
	"github.com/arnavshah/rota-swap-go/pkg/models"
)

// Marker stores projection bookkeeping on a shift instance
type Marker interface {
	MarkProjected(ctx context.Context, id, eventID, hash string) error
}

// Syncer brings one instance's calendar event in line with the ledger
type Syncer struct {
	Projector Projector
	Ledger    Marker
	Timeout   time.Duration
}

// Sync projects inst if its payload changed since the last successful
// projection. It reports whether the projector was called. A deadline
// overrun is returned as ledger.ErrAdapterTimeout.
func (s *Syncer) Sync(ctx context.Context, inst *models.ShiftInstance, scope config.Scope) (bool, error) {
	desired := DesiredHash(inst, scope)
	if inst.ProjectionHash == desired {
		return false, nil
	}

	callCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	if inst.Status == models.StatusCancelled {
		if inst.CalendarEventID == nil {
			return false, s.mark(ctx, inst, "", desired)
		}
		err := s.Projector.DeleteEvent(callCtx, scope.CalendarID, *inst.CalendarEventID)
		record("delete", err)
		if err != nil {
			return true, classify(callCtx, "delete", inst.ID, err)
		}
		return true, s.mark(ctx, inst, "", desired)
	}

	existing := ""
	if inst.CalendarEventID != nil {
		existing = *inst.CalendarEventID
	}
	id, err := s.Projector.UpsertEvent(callCtx, inst.ID, existing, EventFor(inst, scope))
	record("upsert", err)
	if err != nil {
		return true, classify(callCtx, "upsert", inst.ID, err)
	}
	return true, s.mark(ctx, inst, id, desired)
}

func (s *Syncer) mark(ctx context.Context, inst *models.ShiftInstance, eventID, hash string) error {
	if err := s.Ledger.MarkProjected(ctx, inst.ID, eventID, hash); err != nil {
		return fmt.Errorf("record projection of %s: %w", inst.ID, err)
	}
	inst.ProjectionHash = hash
	if eventID != "" {
		inst.CalendarEventID = &eventID
	}
	return nil
}

func classify(ctx context.Context, op, id string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s event for %s: %w", op, id, ledger.ErrAdapterTimeout)
	}
	return fmt.Errorf("%s event for %s: %w", op, id, err)
}

func record(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ProjectionTotal.WithLabelValues(op, result).Inc()
}
