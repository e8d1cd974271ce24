// Package ledger is the authoritative store of shift instances and swap
// requests. Every mutation is a single transaction scoped to one shift
// instance, or to one swap request plus the instances it references, and is
// checked against the instance revision or the request's current state.
package ledger

import (
	"context"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/models"
)

// Ledger is the transactional contract shared by the reconciler and the swap engine.
type Ledger interface {
	// Upsert inserts inst when expectedRevision is 0, otherwise updates it if
	// the stored revision still equals expectedRevision.
	Upsert(ctx context.Context, inst *models.ShiftInstance, expectedRevision int64) (*models.ShiftInstance, error)
	Get(ctx context.Context, id string) (*models.ShiftInstance, error)
	// ListByExternalWindow returns the scope's instances starting in [from, to).
	// A zero bound leaves that side open.
	ListByExternalWindow(ctx context.Context, scope string, from, to time.Time) ([]models.ShiftInstance, error)
	// ListByWorker returns live instances of worker overlapping [from, to).
	ListByWorker(ctx context.Context, worker string, from, to time.Time) ([]models.ShiftInstance, error)
	// MarkProjected records the calendar event and payload hash last pushed for
	// an instance. It does not count as a content mutation.
	MarkProjected(ctx context.Context, id, eventID, hash string) error

	CreateSwapRequest(ctx context.Context, req *models.SwapRequest, effect SideEffect) (*models.SwapRequest, error)
	GetSwapRequest(ctx context.Context, id string) (*models.SwapRequest, error)
	ListSwapRequests(ctx context.Context, filter SwapFilter) ([]models.SwapRequest, error)
	ListExpiredSwapRequests(ctx context.Context, now time.Time) ([]models.SwapRequest, error)
	// TransitionSwapRequest moves a request from expected to next and applies
	// effect in the same transaction. Terminal transitions release the
	// referenced shifts back to Scheduled.
	TransitionSwapRequest(ctx context.Context, id string, expected, next models.SwapState, effect SideEffect) (*models.SwapRequest, error)
}

// Tx is the unit of work handed to a side effect. Shifts read through it are
// written back once, with a single revision bump, when the transaction commits.
type Tx interface {
	Shift(id string) (*models.ShiftInstance, error)
	Touch(inst *models.ShiftInstance)
}

// SideEffect runs inside a swap transaction. Returning an error rolls back
// the whole transition. It may set Reason and ResponderRef on req.
type SideEffect func(tx Tx, req *models.SwapRequest) error

// SwapFilter narrows ListSwapRequests. Empty fields match everything.
type SwapFilter struct {
	Scope  string
	State  models.SwapState
	Kind   models.SwapKind
	Worker string
	Limit  int
}
