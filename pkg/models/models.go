package models

import (
	"fmt"
	"time"
)

// ShiftStatus tags the assignment state of a shift instance
type ShiftStatus string

const (
	StatusScheduled   ShiftStatus = "scheduled"
	StatusSwapPending ShiftStatus = "swap_pending"
	StatusClaimable   ShiftStatus = "claimable"
	StatusCancelled   ShiftStatus = "cancelled"
)

// Pending reports whether the status is held by an open swap workflow
func (s ShiftStatus) Pending() bool {
	return s == StatusSwapPending || s == StatusClaimable
}

// ShiftInstance is one concrete occurrence of work, keyed by its natural identity
type ShiftInstance struct {
	ID                string      `gorm:"primaryKey;size:255" json:"id"`
	Scope             string      `gorm:"index;not null" json:"scope"`
	SourceRecordID    string      `gorm:"index;not null" json:"source_record_id"`
	Start             time.Time   `gorm:"column:starts_at;index;not null" json:"start"`
	End               time.Time   `gorm:"column:ends_at;not null" json:"end"`
	WorkerRef         string      `gorm:"index;not null" json:"worker"`
	// SourceAssigneeRef is the assignee the source last reported. A commit
	// changes WorkerRef but never this.
	SourceAssigneeRef string      `json:"source_assignee,omitempty"`
	DepartmentRef     string      `json:"department,omitempty"`
	CalendarEventID   *string     `gorm:"uniqueIndex" json:"calendar_event_id,omitempty"`
	ProjectionHash    string      `gorm:"size:64" json:"-"`
	Revision          int64       `gorm:"not null" json:"revision"`
	Status            ShiftStatus `gorm:"size:20;not null;default:'scheduled'" json:"status"`
	PendingSwapID     *string     `gorm:"index" json:"pending_swap_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// DurationHours returns the length of the shift in hours
func (s *ShiftInstance) DurationHours() float64 {
	return s.End.Sub(s.Start).Hours()
}

// NaturalKey derives the stable identity of a shift instance from its source
// record id and the calendar date of its start.
func NaturalKey(scope, sourceRecordID string, start time.Time) string {
	return fmt.Sprintf("%s:%s@%s", scope, sourceRecordID, start.Format("2006-01-02"))
}

// SwapKind distinguishes a 1:1 request from an open marketplace listing
type SwapKind string

const (
	KindDirect      SwapKind = "direct"
	KindMarketplace SwapKind = "marketplace"
)

// SwapState is a state of the swap workflow
type SwapState string

const (
	SwapOpen      SwapState = "open"
	SwapAccepted  SwapState = "accepted"
	SwapRejected  SwapState = "rejected"
	SwapExpired   SwapState = "expired"
	SwapCommitted SwapState = "committed"
)

var swapTransitions = map[SwapState][]SwapState{
	SwapOpen:     {SwapAccepted, SwapRejected, SwapExpired},
	SwapAccepted: {SwapCommitted, SwapRejected},
}

// Terminal reports whether no further transition is possible
func (s SwapState) Terminal() bool {
	return s == SwapRejected || s == SwapExpired || s == SwapCommitted
}

// CanTransition reports whether next is reachable from s in one step
func (s SwapState) CanTransition(next SwapState) bool {
	for _, to := range swapTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// ReasonSourceRemoved is recorded on swap requests rejected because their
// shift disappeared from the source.
const ReasonSourceRemoved = "source shift removed"

// SwapRequest is a proposed 1:1 exchange, handover, or marketplace give-away
type SwapRequest struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	Scope          string     `gorm:"index;not null" json:"scope"`
	Kind           SwapKind   `gorm:"size:20;not null" json:"kind"`
	RequesterRef   string     `gorm:"index;not null" json:"requester"`
	ShiftID        string     `gorm:"index;not null;size:255" json:"shift_id"`
	CounterShiftID *string    `gorm:"index;size:255" json:"counter_shift_id,omitempty"`
	CounterpartRef *string    `json:"counterpart,omitempty"`
	ResponderRef   *string    `json:"responder,omitempty"`
	State          SwapState  `gorm:"size:20;index;not null" json:"state"`
	Reason         string     `gorm:"size:500" json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `gorm:"index" json:"expires_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ShiftIDs returns every shift the request references
func (r *SwapRequest) ShiftIDs() []string {
	ids := []string{r.ShiftID}
	if r.CounterShiftID != nil && *r.CounterShiftID != "" {
		ids = append(ids, *r.CounterShiftID)
	}
	return ids
}

// Exchange reports whether the request trades two shifts
func (r *SwapRequest) Exchange() bool {
	return r.CounterShiftID != nil && *r.CounterShiftID != ""
}

// SourceRecord is one normalized candidate shift from the external source
type SourceRecord struct {
	SourceRecordID string    `json:"source_record_id" validate:"required"`
	Start          time.Time `json:"start" validate:"required"`
	End            time.Time `json:"end" validate:"required,gtfield=Start"`
	AssigneeRef    string    `json:"assignee" validate:"required"`
	DepartmentRef  string    `json:"department,omitempty"`
}

// Snapshot is the full set of records the source currently holds for a scope.
// A zero From or To leaves that side of the window open.
type Snapshot struct {
	Records []SourceRecord `json:"records"`
	From    time.Time      `json:"from,omitempty"`
	To      time.Time      `json:"to,omitempty"`
}

// FailureKind classifies a per-record reconciliation failure
type FailureKind string

const (
	FailureRecordConflict FailureKind = "record_conflict"
	FailureInvalidRecord  FailureKind = "invalid_record"
	FailureConflict       FailureKind = "conflict"
	FailureProjection     FailureKind = "projection"
	FailureAdapterTimeout FailureKind = "adapter_timeout"
	FailureLedger         FailureKind = "ledger"
)

// RecordFailure is the diagnostic for one record that a pass could not apply
type RecordFailure struct {
	Key            string      `json:"key,omitempty"`
	SourceRecordID string      `json:"source_record_id,omitempty"`
	Kind           FailureKind `json:"kind"`
	Message        string      `json:"message"`
}

// ReconciliationReport summarizes one reconciliation pass
type ReconciliationReport struct {
	Scope            string          `json:"scope"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	Inserted         int             `json:"inserted"`
	Updated          int             `json:"updated"`
	Cancelled        int             `json:"cancelled"`
	Unchanged        int             `json:"unchanged"`
	Failed           int             `json:"failed"`
	Projected        int             `json:"projected"`
	ProjectionFailed int             `json:"projection_failed"`
	Notified         int             `json:"notified"`
	SwapsRejected    int             `json:"swaps_rejected"`
	Failures         []RecordFailure `json:"failures,omitempty"`
}

// Mutations returns the number of ledger writes the pass performed
func (r *ReconciliationReport) Mutations() int {
	return r.Inserted + r.Updated + r.Cancelled
}

// Fail records a failed record in the report
func (r *ReconciliationReport) Fail(key, sourceRecordID string, kind FailureKind, err error) {
	r.Failed++
	r.Failures = append(r.Failures, RecordFailure{
		Key:            key,
		SourceRecordID: sourceRecordID,
		Kind:           kind,
		Message:        err.Error(),
	})
}

// FailProjection records a projection step that will be retried next pass.
// The ledger mutation for the record still counts as applied.
func (r *ReconciliationReport) FailProjection(key string, kind FailureKind, err error) {
	r.ProjectionFailed++
	r.Failures = append(r.Failures, RecordFailure{
		Key:     key,
		Kind:    kind,
		Message: err.Error(),
	})
}
