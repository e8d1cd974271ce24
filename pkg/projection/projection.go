// Package projection mirrors ledger shift instances into an external calendar.
// Projection is best effort: the ledger stays the source of truth and a failed
// projection is retried by the next reconciliation pass.
package projection

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"strings"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/models"
)

// DeletedHash marks an instance whose calendar event has been removed
const DeletedHash = "deleted"

// Event is the calendar payload for one shift instance
type Event struct {
	CalendarID  string
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
}

// Projector creates, updates and deletes calendar events. Both operations are
// idempotent: upserting an unchanged payload under the same key is a no-op
// and deleting a missing event is not an error.
type Projector interface {
	// UpsertEvent writes ev under key, reusing existingID when set, and
	// returns the external event id.
	UpsertEvent(ctx context.Context, key, existingID string, ev Event) (string, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// Sharer is implemented by projectors that can grant calendar access
type Sharer interface {
	EnsureShared(ctx context.Context, calendarID string, emails []string) error
}

// EventID derives the external event id from an instance identity. Google
// Calendar accepts base32hex ids, and the same identity always maps to the
// same id, so an id is never handed to a different instance.
func EventID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return strings.ToLower(base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:]))
}

// EventFor builds the payload for inst in the scope's calendar
func EventFor(inst *models.ShiftInstance, scope config.Scope) Event {
	loc := scope.Location()
	start := inst.Start.In(loc)
	end := inst.End.In(loc)

	name := inst.WorkerRef
	if w, ok := scope.Worker(inst.WorkerRef); ok && w.Name != "" {
		name = w.Name
	}

	var desc strings.Builder
	desc.WriteString(name + " - " + start.Format("2006-01-02"))
	if inst.DepartmentRef != "" {
		desc.WriteString("\n" + inst.DepartmentRef)
	}
	desc.WriteString("\nref: " + inst.ID)

	return Event{
		CalendarID:  scope.CalendarID,
		Summary:     name + " (" + start.Format("15:04") + " - " + end.Format("15:04") + ")",
		Description: desc.String(),
		Start:       inst.Start.UTC(),
		End:         inst.End.UTC(),
		TimeZone:    scope.TimeZone,
	}
}

// Hash fingerprints an event payload so unchanged payloads are never re-sent
func Hash(ev Event) string {
	h := sha256.New()
	for _, part := range []string{
		ev.CalendarID,
		ev.Summary,
		ev.Description,
		ev.Start.UTC().Format(time.RFC3339),
		ev.End.UTC().Format(time.RFC3339),
		ev.TimeZone,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DesiredHash is the projection hash inst should carry once projected
func DesiredHash(inst *models.ShiftInstance, scope config.Scope) string {
	if inst.Status == models.StatusCancelled {
		return DeletedHash
	}
	return Hash(EventFor(inst, scope))
}
