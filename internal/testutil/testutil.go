// Package testutil provides an in-memory database and small fakes shared by
// package tests.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/database"
	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/arnavshah/rota-swap-go/pkg/notify"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// Now is the fixed clock used across tests
var Now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock returns Now
func Clock() time.Time { return Now }

// NewTestDB opens a migrated in-memory sqlite database
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, ledger.Migrate(db))
	require.NoError(t, notify.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// NewStore returns a ledger store on a fresh database using the fixed clock
func NewStore(t *testing.T) *ledger.Store {
	return ledger.NewStore(NewTestDB(t)).WithClock(Clock)
}

// Scope returns a push scope in UTC with the given workers
func Scope(name string, workers ...string) config.Scope {
	s := config.Scope{
		Name:       name,
		TimeZone:   "UTC",
		CalendarID: name + "@calendar",
		Source:     config.SourceConfig{Kind: config.SourcePush},
	}
	for _, w := range workers {
		s.Workers = append(s.Workers, config.Worker{Ref: w, Name: w, Channel: "email"})
	}
	return s
}

// Record builds a source record starting hoursFromNow after Now
func Record(id, worker string, hoursFromNow, length int) models.SourceRecord {
	start := Now.Add(time.Duration(hoursFromNow) * time.Hour)
	return models.SourceRecord{
		SourceRecordID: id,
		Start:          start,
		End:            start.Add(time.Duration(length) * time.Hour),
		AssigneeRef:    worker,
	}
}

// Shift inserts a scheduled shift for worker and returns it
func Shift(t *testing.T, l ledger.Ledger, scope, id, worker string, hoursFromNow, length int) *models.ShiftInstance {
	t.Helper()
	start := Now.Add(time.Duration(hoursFromNow) * time.Hour)
	inst, err := l.Upsert(context.Background(), &models.ShiftInstance{
		ID:                models.NaturalKey(scope, id, start),
		Scope:             scope,
		SourceRecordID:    id,
		Start:             start,
		End:               start.Add(time.Duration(length) * time.Hour),
		WorkerRef:         worker,
		SourceAssigneeRef: worker,
	}, 0)
	require.NoError(t, err)
	return inst
}

// Recorder is a Notifier that keeps every notification
type Recorder struct {
	mu  sync.Mutex
	All []notify.Notification
}

// Notify implements notify.Notifier
func (r *Recorder) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.All = append(r.All, n)
}

// Kinds returns the kinds delivered to worker, in order
func (r *Recorder) Kinds(worker string) []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.All {
		if n.WorkerRef == worker {
			out = append(out, n.Kind)
		}
	}
	return out
}

// Count returns how many notifications of kind were sent
func (r *Recorder) Count(kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.All {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

// Reset drops recorded notifications
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.All = nil
}
