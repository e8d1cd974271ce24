// Package source adapts external sources of record into normalized snapshots
// of candidate shift instances.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/models"
)

// Source fetches the current full snapshot for a scope. Identical unchanged
// input must yield identical output across calls.
type Source interface {
	FetchSnapshot(ctx context.Context, scope config.Scope) (models.Snapshot, error)
}

// Mux dispatches to a Source by the scope's configured source kind
type Mux map[string]Source

// FetchSnapshot implements Source
func (m Mux) FetchSnapshot(ctx context.Context, scope config.Scope) (models.Snapshot, error) {
	src, ok := m[scope.Source.Kind]
	if !ok {
		return models.Snapshot{}, fmt.Errorf("scope %s: no source registered for kind %q", scope.Name, scope.Source.Kind)
	}
	return src.FetchSnapshot(ctx, scope)
}

// Static holds pushed snapshots in memory. It backs the push API and tests.
type Static struct {
	mu    sync.RWMutex
	snaps map[string]models.Snapshot
}

// NewStatic creates an empty static source
func NewStatic() *Static {
	return &Static{snaps: make(map[string]models.Snapshot)}
}

// Set replaces the snapshot served for scope
func (s *Static) Set(scope string, snap models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := append([]models.SourceRecord(nil), snap.Records...)
	snap.Records = records
	s.snaps[scope] = snap
}

// FetchSnapshot implements Source. A scope with nothing pushed yet returns
// an error rather than an empty snapshot, which would cancel every shift.
func (s *Static) FetchSnapshot(_ context.Context, scope config.Scope) (models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[scope.Name]
	if !ok {
		return models.Snapshot{}, fmt.Errorf("scope %s: no snapshot has been pushed", scope.Name)
	}
	snap.Records = append([]models.SourceRecord(nil), snap.Records...)
	return snap, nil
}

// sortRecords orders records deterministically by start, then id
func sortRecords(records []models.SourceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Start.Equal(records[j].Start) {
			return records[i].Start.Before(records[j].Start)
		}
		return records[i].SourceRecordID < records[j].SourceRecordID
	})
}
