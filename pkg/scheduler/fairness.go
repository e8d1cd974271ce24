package scheduler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/models"
)

// Load is a worker's assigned hours and shifts within a window
type Load struct {
	WorkerRef      string   `json:"worker"`
	AssignedHours  float64  `json:"assigned_hours"`
	AssignedShifts []string `json:"assigned_shifts"`
}

// Candidate is an eligible claimant for a marketplace listing
type Candidate struct {
	WorkerRef     string  `json:"worker"`
	AssignedHours float64 `json:"assigned_hours"`
	ShiftCount    int     `json:"shift_count"`
}

// FairnessReport summarizes how evenly hours are spread across workers
type FairnessReport struct {
	Scope         string  `json:"scope"`
	From          string  `json:"from"`
	To            string  `json:"to"`
	FairnessScore float64 `json:"fairness_score"`
	Workers       []Load  `json:"workers"`
}

// Overlap checks if two time ranges overlap
func Overlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// Loads totals live shifts per worker. Every ref in workers gets an entry,
// with zero hours if it has no shifts.
func Loads(shifts []models.ShiftInstance, workers []string) map[string]*Load {
	loads := make(map[string]*Load, len(workers))
	for _, w := range workers {
		loads[w] = &Load{WorkerRef: w}
	}
	for i := range shifts {
		sh := &shifts[i]
		if sh.Status == models.StatusCancelled {
			continue
		}
		l, ok := loads[sh.WorkerRef]
		if !ok {
			l = &Load{WorkerRef: sh.WorkerRef}
			loads[sh.WorkerRef] = l
		}
		l.AssignedHours += sh.DurationHours()
		l.AssignedShifts = append(l.AssignedShifts, sh.ID)
	}
	return loads
}

// WouldOverlap checks if a worker's existing shifts overlap with target
func WouldOverlap(load *Load, index map[string]*models.ShiftInstance, target *models.ShiftInstance) bool {
	for _, id := range load.AssignedShifts {
		existing, ok := index[id]
		if !ok || existing.ID == target.ID {
			continue
		}
		if Overlap(existing.Start, existing.End, target.Start, target.End) {
			return true
		}
	}
	return false
}

// FairnessScore returns a percentage (0-100) representing how evenly
// hours are distributed. 100% is perfectly fair (Standard Deviation = 0).
func FairnessScore(loads map[string]*Load) float64 {
	if len(loads) == 0 {
		return 100.0
	}

	var sum float64
	for _, l := range loads {
		sum += l.AssignedHours
	}

	if sum == 0 {
		return 100.0 // Everyone having 0 hours is perfectly fair
	}

	mean := sum / float64(len(loads))

	var varianceSum float64
	for _, l := range loads {
		diff := l.AssignedHours - mean
		varianceSum += diff * diff
	}
	stdDev := math.Sqrt(varianceSum / float64(len(loads)))

	// 100% means SD is 0. 0% means SD is >= mean.
	score := (1.0 - (stdDev / mean)) * 100.0
	if score < 0 {
		return 0.0
	}
	return score
}

// Rank orders the workers who could take target, fewest hours first. The
// reasons slice explains why others were left out.
func Rank(target *models.ShiftInstance, shifts []models.ShiftInstance, workers []string, exclude ...string) ([]Candidate, []string) {
	index := make(map[string]*models.ShiftInstance, len(shifts))
	for i := range shifts {
		index[shifts[i].ID] = &shifts[i]
	}
	skip := make(map[string]bool, len(exclude)+1)
	for _, w := range exclude {
		skip[w] = true
	}
	skip[target.WorkerRef] = true

	loads := Loads(shifts, workers)
	var (
		out          []Candidate
		overlapCount int
	)
	for ref, l := range loads {
		if skip[ref] {
			continue
		}
		if WouldOverlap(l, index, target) {
			overlapCount++
			continue
		}
		out = append(out, Candidate{WorkerRef: ref, AssignedHours: l.AssignedHours, ShiftCount: len(l.AssignedShifts)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AssignedHours != out[j].AssignedHours {
			return out[i].AssignedHours < out[j].AssignedHours
		}
		return out[i].WorkerRef < out[j].WorkerRef
	})

	var reasons []string
	if overlapCount > 0 {
		reasons = append(reasons, fmt.Sprintf("%d workers had overlapping shifts", overlapCount))
	}
	if len(out) == 0 && len(reasons) == 0 {
		reasons = append(reasons, "no other workers found in this scope")
	}
	return out, reasons
}

// Report builds the fairness report for a scope window
func Report(scope string, from, to time.Time, shifts []models.ShiftInstance, workers []string) FairnessReport {
	loads := Loads(shifts, workers)
	rows := make([]Load, 0, len(loads))
	for _, l := range loads {
		rows = append(rows, *l)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].WorkerRef < rows[j].WorkerRef })

	return FairnessReport{
		Scope:         scope,
		From:          from.Format(time.RFC3339),
		To:            to.Format(time.RFC3339),
		FairnessScore: FairnessScore(loads),
		Workers:       rows,
	}
}
