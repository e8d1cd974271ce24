package database

import (
	"context"
	"strings"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/models"
	"gorm.io/gorm"
)

// Sync statuses
const (
	SyncSuccess = "success"
	SyncPartial = "partial"
	SyncError   = "error"
)

// SyncHistory represents the sync_histories table, one row per reconciliation pass
type SyncHistory struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Scope            string    `gorm:"index;not null" json:"scope"`
	SyncedAt         time.Time `gorm:"index" json:"synced_at"`
	DurationMS       int64     `json:"duration_ms"`
	Inserted         int       `json:"inserted"`
	Updated          int       `json:"updated"`
	Cancelled        int       `json:"cancelled"`
	Unchanged        int       `json:"unchanged"`
	Failed           int       `json:"failed"`
	Projected        int       `json:"projected"`
	ProjectionFailed int       `json:"projection_failed"`
	SwapsRejected    int       `json:"swaps_rejected"`
	Status           string    `gorm:"size:20;not null" json:"status"`
	ErrorMessage     string    `gorm:"type:text" json:"error_message,omitempty"`
}

// HistoryRepo records and lists sync history
type HistoryRepo struct {
	DB *gorm.DB
}

// Record stores the outcome of a pass. A nil report with a non-nil err
// records a pass that could not run at all.
func (r *HistoryRepo) Record(ctx context.Context, scope string, report *models.ReconciliationReport, passErr error) (*SyncHistory, error) {
	row := SyncHistory{Scope: scope, SyncedAt: time.Now().UTC(), Status: SyncSuccess}
	if report != nil {
		row.SyncedAt = report.StartedAt.UTC()
		row.DurationMS = report.FinishedAt.Sub(report.StartedAt).Milliseconds()
		row.Inserted = report.Inserted
		row.Updated = report.Updated
		row.Cancelled = report.Cancelled
		row.Unchanged = report.Unchanged
		row.Failed = report.Failed
		row.Projected = report.Projected
		row.ProjectionFailed = report.ProjectionFailed
		row.SwapsRejected = report.SwapsRejected
		if report.Failed > 0 || report.ProjectionFailed > 0 {
			row.Status = SyncPartial
			msgs := make([]string, 0, len(report.Failures))
			for _, f := range report.Failures {
				msgs = append(msgs, string(f.Kind)+": "+f.Message)
			}
			row.ErrorMessage = strings.Join(msgs, "; ")
		}
	}
	if passErr != nil {
		row.Status = SyncError
		row.ErrorMessage = passErr.Error()
	}
	if err := r.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Recent returns the latest history rows, newest first. An empty scope
// matches every scope.
func (r *HistoryRepo) Recent(ctx context.Context, scope string, limit int) ([]SyncHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.DB.WithContext(ctx).Order("synced_at desc, id desc").Limit(limit)
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	var rows []SyncHistory
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
