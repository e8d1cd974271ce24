package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outbox statuses
const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Record represents the notifications table. An external transport drains
// pending rows and acknowledges them.
type Record struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	WorkerRef string     `gorm:"index;not null" json:"worker"`
	Channel   string     `json:"channel,omitempty"`
	Kind      string     `gorm:"size:40;not null" json:"kind"`
	Scope     string     `gorm:"index" json:"scope"`
	ShiftID   string     `json:"shift_id,omitempty"`
	SwapID    string     `json:"swap_id,omitempty"`
	Payload   string     `gorm:"type:text" json:"payload,omitempty"`
	Status    string     `gorm:"size:20;index;not null;default:'pending'" json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
}

// TableName keeps the table name stable
func (Record) TableName() string { return "notifications" }

// Migrate creates the notifications table
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}

// Outbox persists notifications for delivery by an external transport
type Outbox struct {
	DB  *gorm.DB
	Log *zap.Logger
}

// Notify implements Notifier
func (o *Outbox) Notify(ctx context.Context, n Notification) {
	payload := ""
	if len(n.Payload) > 0 {
		if b, err := json.Marshal(n.Payload); err == nil {
			payload = string(b)
		}
	}
	rec := Record{
		WorkerRef: n.WorkerRef,
		Channel:   n.Channel,
		Kind:      string(n.Kind),
		Scope:     n.Scope,
		ShiftID:   n.ShiftID,
		SwapID:    n.SwapID,
		Payload:   payload,
		Status:    StatusPending,
	}
	if err := o.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		o.Log.Warn("failed to enqueue notification",
			zap.String("worker", n.WorkerRef),
			zap.String("kind", string(n.Kind)),
			zap.Error(err))
	}
}

// Pending returns undelivered notifications, oldest first
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	err := o.DB.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("id").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkSent acknowledges delivered notifications
func (o *Outbox) MarkSent(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	res := o.DB.WithContext(ctx).Model(&Record{}).
		Where("id IN ? AND status = ?", ids, StatusPending).
		Updates(map[string]any{"status": StatusSent, "sent_at": now})
	return res.RowsAffected, res.Error
}
