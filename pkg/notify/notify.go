// Package notify hands state-change events to workers. Delivery is the
// transport's concern: the core calls Notify once per event and never retries.
package notify

import (
	"context"

	"github.com/arnavshah/rota-swap-go/pkg/metrics"
	"go.uber.org/zap"
)

// Kind names a user-visible event
type Kind string

const (
	KindShiftAssigned   Kind = "shift_assigned"
	KindShiftUnassigned Kind = "shift_unassigned"
	KindShiftChanged    Kind = "shift_changed"
	KindShiftCancelled  Kind = "shift_cancelled"
	KindShiftGained     Kind = "shift_gained"
	KindShiftLost       Kind = "shift_lost"
	KindSwapRequested   Kind = "swap_requested"
	KindSwapAccepted    Kind = "swap_accepted"
	KindSwapRejected    Kind = "swap_rejected"
	KindSwapExpired     Kind = "swap_expired"
)

// Notification is one event for one worker
type Notification struct {
	WorkerRef string         `json:"worker"`
	Channel   string         `json:"channel,omitempty"`
	Kind      Kind           `json:"kind"`
	Scope     string         `json:"scope"`
	ShiftID   string         `json:"shift_id,omitempty"`
	SwapID    string         `json:"swap_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notifier delivers notifications. Implementations handle their own failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Log writes notifications to the process log
type Log struct {
	Logger *zap.Logger
}

// Notify implements Notifier
func (l Log) Notify(_ context.Context, n Notification) {
	l.Logger.Info("notification",
		zap.String("worker", n.WorkerRef),
		zap.String("kind", string(n.Kind)),
		zap.String("scope", n.Scope),
		zap.String("shift_id", n.ShiftID),
		zap.String("swap_id", n.SwapID))
}

// Fanout sends every notification to each notifier in turn
type Fanout []Notifier

// Notify implements Notifier
func (f Fanout) Notify(ctx context.Context, n Notification) {
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind)).Inc()
	for _, target := range f {
		target.Notify(ctx, n)
	}
}

// Nop discards notifications
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, Notification) {}
