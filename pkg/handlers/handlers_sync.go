package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/arnavshah/rota-swap-go/pkg/config"
	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/arnavshah/rota-swap-go/pkg/scheduler"
	"github.com/arnavshah/rota-swap-go/pkg/source"
	"github.com/gin-gonic/gin"
)

func (h *Handler) scope(c *gin.Context) (config.Scope, bool) {
	name := c.Param("scope")
	if name == "" {
		name = c.Query("scope")
	}
	scope, ok := h.Config.Scope(name)
	if !ok {
		h.respondError(c, fmt.Errorf("scope %q: %w", name, ledger.ErrNotFound))
		return config.Scope{}, false
	}
	return scope, true
}

// ListScopes returns the configured scopes
func (h *Handler) ListScopes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scopes": h.Config.Scopes})
}

// Reconcile runs a pass for the scope now
func (h *Handler) Reconcile(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	report, err := h.Driver.TriggerPass(c.Request.Context(), scope)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// PushSnapshot applies a JSON snapshot to the scope. For push scopes the
// snapshot is also kept for later scheduled passes.
func (h *Handler) PushSnapshot(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	var snap models.Snapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}
	h.applySnapshot(c, scope, snap)
}

// PushSnapshotCSV applies an uploaded CSV snapshot to the scope
func (h *Handler) PushSnapshotCSV(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required", "code": "invalid_request"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open uploaded file"})
		return
	}
	defer f.Close()

	records, err := source.ParseCSV(f, scope.Location(), scope.Department)
	if err != nil {
		h.respondError(c, fmt.Errorf("%v: %w", err, ledger.ErrInvalidRequest))
		return
	}
	h.applySnapshot(c, scope, models.Snapshot{Records: records})
}

func (h *Handler) applySnapshot(c *gin.Context, scope config.Scope, snap models.Snapshot) {
	if scope.Source.Kind == config.SourcePush && h.Static != nil {
		h.Static.Set(scope.Name, snap)
	}
	report, err := h.Driver.TriggerWith(c.Request.Context(), scope, func(ctx context.Context) (*models.ReconciliationReport, error) {
		return h.Reconciler.Apply(ctx, scope, snap)
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// SyncHistory lists recent passes, optionally for one scope
func (h *Handler) SyncHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	rows, err := h.History.Recent(c.Request.Context(), c.Query("scope"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": rows})
}

// AdminShifts lists a scope's ledger shifts in a window
func (h *Handler) AdminShifts(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	from, to, err := parseWindow(c, 30)
	if err != nil {
		h.respondError(c, err)
		return
	}
	shifts, err := h.Ledger.ListByExternalWindow(c.Request.Context(), scope.Name, from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope.Name, "shifts": shifts})
}

// Fairness reports how evenly hours are spread across the scope's workers
func (h *Handler) Fairness(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	from, to, err := parseWindow(c, 28)
	if err != nil {
		h.respondError(c, err)
		return
	}
	shifts, err := h.Ledger.ListByExternalWindow(c.Request.Context(), scope.Name, from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	workers := make([]string, 0, len(scope.Workers))
	for _, w := range scope.Workers {
		workers = append(workers, w.Ref)
	}
	c.JSON(http.StatusOK, scheduler.Report(scope.Name, from, to, shifts, workers))
}

// PendingNotifications returns undelivered notifications for a transport to drain
func (h *Handler) PendingNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := h.Outbox.Pending(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": rows})
}

// AckNotifications marks notifications as delivered
func (h *Handler) AckNotifications(c *gin.Context) {
	var body struct {
		IDs []uint `json:"ids" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}
	n, err := h.Outbox.MarkSent(c.Request.Context(), body.IDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": n})
}
