package handlers

import (
	"net/http"

	"github.com/arnavshah/rota-swap-go/pkg/logging"
	"github.com/arnavshah/rota-swap-go/pkg/metrics"
	"github.com/gin-gonic/gin"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

// NewRouter registers every route on a fresh gin engine
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(h.Log))

	// Admin interface - serve static files from embedded FS
	r.StaticFS("/static", h.GetStaticFS())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Rota Swap API",
			"version": Version,
		})
	})
	r.GET("/healthz", func(c *gin.Context) {
		if db, err := h.DB.DB(); err != nil || db.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler())

	r.GET("/admin", h.AdminInterface)
	r.POST("/admin/login", h.Login)

	// Admin Endpoints
	admin := r.Group("/admin")
	admin.Use(h.AuthMiddleware())
	{
		admin.POST("/keys", h.GenerateKey)
		admin.GET("/keys", h.ListKeys)
		admin.PUT("/keys/:id", h.UpdateKeyLimit)
		admin.DELETE("/keys/:id", h.RevokeKey)
		admin.GET("/usage/:id", h.GetUsage)

		admin.GET("/scopes", h.ListScopes)
		admin.POST("/scopes/:scope/reconcile", h.Reconcile)
		admin.POST("/scopes/:scope/snapshot", h.PushSnapshot)
		admin.POST("/scopes/:scope/snapshot/csv", h.PushSnapshotCSV)
		admin.GET("/scopes/:scope/fairness", h.Fairness)
		admin.GET("/sync/history", h.SyncHistory)
		admin.GET("/shifts", h.AdminShifts)

		admin.GET("/swaps", h.AdminListSwaps)
		admin.POST("/swaps/sweep", h.Sweep)
		admin.GET("/swaps/:id/candidates", h.SwapCandidates)
		admin.POST("/swaps/:id/commit", h.AdminCommitSwap)
		admin.POST("/swaps/:id/reject", h.AdminRejectSwap)

		admin.GET("/notifications", h.PendingNotifications)
		admin.POST("/notifications/ack", h.AckNotifications)
	}

	// Worker Endpoints
	api := r.Group("/api")
	api.Use(h.APIKeyMiddleware())
	{
		api.GET("/shifts", h.MyShifts)
		api.GET("/marketplace", h.Marketplace)
		api.GET("/swaps", h.MySwaps)
		api.POST("/swaps", h.CreateSwap)
		api.GET("/swaps/:id", h.GetSwap)
		api.POST("/swaps/:id/accept", h.AcceptSwap)
		api.POST("/swaps/:id/commit", h.CommitSwap)
		api.POST("/swaps/:id/reject", h.RejectSwap)
		api.POST("/validate", h.ValidateSwap)
		api.GET("/usage", h.GetMyUsage)
	}

	return r
}
