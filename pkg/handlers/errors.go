package handlers

import (
	"errors"
	"net/http"

	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/scheduler"
	"github.com/arnavshah/rota-swap-go/pkg/swap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorStatus maps a domain error to an HTTP status and a stable code
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, swap.ErrAlreadyClaimed):
		return http.StatusConflict, "already_claimed"
	case errors.Is(err, ledger.ErrStaleShift):
		return http.StatusConflict, "stale_shift"
	case errors.Is(err, scheduler.ErrPassInProgress):
		return http.StatusConflict, "pass_in_progress"
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrAdapterTimeout):
		return http.StatusGatewayTimeout, "adapter_timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}
