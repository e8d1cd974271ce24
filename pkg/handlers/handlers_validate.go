package handlers

import (
	"net/http"

	"github.com/arnavshah/rota-swap-go/pkg/swap"
	"github.com/gin-gonic/gin"
)

// ValidateSwap dry-runs a swap request for the calling worker
func (h *Handler) ValidateSwap(c *gin.Context) {
	var input swap.CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	input.Requester = workerRef(c)

	req, err := h.Swaps.Validate(c.Request.Context(), input)
	if err != nil {
		status, code := errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error(), "code": code})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"request": req,
	})
}
