package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arnavshah/rota-swap-go/pkg/ledger"
	"github.com/arnavshah/rota-swap-go/pkg/models"
	"github.com/arnavshah/rota-swap-go/pkg/swap"
	"github.com/gin-gonic/gin"
)

// parseWindow reads ?from=&to= as RFC3339 or plain dates. Missing bounds
// default to now and now+days.
func parseWindow(c *gin.Context, days int) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, err := parseQueryTime(c.Query("from"), now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseQueryTime(c.Query("to"), from.AddDate(0, 0, days))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to must be after from: %w", ledger.ErrInvalidRequest)
	}
	return from, to, nil
}

func parseQueryTime(v string, fallback time.Time) (time.Time, error) {
	if v == "" {
		return fallback, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: %w", v, ledger.ErrInvalidRequest)
}

func isParty(req *models.SwapRequest, worker string) bool {
	if req.RequesterRef == worker {
		return true
	}
	if req.CounterpartRef != nil && *req.CounterpartRef == worker {
		return true
	}
	return req.ResponderRef != nil && *req.ResponderRef == worker
}

// MyShifts lists the calling worker's live shifts
func (h *Handler) MyShifts(c *gin.Context) {
	from, to, err := parseWindow(c, 30)
	if err != nil {
		h.respondError(c, err)
		return
	}
	shifts, err := h.Ledger.ListByWorker(c.Request.Context(), workerRef(c), from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.RecordUsage(c, len(shifts), 0)
	c.JSON(http.StatusOK, gin.H{"shifts": shifts})
}

// Marketplace lists open give-aways the calling worker could claim
func (h *Handler) Marketplace(c *gin.Context) {
	reqs, err := h.Swaps.List(c.Request.Context(), ledger.SwapFilter{
		Scope: c.Query("scope"),
		State: models.SwapOpen,
		Kind:  models.KindMarketplace,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	me := workerRef(c)
	listings := make([]models.SwapRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.RequesterRef != me {
			listings = append(listings, r)
		}
	}
	h.RecordUsage(c, 0, len(listings))
	c.JSON(http.StatusOK, gin.H{"listings": listings})
}

// MySwaps lists swap requests the calling worker is party to
func (h *Handler) MySwaps(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	reqs, err := h.Swaps.List(c.Request.Context(), ledger.SwapFilter{
		Worker: workerRef(c),
		State:  models.SwapState(c.Query("state")),
		Limit:  limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.RecordUsage(c, 0, len(reqs))
	c.JSON(http.StatusOK, gin.H{"swaps": reqs})
}

// CreateSwap opens a 1:1 request or marketplace listing for the calling worker
func (h *Handler) CreateSwap(c *gin.Context) {
	var input swap.CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return
	}
	input.Requester = workerRef(c)

	req, err := h.Swaps.Create(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.RecordUsage(c, len(req.ShiftIDs()), 1)
	c.JSON(http.StatusCreated, req)
}

// GetSwap returns a swap request the calling worker can see. Open
// marketplace listings are visible to everyone.
func (h *Handler) GetSwap(c *gin.Context) {
	req, err := h.Swaps.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !isParty(req, workerRef(c)) && !(req.Kind == models.KindMarketplace && req.State == models.SwapOpen) {
		h.respondError(c, fmt.Errorf("swap request %s: %w", req.ID, ledger.ErrNotFound))
		return
	}
	h.RecordUsage(c, 0, 1)
	c.JSON(http.StatusOK, req)
}

// AcceptSwap accepts or claims a request as the calling worker
func (h *Handler) AcceptSwap(c *gin.Context) {
	req, err := h.Swaps.Accept(c.Request.Context(), c.Param("id"), workerRef(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.RecordUsage(c, 0, 1)
	c.JSON(http.StatusOK, req)
}

// CommitSwap finalizes an accepted request. Either side of the swap may commit.
func (h *Handler) CommitSwap(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	current, err := h.Swaps.Get(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	me := workerRef(c)
	if current.RequesterRef != me && (current.ResponderRef == nil || *current.ResponderRef != me) {
		h.respondError(c, fmt.Errorf("%s is not a party to swap request %s: %w", me, id, ledger.ErrInvalidRequest))
		return
	}

	req, err := h.Swaps.Commit(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.RecordUsage(c, len(req.ShiftIDs()), 1)
	c.JSON(http.StatusOK, req)
}

type rejectBody struct {
	Reason string `json:"reason" binding:"max=500"`
}

// RejectSwap declines or withdraws a request the calling worker is party to
func (h *Handler) RejectSwap(c *gin.Context) {
	var body rejectBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
			return
		}
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	current, err := h.Swaps.Get(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	me := workerRef(c)
	if !isParty(current, me) {
		h.respondError(c, fmt.Errorf("%s is not a party to swap request %s: %w", me, id, ledger.ErrInvalidRequest))
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "rejected by " + me
		if current.RequesterRef == me {
			reason = "withdrawn by requester"
		}
	}

	req, err := h.Swaps.Reject(ctx, id, reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.RecordUsage(c, 0, 1)
	c.JSON(http.StatusOK, req)
}

// AdminListSwaps lists swap requests with optional filters
func (h *Handler) AdminListSwaps(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	reqs, err := h.Swaps.List(c.Request.Context(), ledger.SwapFilter{
		Scope:  c.Query("scope"),
		State:  models.SwapState(c.Query("state")),
		Kind:   models.SwapKind(c.Query("kind")),
		Worker: c.Query("worker"),
		Limit:  limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swaps": reqs})
}

// AdminCommitSwap commits an accepted request on behalf of its parties
func (h *Handler) AdminCommitSwap(c *gin.Context) {
	req, err := h.Swaps.Commit(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// AdminRejectSwap rejects a request with an administrator's reason
func (h *Handler) AdminRejectSwap(c *gin.Context) {
	var body rejectBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "rejected by " + c.GetString("username")
	}
	req, err := h.Swaps.Reject(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// SwapCandidates ranks who could take a request's shift
func (h *Handler) SwapCandidates(c *gin.Context) {
	candidates, reasons, err := h.Swaps.Candidates(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates, "reasons": reasons})
}

// Sweep expires overdue open requests now
func (h *Handler) Sweep(c *gin.Context) {
	n, err := h.Driver.Sweep(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}
