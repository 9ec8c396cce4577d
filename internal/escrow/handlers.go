package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/caddypay/caddypay/internal/fees"
	"github.com/caddypay/caddypay/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. The commerce flow, the seller and
// buyer apps, and the admin adjudication tool all talk to these.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/ship", h.MarkShipped)
	r.POST("/transactions/:id/deliver", h.MarkDelivered)
	r.POST("/transactions/:id/confirm", h.ConfirmDelivery)
	r.POST("/transactions/:id/request-release", h.RequestRelease)
	r.POST("/transactions/:id/adjudicate", h.Adjudicate)
	r.GET("/sellers/:id/transactions", h.ListSellerTransactions)
}

type shipRequest struct {
	TrackingNumber string `json:"trackingNumber" binding:"required"`
	Carrier        string `json:"carrier" binding:"required"`
}

type confirmRequest struct {
	Satisfied *bool  `json:"satisfied" binding:"required"`
	Notes     string `json:"notes"`
}

type adjudicateRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("productId", req.ProductID),
		validation.ValidID("buyerId", req.BuyerID),
		validation.ValidID("sellerId", req.SellerID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	tx, hold, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "create_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": tx, "hold": hold})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	id := c.Param("id")

	tx, err := h.service.Transaction(c.Request.Context(), id)
	if err != nil {
		respondTransitionError(c, err)
		return
	}
	hold, err := h.service.Hold(c.Request.Context(), id)
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction": tx,
		"hold":        hold,
		"grossAmount": fees.Format(tx.GrossAmount),
	})
}

// MarkShipped handles POST /v1/transactions/:id/ship
func (h *Handler) MarkShipped(c *gin.Context) {
	var req shipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "trackingNumber and carrier are required",
		})
		return
	}

	hold, err := h.service.MarkShipped(c.Request.Context(), c.Param("id"), req.TrackingNumber, req.Carrier)
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// MarkDelivered handles POST /v1/transactions/:id/deliver
func (h *Handler) MarkDelivered(c *gin.Context) {
	hold, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// ConfirmDelivery handles POST /v1/transactions/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Satisfied == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "satisfied is required",
		})
		return
	}

	hold, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), *req.Satisfied, req.Notes)
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// RequestRelease handles POST /v1/transactions/:id/request-release
func (h *Handler) RequestRelease(c *gin.Context) {
	hold, err := h.service.RequestRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// Adjudicate handles POST /v1/transactions/:id/adjudicate
func (h *Handler) Adjudicate(c *gin.Context) {
	var req adjudicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (released or reversed)",
		})
		return
	}

	hold, err := h.service.Adjudicate(c.Request.Context(), c.Param("id"), AdjudicationOutcome(req.Outcome))
	if err != nil {
		respondTransitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"hold": hold})
}

// ListSellerTransactions handles GET /v1/sellers/:id/transactions
func (h *Handler) ListSellerTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txs, next, hasMore, err := h.service.ListBySeller(c.Request.Context(), c.Param("id"), limit, c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{"transactions": txs, "count": len(txs), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// respondTransitionError maps transition errors to HTTP statuses with a
// caller-actionable reason.
func respondTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		})
	case errors.Is(err, ErrStaleState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "stale_state",
			"message": "Hold changed concurrently, re-read and retry",
		})
	case errors.Is(err, ErrTooEarly):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "too_early",
			"message": "Cannot request release before 7 days post-delivery",
		})
	case errors.Is(err, ErrAlreadyDisputed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_disputed",
			"message": "Hold is disputed and frozen pending manual review",
		})
	case errors.Is(err, ErrAlreadyReleased):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_released",
			"message": "Hold has already been released",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
