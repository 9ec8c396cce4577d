package payout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/caddypay/caddypay/internal/fees"
	"github.com/caddypay/caddypay/internal/validation"
)

// Handler provides HTTP endpoints for payouts and payout accounts.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id/payout", h.GetPayout)
	r.POST("/transactions/:id/payout/retry", h.RetryPayout)
	r.GET("/sellers/:id/payouts", h.ListSellerPayouts)
	r.POST("/sellers/:id/payout-accounts", h.CreateAccount)
	r.GET("/sellers/:id/payout-accounts", h.ListAccounts)
}

// GetPayout handles GET /v1/transactions/:id/payout
func (h *Handler) GetPayout(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payout for this transaction",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": p, "netAmount": fees.Format(p.NetAmount)})
}

// RetryPayout handles POST /v1/transactions/:id/payout/retry
//
// A failed or pending payout is re-dispatched under its original
// idempotency key. A provider failure leaves the payout retryable and is
// reported as "will retry", not as loss.
func (h *Handler) RetryPayout(c *gin.Context) {
	p, err := h.service.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payout for this transaction",
			})
		case errors.Is(err, ErrProviderFailure):
			c.JSON(http.StatusAccepted, gin.H{
				"error":   "provider_failure",
				"message": "Payout pending, will retry",
			})
		case errors.Is(err, ErrAccountNotReady):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "account_not_ready",
				"message": "Seller has no payout account ready to receive funds",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": p})
}

// ListSellerPayouts handles GET /v1/sellers/:id/payouts
func (h *Handler) ListSellerPayouts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	payouts, next, hasMore, err := h.service.ListBySeller(c.Request.Context(), c.Param("id"), limit, c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{"payouts": payouts, "count": len(payouts), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

type createAccountRequest struct {
	Rail              string `json:"rail" binding:"required"`
	Default           bool   `json:"default"`
	ProviderAccountID string `json:"providerAccountId"`
	Email             string `json:"email"`
	ChargesEnabled    bool   `json:"chargesEnabled"`
	PayoutsEnabled    bool   `json:"payoutsEnabled"`
	DetailsSubmitted  bool   `json:"detailsSubmitted"`
	Verified          bool   `json:"verified"`
}

// CreateAccount handles POST /v1/sellers/:id/payout-accounts
//
// Readiness flags are supplied by the onboarding flow that calls this; the
// engine itself never flips them.
func (h *Handler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "rail is required",
		})
		return
	}

	sellerID := c.Param("id")
	if errs := validation.Validate(validation.ValidID("sellerId", sellerID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	account, err := h.service.CreateAccount(c.Request.Context(), &Account{
		SellerID:          sellerID,
		Rail:              fees.Rail(req.Rail),
		Default:           req.Default,
		ProviderAccountID: req.ProviderAccountID,
		Email:             req.Email,
		ChargesEnabled:    req.ChargesEnabled,
		PayoutsEnabled:    req.PayoutsEnabled,
		DetailsSubmitted:  req.DetailsSubmitted,
		Verified:          req.Verified,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "create_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": account, "ready": account.Ready()})
}

// ListAccounts handles GET /v1/sellers/:id/payout-accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.service.ListAccounts(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}
