package transaction

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustline/internal/auth"
	"github.com/mbd888/trustline/internal/idgen"
	"github.com/mbd888/trustline/internal/payments"
	"github.com/mbd888/trustline/internal/validation"
)

// Handler provides HTTP endpoints for transaction operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/users/:userId/transactions", h.ListTransactions)

	tx := r.Group("/transactions/:id", validation.IDParamMiddleware("id", idgen.PrefixTransaction))
	tx.GET("", h.GetTransaction)
	tx.POST("/join", h.Join)
	tx.POST("/pay", h.Pay)
	tx.POST("/deliver", h.ValidateDelivery)
	tx.POST("/validate", h.Validate)
	tx.POST("/refund", h.Refund)
	tx.POST("/fee-ratio", h.UpdateFeeRatio)
	tx.POST("/date-change", h.ProposeDateChange)
	tx.POST("/date-change/accept", h.AcceptDateChange)
	tx.POST("/date-change/reject", h.RejectDateChange)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	tx := r.Group("/admin/transactions/:id", validation.IDParamMiddleware("id", idgen.PrefixTransaction))
	tx.GET("", h.AdminGetTransaction)
	tx.GET("/repairs", h.ListRepairs)
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
	req.SellerID = auth.UserID(c)
	req.Title = validation.SanitizeString(req.Title, 200)

	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.Currency("currency", req.Currency),
		validation.OptionalPercentage("feeRatioToClient", req.FeeRatioToClient),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	t, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		WriteError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.service.GetForParty(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": t,
		"deadlines":   t.Deadlines(h.service.Now()),
	})
}

// ListTransactions handles GET /v1/users/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Param("userId")
	if userID != auth.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You can only list your own transactions",
		})
		return
	}

	limit := defaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.service.ListByParty(c.Request.Context(), userID, limit, c.Query("cursor"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": page.Transactions,
		"count":        len(page.Transactions),
		"nextCursor":   page.NextCursor,
		"hasMore":      page.HasMore,
	})
}

// Join handles POST /v1/transactions/:id/join
func (h *Handler) Join(c *gin.Context) {
	t, err := h.service.Join(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, t, err)
}

// Pay handles POST /v1/transactions/:id/pay
func (h *Handler) Pay(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "method is required (card or bank_transfer)",
		})
		return
	}
	t, err := h.service.Pay(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	respond(c, t, err)
}

// ValidateDelivery handles POST /v1/transactions/:id/deliver
func (h *Handler) ValidateDelivery(c *gin.Context) {
	t, err := h.service.ValidateDelivery(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, t, err)
}

// Validate handles POST /v1/transactions/:id/validate
func (h *Handler) Validate(c *gin.Context) {
	t, err := h.service.ValidateAcceptance(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, t, err)
}

// Refund handles POST /v1/transactions/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	t, err := h.service.Refund(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, t, err)
}

type feeRatioRequest struct {
	FeeRatioToClient *int `json:"feeRatioToClient" binding:"required"`
}

// UpdateFeeRatio handles POST /v1/transactions/:id/fee-ratio
func (h *Handler) UpdateFeeRatio(c *gin.Context) {
	var req feeRatioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "feeRatioToClient is required",
		})
		return
	}
	if errs := validation.Validate(validation.Percentage("feeRatioToClient", *req.FeeRatioToClient)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	t, err := h.service.UpdateFeeRatio(c.Request.Context(), c.Param("id"), auth.UserID(c), *req.FeeRatioToClient)
	respond(c, t, err)
}

// ProposeDateChange handles POST /v1/transactions/:id/date-change
func (h *Handler) ProposeDateChange(c *gin.Context) {
	var req DateChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "serviceDate is required (RFC 3339)",
		})
		return
	}
	t, err := h.service.ProposeDateChange(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	respond(c, t, err)
}

// AcceptDateChange handles POST /v1/transactions/:id/date-change/accept
func (h *Handler) AcceptDateChange(c *gin.Context) {
	t, err := h.service.AcceptDateChange(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, t, err)
}

// RejectDateChange handles POST /v1/transactions/:id/date-change/reject
func (h *Handler) RejectDateChange(c *gin.Context) {
	t, err := h.service.RejectDateChange(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, t, err)
}

// AdminGetTransaction handles GET /v1/admin/transactions/:id
func (h *Handler) AdminGetTransaction(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": t,
		"deadlines":   t.Deadlines(h.service.Now()),
	})
}

// ListRepairs handles GET /v1/admin/transactions/:id/repairs
func (h *Handler) ListRepairs(c *gin.Context) {
	repairs, err := h.service.ListRepairs(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repairs": repairs, "count": len(repairs)})
}

func respond(c *gin.Context, t *Transaction, err error) {
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// ErrorStatus maps transaction and gateway errors to an HTTP status and an
// error code.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrDeadlinePassed):
		return http.StatusUnprocessableEntity, "deadline_passed"
	case errors.Is(err, ErrMethodUnavailable):
		return http.StatusUnprocessableEntity, "method_unavailable"
	case errors.Is(err, ErrAlreadyJoined):
		return http.StatusConflict, "already_joined"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, payments.ErrDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, payments.ErrTransient):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	case errors.Is(err, payments.ErrNotFound), errors.Is(err, payments.ErrAlreadyFinalized), errors.Is(err, payments.ErrInvalidRequest):
		return http.StatusBadGateway, "gateway_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

// WriteError writes err as a JSON error response. Rejections carry their
// reason; internal errors do not leak details.
func WriteError(c *gin.Context, err error) {
	status, code := ErrorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal error"
	}
	body := gin.H{"error": code, "message": message}
	if status == http.StatusServiceUnavailable {
		body["retryable"] = true
	}
	c.JSON(status, body)
}
