package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustline/internal/auth"
	"github.com/mbd888/trustline/internal/idgen"
	"github.com/mbd888/trustline/internal/transaction"
	"github.com/mbd888/trustline/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	tx := r.Group("/transactions/:id/disputes", validation.IDParamMiddleware("id", idgen.PrefixTransaction))
	tx.POST("", h.OpenDispute)
	tx.GET("", h.ListDisputes)

	d := r.Group("/disputes/:id", validation.IDParamMiddleware("id", idgen.PrefixDispute))
	d.GET("", h.GetDispute)
	d.POST("/respond", h.Respond)
	d.POST("/proposals", h.Propose)
	d.GET("/proposals", h.ListProposals)
	d.POST("/proposals/:proposalId/accept", h.AcceptProposal)
	d.POST("/proposals/:proposalId/reject", h.RejectProposal)
	d.POST("/proposals/:proposalId/withdraw", h.WithdrawProposal)
	d.POST("/messages", h.PostMessage)
	d.GET("/messages", h.ListMessages)
	d.POST("/archive", h.Archive)
}

// RegisterAdminRoutes sets up operator routes. The group must sit behind
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/disputes", h.ListOpen)

	d := r.Group("/admin/disputes/:id", validation.IDParamMiddleware("id", idgen.PrefixDispute))
	d.GET("", h.AdminGetDispute)
	d.POST("/resolve", h.AdminResolve)
	d.POST("/messages", h.AdminPostMessage)
	d.GET("/messages", h.AdminListMessages)
}

// OpenDispute handles POST /v1/transactions/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "type is required",
		})
		return
	}
	d, err := h.service.Open(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/transactions/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	ds, err := h.service.ListByTransaction(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetForParty(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, d, err)
}

type messageRequest struct {
	Message string `json:"message"`
}

// Respond handles POST /v1/disputes/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req messageRequest
	// The response text is optional.
	_ = c.ShouldBindJSON(&req)
	d, err := h.service.Respond(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Message)
	respond(c, d, err)
}

// Propose handles POST /v1/disputes/:id/proposals
func (h *Handler) Propose(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "type is required (refund, release or partial_refund)",
		})
		return
	}
	p, err := h.service.Propose(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

// ListProposals handles GET /v1/disputes/:id/proposals
func (h *Handler) ListProposals(c *gin.Context) {
	ps, err := h.service.ListProposals(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": ps, "count": len(ps)})
}

// AcceptProposal handles POST /v1/disputes/:id/proposals/:proposalId/accept
func (h *Handler) AcceptProposal(c *gin.Context) {
	d, err := h.service.AcceptProposal(c.Request.Context(), c.Param("id"), c.Param("proposalId"), auth.UserID(c))
	respond(c, d, err)
}

// RejectProposal handles POST /v1/disputes/:id/proposals/:proposalId/reject
func (h *Handler) RejectProposal(c *gin.Context) {
	p, err := h.service.RejectProposal(c.Request.Context(), c.Param("id"), c.Param("proposalId"), auth.UserID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// WithdrawProposal handles POST /v1/disputes/:id/proposals/:proposalId/withdraw
func (h *Handler) WithdrawProposal(c *gin.Context) {
	p, err := h.service.WithdrawProposal(c.Request.Context(), c.Param("id"), c.Param("proposalId"), auth.UserID(c))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// PostMessage handles POST /v1/disputes/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	h.postMessage(c, auth.UserID(c), false)
}

// ListMessages handles GET /v1/disputes/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.ListMessages(c.Request.Context(), c.Param("id"), auth.UserID(c), false)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// Archive handles POST /v1/disputes/:id/archive
func (h *Handler) Archive(c *gin.Context) {
	d, err := h.service.Archive(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, d, err)
}

// ListOpen handles GET /v1/admin/disputes
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	ds, err := h.service.ListOpen(c.Request.Context(), limit)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

// AdminGetDispute handles GET /v1/admin/disputes/:id
func (h *Handler) AdminGetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	respond(c, d, err)
}

// AdminResolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) AdminResolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "refundPercentage is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.OptionalPercentage("refundPercentage", req.RefundPercentage),
		validation.MaxLength("resolution", req.Resolution, maxReasonLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	d, err := h.service.AdminResolve(c.Request.Context(), c.Param("id"), adminID(c), req)
	respond(c, d, err)
}

// AdminPostMessage handles POST /v1/admin/disputes/:id/messages
func (h *Handler) AdminPostMessage(c *gin.Context) {
	h.postMessage(c, adminID(c), true)
}

// AdminListMessages handles GET /v1/admin/disputes/:id/messages
func (h *Handler) AdminListMessages(c *gin.Context) {
	msgs, err := h.service.ListMessages(c.Request.Context(), c.Param("id"), "", true)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (h *Handler) postMessage(c *gin.Context, senderID string, admin bool) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "message is required",
		})
		return
	}
	m, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), senderID, req.Message, admin)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// adminID names the operator acting through the admin secret.
func adminID(c *gin.Context) string {
	if id := auth.UserID(c); id != "" {
		return id
	}
	return "admin"
}

func respond(c *gin.Context, d *Dispute, err error) {
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ErrorStatus maps dispute errors to an HTTP status and an error code.
// Transaction and gateway errors surfacing from settlement keep the mapping
// of the transaction API.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrProposalNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrAlreadyOpen):
		return http.StatusConflict, "dispute_already_open"
	case errors.Is(err, ErrPendingProposal):
		return http.StatusConflict, "proposal_pending"
	case errors.Is(err, ErrEscalated):
		return http.StatusConflict, "dispute_escalated"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidStatus):
		return http.StatusConflict, "invalid_state"
	}
	return transaction.ErrorStatus(err)
}

// WriteError writes err as a JSON error response.
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
