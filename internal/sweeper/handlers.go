package sweeper

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustline/internal/logging"
)

// Handler exposes the sweeper to operators.
type Handler struct {
	sweeper *Sweeper
	txs     Transactions
}

// NewHandler creates the admin sweep handler.
func NewHandler(s *Sweeper) *Handler {
	return &Handler{sweeper: s, txs: s.txs}
}

// RegisterAdminRoutes sets up operator routes. The group must sit behind
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/sweep", h.Sweep)
	r.POST("/admin/repair-deadlines", h.RepairDeadlines)
}

// Sweep handles POST /v1/admin/sweep
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.sweeper.RunAs(c.Request.Context(), TriggerAdmin)
	if err != nil {
		logging.L(c.Request.Context()).Error("admin sweep incomplete", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "sweep_incomplete",
			"message": "One or more sweep steps could not select their records",
			"result":  res,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

// RepairDeadlines handles POST /v1/admin/repair-deadlines
func (h *Handler) RepairDeadlines(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	res, err := h.txs.RepairStaleDeadlines(c.Request.Context(), h.sweeper.now().UTC(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("deadline repair failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "repair_failed",
			"message": "Deadline repair could not complete",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"repair": res})
}
