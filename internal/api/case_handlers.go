package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/ringwatch/pkg/models"
)

// GET /api/v1/cases/queue?limit=
// Active cases, highest priority then oldest first.
func (h *APIHandler) handleReviewQueue(c *gin.Context) {
	limit, ok := queryLimit(c, h.queueLimit)
	if !ok {
		return
	}
	queue, err := h.Cases.ReviewQueue(c.Request.Context(), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": queue, "count": len(queue)})
}

// GET /api/v1/cases/:id
func (h *APIHandler) handleGetCase(c *gin.Context) {
	mc, err := h.Cases.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mc)
}

// POST /api/v1/cases
// Opens (or returns) the active case for a persisted ring or cluster.
func (h *APIHandler) handleOpenCase(c *gin.Context) {
	var req struct {
		Kind     string `json:"kind" binding:"required"`
		EntityID string `json:"entityId" binding:"required"`
		OpenedBy string `json:"openedBy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	kind, err := models.ParseEntityKind(req.Kind)
	if err != nil {
		h.respondError(c, err)
		return
	}
	mc, created, err := h.Cases.OpenCaseForEntity(c.Request.Context(), kind, req.EntityID, req.OpenedBy)
	if err != nil {
		h.respondError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"created": created, "case": mc})
}

// POST /api/v1/cases/:id/assign
func (h *APIHandler) handleAssignCase(c *gin.Context) {
	var req struct {
		Reviewer string `json:"reviewer" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	mc, err := h.Cases.Assign(c.Request.Context(), c.Param("id"), req.Reviewer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mc)
}

// POST /api/v1/cases/:id/resolve
// Closes the case and writes the outcome's status to the linked entity.
func (h *APIHandler) handleResolveCase(c *gin.Context) {
	var req struct {
		Outcome  string `json:"outcome" binding:"required"`
		Reviewer string `json:"reviewer" binding:"required"`
		Notes    string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	outcome, err := models.ParseCaseOutcome(req.Outcome)
	if err != nil {
		h.respondError(c, err)
		return
	}
	mc, err := h.Cases.Resolve(c.Request.Context(), c.Param("id"), outcome, req.Reviewer, req.Notes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mc)
}

// POST /api/v1/cases/:id/escalate
func (h *APIHandler) handleEscalateCase(c *gin.Context) {
	var req struct {
		Reviewer string `json:"reviewer" binding:"required"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	mc, err := h.Cases.Escalate(c.Request.Context(), c.Param("id"), req.Reviewer, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if h.Alerts != nil {
		h.Alerts.EmitEscalation(mc)
	}
	c.JSON(http.StatusOK, mc)
}
