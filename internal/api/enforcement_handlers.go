package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/ringwatch/internal/enforcement"
	"github.com/rawblock/ringwatch/pkg/models"
)

// GET /api/v1/users/:id/enforcement
// The authoritative action (null when unrestricted), full history and flags.
func (h *APIHandler) handleUserEnforcement(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	active, err := h.Enforcement.ActiveAction(ctx, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	history, err := h.Enforcement.History(ctx, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	flags, err := h.Enforcement.Flags(ctx, userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":  userID,
		"active":  active,
		"history": history,
		"flags":   flags,
	})
}

// POST /api/v1/users/:id/enforcement
// Manual restriction. There are no payment parameters: lifting an action
// never costs the user anything.
func (h *APIHandler) handleApplyEnforcement(c *gin.Context) {
	var req struct {
		Level          string `json:"level" binding:"required"`
		Reason         string `json:"reason" binding:"required"`
		AppliedBy      string `json:"appliedBy" binding:"required"`
		SourceEntityID string `json:"sourceEntityId"`
		SourceKind     string `json:"sourceKind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	level, err := models.ParseEnforcementLevel(req.Level)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var kind models.EntityKind
	if req.SourceKind != "" {
		if kind, err = models.ParseEntityKind(req.SourceKind); err != nil {
			h.respondError(c, err)
			return
		}
	}
	action, err := h.Enforcement.Apply(c.Request.Context(), enforcement.ApplyRequest{
		UserID:         c.Param("id"),
		SourceEntityID: req.SourceEntityID,
		SourceKind:     kind,
		Level:          level,
		Reason:         req.Reason,
		AppliedBy:      req.AppliedBy,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, action)
}

// POST /api/v1/enforcement/:id/remove
func (h *APIHandler) handleRemoveEnforcement(c *gin.Context) {
	var req struct {
		Reviewer string `json:"reviewer" binding:"required"`
		Reason   string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	removal, err := h.Enforcement.Remove(c.Request.Context(), c.Param("id"), req.Reviewer, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, removal)
}
