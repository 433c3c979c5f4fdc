package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/jobs
func (h *APIHandler) handleJobProgress(c *gin.Context) {
	if h.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler not initialized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.Scheduler.Progress()})
}

// POST /api/v1/jobs/:name/run[?wait=true]
// Triggers a job in the background (202), or runs it inline and returns its
// report when wait is set. A job already in flight answers 409.
func (h *APIHandler) handleRunJob(c *gin.Context) {
	if h.Scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler not initialized"})
		return
	}
	name := c.Param("name")
	if c.Query("wait") == "true" {
		report, err := h.Scheduler.RunNow(c.Request.Context(), name)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": name, "report": report})
		return
	}
	if err := h.Scheduler.Trigger(name); err != nil {
		h.respondError(c, err)
		return
	}
	h.log.Info("Job triggered via API", zap.String("job", name))
	c.JSON(http.StatusAccepted, gin.H{"job": name, "status": "started"})
}

// GET /api/v1/alerts?limit=&minSeverity=
func (h *APIHandler) handleRecentAlerts(c *gin.Context) {
	if h.Alerts == nil {
		c.JSON(http.StatusOK, gin.H{"data": []any{}})
		return
	}
	if sev := c.Query("minSeverity"); sev != "" {
		c.JSON(http.StatusOK, gin.H{"data": h.Alerts.AlertsBySeverity(sev)})
		return
	}
	limit, ok := queryLimit(c, 50)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.Alerts.RecentAlerts(limit)})
}

// GET /api/v1/shadow/rings[?version=]
// Kept shadow results and the drift summary for a candidate version.
func (h *APIHandler) handleShadowHistory(c *gin.Context) {
	if h.Shadow == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Shadow scoring not enabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"production": h.Shadow.Production().Version,
		"drift":      h.Shadow.DriftReport(c.Query("version")),
		"results":    h.Shadow.History(),
	})
}

// POST /api/v1/shadow/rings
// The body overrides fields of the production ring policy, e.g.
// {"version":"ring-v2","strongEdgeThreshold":0.8}. Nothing is persisted.
func (h *APIHandler) handleShadowEvaluate(c *gin.Context) {
	if h.Shadow == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Shadow scoring not enabled"})
		return
	}
	candidate := h.Shadow.Production()
	if err := c.ShouldBindJSON(&candidate); err != nil {
		badRequest(c, "Invalid candidate policy: "+err.Error())
		return
	}
	result, err := h.Shadow.Evaluate(c.Request.Context(), candidate)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
