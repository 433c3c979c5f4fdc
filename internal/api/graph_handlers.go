package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/pkg/models"
)

type signalRequest struct {
	UserA    string         `json:"userA" binding:"required"`
	UserB    string         `json:"userB" binding:"required"`
	Type     string         `json:"type" binding:"required"`
	Weight   *float64       `json:"weight" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

// POST /api/v1/signals
// Records one typed signal between two users.
func (h *APIHandler) handleIngestSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	edgeType, err := models.ParseEdgeType(req.Type)
	if err != nil {
		h.respondError(c, err)
		return
	}
	edge, err := h.Graph.UpsertEdge(c.Request.Context(), req.UserA, req.UserB, edgeType, *req.Weight, req.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, edge)
}

// GET /api/v1/users/:id/edges?after=<userA,userB,type>&limit=
func (h *APIHandler) handleUserEdges(c *gin.Context) {
	limit, ok := queryLimit(c, 100)
	if !ok {
		return
	}
	var after models.EdgeKey
	if raw := c.Query("after"); raw != "" {
		parts := strings.Split(raw, ",")
		if len(parts) != 3 {
			badRequest(c, "after must be userA,userB,type")
			return
		}
		after = models.EdgeKey{UserA: parts[0], UserB: parts[1], Type: models.EdgeType(parts[2])}
	}
	edges, err := h.Graph.EdgesForUser(c.Request.Context(), c.Param("id"), after, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	resp := gin.H{"data": edges}
	if limit > 0 && len(edges) == limit {
		last := edges[len(edges)-1].EdgeKey
		resp["next"] = last.UserA + "," + last.UserB + "," + string(last.Type)
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/v1/users/:id/connections
func (h *APIHandler) handleConnectedUsers(c *gin.Context) {
	users, err := h.Graph.ConnectedUsers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": c.Param("id"), "connected": users})
}

// GET /api/v1/edges?a=&b=
func (h *APIHandler) handleEdgesBetween(c *gin.Context) {
	edges, err := h.Graph.EdgesBetween(c.Request.Context(), c.Query("a"), c.Query("b"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": edges})
}

func (h *APIHandler) minRisk(c *gin.Context) (models.RiskLevel, bool) {
	risk, err := models.ParseRiskLevel(c.Query("minRisk"))
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	return risk, true
}

// GET /api/v1/rings?minRisk=&limit=
func (h *APIHandler) handleListRings(c *gin.Context) {
	risk, ok := h.minRisk(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c, 100)
	if !ok {
		return
	}
	rings, err := h.Entities.ListRings(c.Request.Context(), risk, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rings, "count": len(rings)})
}

// GET /api/v1/rings/:id
func (h *APIHandler) handleGetRing(c *gin.Context) {
	ring, err := h.Entities.GetRing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ring)
}

// GET /api/v1/rings/:id/subgraph
// Returns the ring's current internal edges for investigation views.
func (h *APIHandler) handleRingSubgraph(c *gin.Context) {
	ring, err := h.Entities.GetRing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	edges, err := h.Graph.Subgraph(c.Request.Context(), ring.MemberIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ringId": ring.ID, "members": ring.MemberIDs, "edges": edges})
}

// GET /api/v1/clusters?minRisk=&limit=
func (h *APIHandler) handleListClusters(c *gin.Context) {
	risk, ok := h.minRisk(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c, 100)
	if !ok {
		return
	}
	clusters, err := h.Entities.ListClusters(c.Request.Context(), risk, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": clusters, "count": len(clusters)})
}

// GET /api/v1/clusters/:id
func (h *APIHandler) handleGetCluster(c *gin.Context) {
	cluster, err := h.Entities.GetCluster(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

// POST /api/v1/entities/:kind/:id/status
// Manual status override by a reviewer, outside case resolution.
func (h *APIHandler) handleOverrideStatus(c *gin.Context) {
	kind, err := models.ParseEntityKind(c.Param("kind"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req struct {
		Status   string `json:"status" binding:"required"`
		Reviewer string `json:"reviewer" binding:"required"`
		Notes    string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	status := models.EntityStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if err := h.Cases.OverrideStatus(c.Request.Context(), kind, c.Param("id"), status, req.Reviewer, req.Notes); err != nil {
		h.respondError(c, err)
		return
	}
	h.log.Info("Status override via API", zap.String("entity_id", c.Param("id")), zap.String("reviewer", req.Reviewer))
	c.JSON(http.StatusOK, gin.H{"kind": kind, "id": c.Param("id"), "status": status})
}
