// Package api is the engine's admin HTTP surface: signal ingest, graph and
// detection reads, case and enforcement actions for reviewers, job triggers
// and the live alert stream. It is an internal API; nothing here is meant
// for the users being scored.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/alerting"
	"github.com/rawblock/ringwatch/internal/cases"
	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/enforcement"
	"github.com/rawblock/ringwatch/internal/graph"
	"github.com/rawblock/ringwatch/internal/scheduler"
	"github.com/rawblock/ringwatch/internal/shadow"
	"github.com/rawblock/ringwatch/pkg/models"
)

// EntityReader serves ring and cluster reads.
type EntityReader interface {
	GetRing(ctx context.Context, id string) (*models.CollusionRing, error)
	ListRings(ctx context.Context, minRisk models.RiskLevel, limit int) ([]*models.CollusionRing, error)
	GetCluster(ctx context.Context, id string) (*models.SpamCluster, error)
	ListClusters(ctx context.Context, minRisk models.RiskLevel, limit int) ([]*models.SpamCluster, error)
}

// Pinger reports store reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the handlers drive. Shadow, Alerts, Hub and
// Gatherer are optional.
type Deps struct {
	Graph       *graph.Maintenance
	Entities    EntityReader
	Cases       *cases.Manager
	Enforcement *enforcement.Controller
	Scheduler   *scheduler.Scheduler
	Alerts      *alerting.Manager
	Shadow      *shadow.Runner
	Hub         *Hub
	Store       Pinger
	Gatherer    prometheus.Gatherer
}

// APIHandler holds the wired components.
type APIHandler struct {
	Deps
	queueLimit int
	log        *zap.Logger
	started    time.Time
}

// SetupRouter builds the gin engine with CORS, auth and rate limiting.
func SetupRouter(cfg config.ServerConfig, queueLimit int, deps Deps, logger *zap.Logger) *gin.Engine {
	log := logger.Named("api")
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log), corsMiddleware(cfg.AllowedOrigins))

	h := &APIHandler{Deps: deps, queueLimit: queueLimit, log: log, started: time.Now()}

	r.GET("/health", h.handleHealth)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(cfg.AuthToken, log))
	if cfg.RatePerSecond > 0 {
		api.Use(NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst).Middleware())
	}
	{
		api.GET("/health", h.handleHealth)
		if deps.Hub != nil {
			api.GET("/stream", deps.Hub.Subscribe)
		}

		// Graph
		api.POST("/signals", h.handleIngestSignal)
		api.GET("/users/:id/edges", h.handleUserEdges)
		api.GET("/users/:id/connections", h.handleConnectedUsers)
		api.GET("/edges", h.handleEdgesBetween)

		// Detections
		api.GET("/rings", h.handleListRings)
		api.GET("/rings/:id", h.handleGetRing)
		api.GET("/rings/:id/subgraph", h.handleRingSubgraph)
		api.GET("/clusters", h.handleListClusters)
		api.GET("/clusters/:id", h.handleGetCluster)
		api.POST("/entities/:kind/:id/status", h.handleOverrideStatus)

		// Cases
		api.GET("/cases/queue", h.handleReviewQueue)
		api.GET("/cases/:id", h.handleGetCase)
		api.POST("/cases", h.handleOpenCase)
		api.POST("/cases/:id/assign", h.handleAssignCase)
		api.POST("/cases/:id/resolve", h.handleResolveCase)
		api.POST("/cases/:id/escalate", h.handleEscalateCase)

		// Enforcement
		api.GET("/users/:id/enforcement", h.handleUserEnforcement)
		api.POST("/users/:id/enforcement", h.handleApplyEnforcement)
		api.POST("/enforcement/:id/remove", h.handleRemoveEnforcement)

		// Operations
		api.GET("/jobs", h.handleJobProgress)
		api.POST("/jobs/:name/run", h.handleRunJob)
		api.GET("/alerts", h.handleRecentAlerts)
		api.GET("/shadow/rings", h.handleShadowHistory)
		api.POST("/shadow/rings", h.handleShadowEvaluate)
	}
	return r
}

// corsMiddleware allows the configured comma-separated origins, or any
// origin when the list is empty or "*".
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	allowed := splitOrigins(allowedOrigins)
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(allowed) == 0 {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, a := range allowed {
				if a == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					c.Writer.Header().Set("Vary", "Origin")
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func splitOrigins(s string) []string {
	if strings.TrimSpace(s) == "" || strings.TrimSpace(s) == "*" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("Request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Debug("Request served", fields...)
	}
}

// handleHealth reports liveness and store reachability.
func (h *APIHandler) handleHealth(c *gin.Context) {
	status, code := "operational", http.StatusOK
	storeErr := ""
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			status, code, storeErr = "degraded", http.StatusServiceUnavailable, err.Error()
		}
	}
	body := gin.H{
		"status": status,
		"engine": "ringwatch",
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"capabilities": gin.H{
			"shadow_scoring": h.Shadow != nil,
			"alert_stream":   h.Hub != nil,
			"scheduler":      h.Scheduler != nil,
		},
	}
	if storeErr != "" {
		body["storeError"] = storeErr
	}
	c.JSON(code, body)
}

// respondError maps the error taxonomy onto HTTP status codes.
func (h *APIHandler) respondError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// queryLimit parses ?limit=, falling back to def. Values are capped at 1000.
func queryLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, "limit must be a non-negative integer")
		return 0, false
	}
	if n > 1000 {
		n = 1000
	}
	return n, true
}
