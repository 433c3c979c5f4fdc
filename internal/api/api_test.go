package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/alerting"
	"github.com/rawblock/ringwatch/internal/cases"
	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/enforcement"
	"github.com/rawblock/ringwatch/internal/graph"
	"github.com/rawblock/ringwatch/internal/memstore"
	"github.com/rawblock/ringwatch/internal/metrics"
	"github.com/rawblock/ringwatch/internal/scheduler"
	"github.com/rawblock/ringwatch/internal/shadow"
	"github.com/rawblock/ringwatch/pkg/models"
)

const testToken = "s3cret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	store  *memstore.Store
	router *gin.Engine
	alerts *alerting.Manager
}

func newTestEnv(t *testing.T, server config.ServerConfig) *testEnv {
	t.Helper()
	cfg := config.NewDefaultConfig()
	logger := zap.NewNop()
	store := memstore.New()
	reg := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(reg)

	g := graph.NewMaintenance(store, cfg.Graph, logger, graph.WithMetrics(collectors))
	sched := scheduler.New(logger)
	require.NoError(t, sched.Register(scheduler.Job{Name: "decay", Run: func(ctx context.Context) (any, error) {
		return g.Decay(ctx)
	}}))
	alerts := alerting.NewManager(config.AlertsConfig{MaxHistory: 10}, nil, logger)

	deps := Deps{
		Graph:       g,
		Entities:    store,
		Cases:       cases.NewManager(store, logger),
		Enforcement: enforcement.NewController(store, nil, cfg.Enforcement, logger),
		Scheduler:   sched,
		Alerts:      alerts,
		Shadow:      shadow.NewRunner(store, cfg.Rings, logger),
		Store:       store,
		Gatherer:    reg,
	}
	return &testEnv{store: store, router: SetupRouter(server, 50, deps, logger), alerts: alerts}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (e *testEnv) seedRing(t *testing.T, members ...string) *models.CollusionRing {
	t.Helper()
	ring, err := e.store.UpsertRing(context.Background(), &models.CollusionRing{
		ID: models.DetectionID(models.KindRing, members), MemberIDs: models.SortedMembers(members), Size: len(members),
		CollusionProbability: 0.9, RiskLevel: models.RiskHigh, Status: models.StatusDetected,
		Characteristics: models.RingCharacteristics{SharedDevices: 6, InternalPayments: 4},
		Signals:         []models.DetectionSignal{{Type: models.SignalDeviceOverlap, Severity: 1, Description: "6 shared-device links"}},
	})
	require.NoError(t, err)
	return ring
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{AuthToken: testToken})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusForbidden},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code, "root health is public")
}

func TestIngestSignalAndReadEdges(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{AuthToken: testToken})

	w := env.do(http.MethodPost, "/api/v1/signals", gin.H{"userA": "u2", "userB": "u1", "type": "device", "weight": 0.9})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var edge models.SignalEdge
	decode(t, w, &edge)
	assert.Equal(t, models.NewEdgeKey("u1", "u2", models.EdgeDevice), edge.EdgeKey)
	assert.InDelta(t, 0.9, edge.Weight, 1e-9)

	for _, body := range []gin.H{
		{"userA": "u1", "userB": "u1", "type": "DEVICE", "weight": 1.0},
		{"userA": "u1", "userB": "u2", "type": "TELEPATHY", "weight": 1.0},
		{"userA": "u1", "userB": "u2", "type": "DEVICE"},
	} {
		assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/signals", body).Code, "%v", body)
	}

	var page struct {
		Data []models.SignalEdge `json:"data"`
	}
	w = env.do(http.MethodGet, "/api/v1/users/u1/edges", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &page)
	assert.Len(t, page.Data, 1)

	w = env.do(http.MethodGet, "/api/v1/edges?a=u2&b=u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &page)
	assert.Len(t, page.Data, 1)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/edges?a=u1", nil).Code)

	w = env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `ringwatch_edges_upserted_total{edge_type="DEVICE"} 1`)
}

func TestRingReads(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{AuthToken: testToken})
	ring := env.seedRing(t, "u1", "u2", "u3")

	var list struct {
		Data  []models.CollusionRing `json:"data"`
		Count int                    `json:"count"`
	}
	w := env.do(http.MethodGet, "/api/v1/rings?minRisk=high", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/rings?minRisk=extreme", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/rings?limit=-1", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/rings/"+ring.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/rings/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/clusters/missing", nil).Code)
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{AuthToken: testToken})
	ring := env.seedRing(t, "u1", "u2", "u3")

	open := gin.H{"kind": "ring", "entityId": ring.ID, "openedBy": "rev-1"}
	w := env.do(http.MethodPost, "/api/v1/cases", open)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var opened struct {
		Created bool                   `json:"created"`
		Case    models.ModerationCase `json:"case"`
	}
	decode(t, w, &opened)
	caseID := opened.Case.ID

	w = env.do(http.MethodPost, "/api/v1/cases", open)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &opened)
	assert.False(t, opened.Created)
	assert.Equal(t, caseID, opened.Case.ID)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/v1/cases",
		gin.H{"kind": "ring", "entityId": "missing", "openedBy": "rev-1"}).Code)

	w = env.do(http.MethodPost, "/api/v1/cases/"+caseID+"/assign", gin.H{"reviewer": "rev-1"})
	require.Equal(t, http.StatusOK, w.Code)
	var mc models.ModerationCase
	decode(t, w, &mc)
	assert.Equal(t, models.CaseUnderReview, mc.Status)

	w = env.do(http.MethodPost, "/api/v1/cases/"+caseID+"/escalate", gin.H{"reviewer": "rev-1", "reason": "payout spike"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, env.alerts.RecentAlerts(0), 1)
	assert.Equal(t, alerting.TypeCaseEscalated, env.alerts.RecentAlerts(0)[0].AlertType)

	w = env.do(http.MethodGet, "/api/v1/cases/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), caseID)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/cases/"+caseID+"/resolve",
		gin.H{"outcome": "BANISH", "reviewer": "rev-1"}).Code)

	w = env.do(http.MethodPost, "/api/v1/cases/"+caseID+"/resolve", gin.H{"outcome": "no_action", "reviewer": "rev-1", "notes": "family devices"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &mc)
	assert.Equal(t, models.CaseResolved, mc.Status)

	var stored models.CollusionRing
	decode(t, env.do(http.MethodGet, "/api/v1/rings/"+ring.ID, nil), &stored)
	assert.Equal(t, models.StatusFalsePositive, stored.Status)

	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/v1/cases/"+caseID+"/resolve",
		gin.H{"outcome": "NO_ACTION", "reviewer": "rev-2"}).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/cases/missing", nil).Code)
}

func TestOverrideStatus(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{AuthToken: testToken})
	ring := env.seedRing(t, "u1", "u2", "u3")

	w := env.do(http.MethodPost, "/api/v1/entities/rings/"+ring.ID+"/status", gin.H{"status": "confirmed", "reviewer": "rev-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, err := env.store.GetRing(context.Background(), ring.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.Status)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/entities/widgets/"+ring.ID+"/status",
		gin.H{"status": "CONFIRMED", "reviewer": "rev-1"}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/entities/ring/"+ring.ID+"/status",
		gin.H{"status": "MAYBE", "reviewer": "rev-1"}).Code)
}

func TestManualEnforcementOverHTTP(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{AuthToken: testToken})

	w := env.do(http.MethodPost, "/api/v1/users/u9/enforcement", gin.H{"level": "visibility_reduced", "reason": "manual", "appliedBy": "rev-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var action models.EnforcementAction
	decode(t, w, &action)
	require.NotNil(t, action.ExpiresAt)

	var state struct {
		Active  *models.EnforcementAction  `json:"active"`
		History []models.EnforcementAction `json:"history"`
		Flags   []models.TrustFlag         `json:"flags"`
	}
	decode(t, env.do(http.MethodGet, "/api/v1/users/u9/enforcement", nil), &state)
	require.NotNil(t, state.Active)
	assert.Equal(t, action.ID, state.Active.ID)
	assert.Len(t, state.History, 1)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/users/u9/enforcement",
		gin.H{"level": "NONE", "reason": "manual", "appliedBy": "rev-1"}).Code)

	remove := gin.H{"reviewer": "rev-2", "reason": "appeal upheld"}
	w = env.do(http.MethodPost, "/api/v1/enforcement/"+action.ID+"/remove", remove)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var removal struct {
		Action       models.EnforcementAction `json:"action"`
		Recalculated bool                     `json:"recalculated"`
	}
	decode(t, w, &removal)
	assert.Equal(t, action.ID, removal.Action.ID)
	assert.True(t, removal.Recalculated)
	assert.Equal(t, http.StatusConflict, env.do(http.MethodPost, "/api/v1/enforcement/"+action.ID+"/remove", remove).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/v1/enforcement/missing/remove", remove).Code)

	decode(t, env.do(http.MethodGet, "/api/v1/users/u9/enforcement", nil), &state)
	assert.Nil(t, state.Active)
	assert.Empty(t, state.Flags)
}

func TestJobsOverHTTP(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{AuthToken: testToken})

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/api/v1/jobs/nope/run", nil).Code)

	w := env.do(http.MethodPost, "/api/v1/jobs/decay/run?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var progress struct {
		Jobs []scheduler.Progress `json:"jobs"`
	}
	decode(t, env.do(http.MethodGet, "/api/v1/jobs", nil), &progress)
	require.Len(t, progress.Jobs, 1)
	assert.Equal(t, int64(1), progress.Jobs[0].Runs)
}

func TestShadowOverHTTP(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{AuthToken: testToken})

	w := env.do(http.MethodPost, "/api/v1/shadow/rings", gin.H{"version": "ring-v2", "strongEdgeThreshold": 0.8})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res shadow.Result
	decode(t, w, &res)
	assert.Equal(t, "ring-v2", res.CandidateVersion)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/shadow/rings", gin.H{"strongEdgeThreshold": 2}).Code)

	w = env.do(http.MethodGet, "/api/v1/shadow/rings?version=ring-v2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"runs":1`)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{RatePerSecond: 0.001, RateBurst: 2})
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/jobs", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/api/v1/jobs", nil).Code)
	w := env.do(http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimiterDropsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	ok, _ := rl.reserve("10.0.0.1")
	assert.True(t, ok)
	ok, wait := rl.reserve("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	now = now.Add(idleAfter + time.Minute)
	rl.reserve("10.0.0.2")
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.limiters, "10.0.0.1")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("case x: %w", models.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("case x: %w", models.ErrConflict), http.StatusConflict},
		{fmt.Errorf("bad: %w", models.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("db: %w", models.ErrTransient), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{AllowedOrigins: "https://soc.example.com"})
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/rings", nil)
	req.Header.Set("Origin", "https://soc.example.com")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://soc.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
