// Package alerting fans detection alerts out to internal SOC consumers:
// connected websocket dashboards, registered webhooks (Slack, SIEM, paging),
// and an in-memory history for the admin API.
//
// Alerts are internal only. They carry entity ids and counts, never member
// lists or anything meant for the flagged users themselves.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/pkg/models"
)

// Severities in ascending order.
const (
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert types.
const (
	TypeRingDetected    = "ring_detected"
	TypeClusterDetected = "cluster_detected"
	TypeCaseEscalated   = "case_escalated"
)

// criticalProbability promotes a HIGH detection to a critical alert.
const criticalProbability = 0.95

// Alert is one structured SOC alert.
type Alert struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	Severity    string            `json:"severity"`
	AlertType   string            `json:"alertType"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	EntityID    string            `json:"entityId,omitempty"`
	EntityKind  models.EntityKind `json:"entityKind,omitempty"`
	CaseID      string            `json:"caseId,omitempty"`
	Probability float64           `json:"probability,omitempty"`
	MemberCount int               `json:"memberCount,omitempty"`
}

// WebhookEndpoint is a registered webhook receiver.
type WebhookEndpoint struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Enabled     bool              `json:"enabled"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity string            `json:"minSeverity"`

	limiter *rate.Limiter
}

// Manager handles alert emission and webhook delivery.
type Manager struct {
	mu           sync.RWMutex
	webhooks     []WebhookEndpoint
	recentAlerts []Alert
	maxHistory   int

	httpClient *http.Client
	broadcast  func(Alert)
	log        *zap.Logger
	now        func() time.Time
	inflight   sync.WaitGroup
}

// NewManager creates the alert manager and registers the configured webhooks.
// broadcast may be nil.
func NewManager(cfg config.AlertsConfig, broadcast func(Alert), logger *zap.Logger) *Manager {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	m := &Manager{
		recentAlerts: make([]Alert, 0),
		maxHistory:   maxHistory,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		broadcast:    broadcast,
		log:          logger.Named("alerts"),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, wh := range cfg.Webhooks {
		m.RegisterWebhook(wh.Name, wh.URL, wh.MinSeverity, wh.Headers)
	}
	return m
}

// RegisterWebhook adds a webhook endpoint. Each endpoint gets its own
// delivery budget of one alert per second with bursts of ten.
func (m *Manager) RegisterWebhook(name, url, minSeverity string, headers map[string]string) {
	if minSeverity == "" {
		minSeverity = SeverityHigh
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, WebhookEndpoint{
		Name:        name,
		URL:         url,
		Enabled:     true,
		Headers:     headers,
		MinSeverity: strings.ToLower(minSeverity),
		limiter:     rate.NewLimiter(rate.Every(time.Second), 10),
	})
	m.log.Info("Registered webhook", zap.String("name", name), zap.String("min_severity", minSeverity))
}

// RemoveWebhook removes a webhook by name.
func (m *Manager) RemoveWebhook(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, wh := range m.webhooks {
		if wh.Name == name {
			m.webhooks = append(m.webhooks[:i], m.webhooks[i+1:]...)
			return
		}
	}
}

// Emit records, broadcasts and delivers an alert. Webhook delivery is
// asynchronous.
func (m *Manager) Emit(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.now()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	m.mu.Lock()
	m.recentAlerts = append(m.recentAlerts, alert)
	if len(m.recentAlerts) > m.maxHistory {
		m.recentAlerts = m.recentAlerts[len(m.recentAlerts)-m.maxHistory:]
	}
	webhooks := make([]WebhookEndpoint, len(m.webhooks))
	copy(webhooks, m.webhooks)
	m.mu.Unlock()

	if m.broadcast != nil {
		m.broadcast(alert)
	}

	for _, wh := range webhooks {
		if !wh.Enabled || !severityMeetsThreshold(alert.Severity, wh.MinSeverity) {
			continue
		}
		if !wh.limiter.Allow() {
			m.log.Warn("Webhook rate limit reached, alert dropped",
				zap.String("webhook", wh.Name), zap.String("alert_id", alert.ID))
			continue
		}
		m.inflight.Add(1)
		go func(wh WebhookEndpoint) {
			defer m.inflight.Done()
			m.sendWebhook(wh, alert)
		}(wh)
	}

	m.log.Info("Alert emitted",
		zap.String("severity", alert.Severity),
		zap.String("type", alert.AlertType),
		zap.String("entity_id", alert.EntityID))
}

// EmitForDetection raises an alert for a persisted ring or cluster. NONE and
// LOW detections produce nothing.
func (m *Manager) EmitForDetection(d models.Detection, caseID string) {
	severity := SeverityFor(d.Risk(), d.Probability())
	if !severityMeetsThreshold(severity, SeverityMedium) {
		return
	}
	alertType, family := TypeRingDetected, "Collusion ring"
	if d.Kind() == models.KindCluster {
		alertType, family = TypeClusterDetected, "Spam cluster"
	}
	m.Emit(Alert{
		Severity:    severity,
		AlertType:   alertType,
		Title:       fmt.Sprintf("%s detected (%s risk)", family, d.Risk()),
		Description: describe(d),
		EntityID:    d.EntityID(),
		EntityKind:  d.Kind(),
		CaseID:      caseID,
		Probability: d.Probability(),
		MemberCount: len(d.Members()),
	})
}

// EmitEscalation raises an alert for an escalated case.
func (m *Manager) EmitEscalation(c *models.ModerationCase) {
	m.Emit(Alert{
		Severity:    SeverityHigh,
		AlertType:   TypeCaseEscalated,
		Title:       fmt.Sprintf("Case escalated to %s", c.Priority),
		Description: c.Evidence.Summary,
		EntityID:    c.EntityID,
		EntityKind:  c.Type.EntityKind(),
		CaseID:      c.ID,
		MemberCount: len(c.MemberIDs),
	})
}

// RecentAlerts returns up to limit alerts, newest first.
func (m *Manager) RecentAlerts(limit int) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.recentAlerts) {
		limit = len(m.recentAlerts)
	}
	start := len(m.recentAlerts) - limit
	result := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		result[i] = m.recentAlerts[start+limit-1-i]
	}
	return result
}

// AlertsBySeverity returns stored alerts at or above minSeverity, oldest first.
func (m *Manager) AlertsBySeverity(minSeverity string) []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]Alert, 0)
	for _, a := range m.recentAlerts {
		if severityMeetsThreshold(a.Severity, minSeverity) {
			filtered = append(filtered, a)
		}
	}
	return filtered
}

// Wait blocks until in-flight webhook deliveries finish or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sendWebhook(wh WebhookEndpoint, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		m.log.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	req, err := http.NewRequest(http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		m.log.Error("Failed to create webhook request", zap.String("webhook", wh.Name), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, val := range wh.Headers {
		req.Header.Set(key, val)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.log.Warn("Webhook delivery failed", zap.String("webhook", wh.Name), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		m.log.Warn("Webhook rejected alert", zap.String("webhook", wh.Name), zap.Int("status", resp.StatusCode))
	}
}

// SeverityFor maps a detection's risk to an alert severity.
func SeverityFor(risk models.RiskLevel, probability float64) string {
	switch risk {
	case models.RiskHigh:
		if probability >= criticalProbability {
			return SeverityCritical
		}
		return SeverityHigh
	case models.RiskMedium:
		return SeverityMedium
	case models.RiskLow:
		return SeverityLow
	}
	return SeverityInfo
}

func severityMeetsThreshold(severity, minimum string) bool {
	levels := map[string]int{
		SeverityInfo: 0, SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4,
	}
	return levels[strings.ToLower(severity)] >= levels[strings.ToLower(minimum)]
}

func describe(d models.Detection) string {
	signals := d.DetectionSignals()
	names := make([]string, 0, len(signals))
	for _, s := range signals {
		names = append(names, string(s.Type))
	}
	desc := fmt.Sprintf("%d accounts, probability %.2f.", len(d.Members()), d.Probability())
	if len(names) > 0 {
		desc += " Signals: " + strings.Join(names, ", ")
	}
	return desc
}
