package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/pkg/models"
)

type webhookSink struct {
	mu       sync.Mutex
	received []Alert
	headers  []string
}

func (s *webhookSink) handler(w http.ResponseWriter, r *http.Request) {
	var a Alert
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.received = append(s.received, a)
	s.headers = append(s.headers, r.Header.Get("X-Token"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *webhookSink) alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.received...)
}

func ring(risk models.RiskLevel, p float64) *models.CollusionRing {
	return &models.CollusionRing{
		ID: "r-1", MemberIDs: []string{"u1", "u2", "u3"}, Size: 3,
		CollusionProbability: p, RiskLevel: risk,
		Signals: []models.DetectionSignal{{Type: models.SignalDeviceOverlap}, {Type: models.SignalPaymentLoop}},
	}
}

func TestEmitForDetectionDeliversByThreshold(t *testing.T) {
	sink := &webhookSink{}
	srv := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer srv.Close()

	var broadcastMu sync.Mutex
	var broadcast []Alert
	m := NewManager(config.AlertsConfig{
		MaxHistory: 10,
		Webhooks: []config.WebhookConfig{
			{Name: "soc", URL: srv.URL, MinSeverity: "high", Headers: map[string]string{"X-Token": "t0k"}},
		},
	}, func(a Alert) {
		broadcastMu.Lock()
		broadcast = append(broadcast, a)
		broadcastMu.Unlock()
	}, zap.NewNop())

	m.EmitForDetection(ring(models.RiskLow, 0.4), "")
	m.EmitForDetection(ring(models.RiskMedium, 0.7), "")
	m.EmitForDetection(ring(models.RiskHigh, 0.97), "case-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))

	got := sink.alerts()
	require.Len(t, got, 1)
	assert.Equal(t, SeverityCritical, got[0].Severity)
	assert.Equal(t, TypeRingDetected, got[0].AlertType)
	assert.Equal(t, "case-1", got[0].CaseID)
	assert.Equal(t, 3, got[0].MemberCount)
	assert.Equal(t, []string{"t0k"}, sink.headers)

	broadcastMu.Lock()
	assert.Len(t, broadcast, 2)
	broadcastMu.Unlock()

	recent := m.RecentAlerts(0)
	require.Len(t, recent, 2)
	assert.Equal(t, SeverityCritical, recent[0].Severity, "newest first")
	assert.Len(t, m.AlertsBySeverity(SeverityHigh), 1)
}

func TestHistoryIsBounded(t *testing.T) {
	m := NewManager(config.AlertsConfig{MaxHistory: 3}, nil, zap.NewNop())
	for i := 0; i < 5; i++ {
		m.Emit(Alert{Severity: SeverityMedium, AlertType: TypeCaseEscalated, Title: string(rune('a' + i))})
	}
	recent := m.RecentAlerts(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].Title)
	assert.Equal(t, "c", recent[2].Title)
	assert.NotEmpty(t, recent[0].ID)
	assert.False(t, recent[0].Timestamp.IsZero())
}

func TestRemoveWebhookStopsDelivery(t *testing.T) {
	sink := &webhookSink{}
	srv := httptest.NewServer(http.HandlerFunc(sink.handler))
	defer srv.Close()

	m := NewManager(config.AlertsConfig{}, nil, zap.NewNop())
	m.RegisterWebhook("siem", srv.URL, "", nil)
	m.RemoveWebhook("siem")
	m.EmitEscalation(&models.ModerationCase{ID: "c-1", EntityID: "r-1", Type: models.CaseCollusionRing, Priority: models.PriorityCritical})

	require.NoError(t, m.Wait(context.Background()))
	assert.Empty(t, sink.alerts())
	assert.Len(t, m.RecentAlerts(0), 1)
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		risk models.RiskLevel
		p    float64
		want string
	}{
		{models.RiskNone, 0.1, SeverityInfo},
		{models.RiskLow, 0.35, SeverityLow},
		{models.RiskMedium, 0.7, SeverityMedium},
		{models.RiskHigh, 0.9, SeverityHigh},
		{models.RiskHigh, 0.95, SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFor(tt.risk, tt.p), "%s %.2f", tt.risk, tt.p)
	}
}
