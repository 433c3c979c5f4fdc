package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/alerting"
	"github.com/rawblock/ringwatch/internal/config"
)

func TestHubStreamsAlerts(t *testing.T) {
	hub := NewHub("", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	r := gin.New()
	r.Use(AuthMiddleware(testToken, zap.NewNop()))
	r.GET("/stream", hub.Subscribe)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err, "token is required")
	if resp != nil {
		assert.Equal(t, 401, resp.StatusCode)
		resp.Body.Close()
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url+"?access_token="+testToken, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	mgr := alerting.NewManager(config.AlertsConfig{}, hub.BroadcastAlert, zap.NewNop())
	mgr.Emit(alerting.Alert{Severity: alerting.SeverityHigh, AlertType: alerting.TypeRingDetected, EntityID: "ring-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type  string         `json:"type"`
		Alert alerting.Alert `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "alert", msg.Type)
	assert.Equal(t, "ring-1", msg.Alert.EntityID)
}
