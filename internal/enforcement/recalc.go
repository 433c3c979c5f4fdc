package enforcement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/config"
)

// Recalculator notifies the platform's enforcement-state engine that a
// user's restrictions changed.
type Recalculator interface {
	Recalculate(ctx context.Context, userID string) error
}

// HTTPRecalculator posts {"userId": ...} to the recalculation endpoint.
type HTTPRecalculator struct {
	url    string
	client *http.Client
}

// NewHTTPRecalculator builds a client with the configured timeout.
func NewHTTPRecalculator(cfg config.RecalcConfig) *HTTPRecalculator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRecalculator{url: cfg.URL, client: &http.Client{Timeout: timeout}}
}

func (r *HTTPRecalculator) Recalculate(ctx context.Context, userID string) error {
	body, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build recalculation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("recalculate %s: %w", userID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("recalculate %s: engine returned %d", userID, resp.StatusCode)
	}
	return nil
}

// LogRecalculator only logs. Used when no engine URL is configured.
type LogRecalculator struct {
	Log *zap.Logger
}

func (r LogRecalculator) Recalculate(_ context.Context, userID string) error {
	if r.Log != nil {
		r.Log.Debug("Recalculation requested (no engine configured)", zap.String("user_id", userID))
	}
	return nil
}

// NewRecalculator picks the HTTP client when a URL is configured.
func NewRecalculator(cfg config.RecalcConfig, logger *zap.Logger) Recalculator {
	if cfg.URL == "" {
		return LogRecalculator{Log: logger.Named("recalc")}
	}
	return NewHTTPRecalculator(cfg)
}
