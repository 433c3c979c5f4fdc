package heuristics

import (
	"context"
	"math"
	"time"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/metrics"
	"github.com/rawblock/ringwatch/pkg/models"
	"go.uber.org/zap"
)

// RiskFor maps a probability onto a risk band.
func RiskFor(p float64, t config.RiskThresholds) models.RiskLevel {
	switch {
	case p >= t.High:
		return models.RiskHigh
	case p >= t.Medium:
		return models.RiskMedium
	case p >= t.Low:
		return models.RiskLow
	}
	return models.RiskNone
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(1, x))
}

func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return num / den
}

// DetectionHandler reacts to a persisted ring or cluster: opening cases,
// applying enforcement and raising alerts.
type DetectionHandler interface {
	HandleDetection(ctx context.Context, d models.Detection) error
}

// detectorBase carries the collaborators both detectors share.
type detectorBase struct {
	log           *zap.Logger
	metrics       *metrics.Collectors
	handler       DetectionHandler
	now           func() time.Time
	retryAttempts int
	retryBackoff  time.Duration
}

// DetectorOption customizes a RingDetector or SpamDetector.
type DetectorOption func(*detectorBase)

// WithHandler forwards every persisted detection to h.
func WithHandler(h DetectionHandler) DetectorOption {
	return func(b *detectorBase) { b.handler = h }
}

// WithMetrics records detections and skipped records.
func WithMetrics(c *metrics.Collectors) DetectorOption {
	return func(b *detectorBase) { b.metrics = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) DetectorOption {
	return func(b *detectorBase) { b.now = now }
}

// WithRetry sets the per-page retry budget for transient store errors.
func WithRetry(attempts int, backoff time.Duration) DetectorOption {
	return func(b *detectorBase) {
		b.retryAttempts = attempts
		b.retryBackoff = backoff
	}
}

func newDetectorBase(logger *zap.Logger, name string, opts []DetectorOption) detectorBase {
	b := detectorBase{
		log:           logger.Named(name),
		now:           time.Now,
		retryAttempts: 3,
		retryBackoff:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}
