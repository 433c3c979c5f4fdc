package heuristics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/graph"
	"github.com/rawblock/ringwatch/pkg/models"
	"go.uber.org/zap"
)

// Collusion Ring Detector
//
// Finds groups of accounts bound together by strong relationship edges
// (shared devices, shared networks, internal payments) and scores how likely
// each group is to be coordinating.
//
//  1. Page through every edge at or above the strong-edge threshold.
//  2. Merge endpoints into connected components.
//  3. Drop components below the minimum ring size.
//  4. Measure each component: typed link counts, internal and external
//     edges, isolation, average internal weight.
//  5. Raise signals and score:
//       0.4 · min(1, devices/size)
//     + 0.3 · min(1, payments/(2·size))
//     + 0.2 · isolation beyond threshold
//     + 0.1 if average internal weight is high
//     + 0.1 if 3+ distinct signal types fired
//     clamped to [0,1].
//  6. Persist rings at or above the probability floor.
//
// Device/network/payment counts are member incidences: each internal edge is
// seen once from each endpoint, which is what the 2·size payment normalizer
// expects. Internal/external counts and isolation use distinct edges.
//
// External edges are strong edges from members to non-members. Weak outside
// ties never lower isolation. A strong outside edge only shows up when it was
// written or reinforced after the component load.

// RingEdgeSource is the slice of the graph store the detector reads.
type RingEdgeSource interface {
	ListStrongEdges(ctx context.Context, minWeight float64, after models.EdgeKey, limit int) ([]models.SignalEdge, error)
	ListEdgesForUser(ctx context.Context, userID string, after models.EdgeKey, limit int) ([]models.SignalEdge, error)
}

// RingStore persists detected rings.
type RingStore interface {
	UpsertRing(ctx context.Context, ring *models.CollusionRing) (*models.CollusionRing, error)
}

// RingReport summarizes one detection run.
type RingReport struct {
	PolicyVersion string                   `json:"policyVersion"`
	EdgesScanned  int                      `json:"edgesScanned"`
	EdgesSkipped  int                      `json:"edgesSkipped"`
	Components    int                      `json:"components"`
	Undersized    int                      `json:"undersized"`
	BelowFloor    int                      `json:"belowFloor"`
	MeasureFailed int                      `json:"measureFailed"`
	Persisted     int                      `json:"persisted"`
	PersistFailed int                      `json:"persistFailed"`
	HandlerFailed int                      `json:"handlerFailed"`
	RingsByRisk   map[models.RiskLevel]int `json:"ringsByRisk"`
}

// RingDetector runs collusion-ring detection under one scoring policy.
type RingDetector struct {
	detectorBase
	edges  RingEdgeSource
	store  RingStore
	policy config.RingPolicy
}

// NewRingDetector wires a detector. store may be nil for dry runs through
// Detect.
func NewRingDetector(edges RingEdgeSource, store RingStore, policy config.RingPolicy, logger *zap.Logger, opts ...DetectorOption) *RingDetector {
	return &RingDetector{
		detectorBase: newDetectorBase(logger, "ring_detector", opts),
		edges:        edges,
		store:        store,
		policy:       policy,
	}
}

// Policy returns the scoring policy in force.
func (d *RingDetector) Policy() config.RingPolicy {
	return d.policy
}

// Detect computes rings over the current graph without persisting them.
// Returned rings are the ones at or above the probability floor.
func (d *RingDetector) Detect(ctx context.Context) ([]*models.CollusionRing, RingReport, error) {
	report := RingReport{PolicyVersion: d.policy.Version, RingsByRisk: make(map[models.RiskLevel]int)}
	index := newComponentIndex()
	var strong []models.SignalEdge

	after := models.EdgeKey{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, report, err
		}
		var page []models.SignalEdge
		err := graph.Retry(ctx, d.retryAttempts, d.retryBackoff, func() error {
			var listErr error
			page, listErr = d.edges.ListStrongEdges(ctx, d.policy.StrongEdgeThreshold, after, d.policy.PageSize)
			return listErr
		})
		if err != nil {
			return nil, report, fmt.Errorf("load strong edges after %s: %w", after, err)
		}
		for _, e := range page {
			report.EdgesScanned++
			if err := e.Validate(); err != nil || e.Weight < d.policy.StrongEdgeThreshold {
				report.EdgesSkipped++
				continue
			}
			index.Union(e.UserA, e.UserB)
			strong = append(strong, e)
		}
		if len(page) < d.policy.PageSize {
			break
		}
		after = page[len(page)-1].EdgeKey
	}
	d.metrics.Skipped(models.KindRing, report.EdgesSkipped)

	components := index.Components()
	report.Components = len(components)

	byRoot := make(map[string][]models.SignalEdge, len(components))
	for _, e := range strong {
		root := index.Find(e.UserA)
		byRoot[root] = append(byRoot[root], e)
	}

	now := d.now()
	rings := make([]*models.CollusionRing, 0)
	for _, members := range components {
		if len(members) < d.policy.MinRingSize {
			report.Undersized++
			continue
		}
		external, err := d.countExternal(ctx, members)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, report, ctxErr
			}
			report.MeasureFailed++
			d.log.Warn("Skipping component; external edges unreadable", zap.Int("size", len(members)), zap.Error(err))
			continue
		}
		ring := d.score(members, byRoot[index.Find(members[0])], external, now)
		if ring.CollusionProbability < d.policy.MinProbability || ring.RiskLevel == models.RiskNone {
			report.BelowFloor++
			continue
		}
		rings = append(rings, ring)
	}
	return rings, report, nil
}

// Run detects rings, persists each one and hands it to the handler. A failure
// on one ring is counted and the run moves on.
func (d *RingDetector) Run(ctx context.Context) (RingReport, error) {
	if d.store == nil {
		return RingReport{}, errors.New("ring detector has no store")
	}
	rings, report, err := d.Detect(ctx)
	if err != nil {
		return report, err
	}

	for _, ring := range rings {
		var stored *models.CollusionRing
		err := graph.Retry(ctx, d.retryAttempts, d.retryBackoff, func() error {
			var upsertErr error
			stored, upsertErr = d.store.UpsertRing(ctx, ring)
			return upsertErr
		})
		if err != nil {
			report.PersistFailed++
			d.log.Error("Failed to persist ring", zap.String("ring_id", ring.ID), zap.Error(err))
			continue
		}
		report.Persisted++
		report.RingsByRisk[stored.RiskLevel]++
		d.metrics.Detected(models.KindRing, stored.RiskLevel)

		if d.handler != nil {
			if err := d.handler.HandleDetection(ctx, stored); err != nil {
				report.HandlerFailed++
				d.log.Warn("Ring follow-up failed", zap.String("ring_id", stored.ID), zap.Error(err))
			}
		}
	}

	d.log.Info("Ring detection complete",
		zap.String("policy", report.PolicyVersion),
		zap.Int("edges_scanned", report.EdgesScanned),
		zap.Int("edges_skipped", report.EdgesSkipped),
		zap.Int("components", report.Components),
		zap.Int("persisted", report.Persisted),
		zap.Int("high", report.RingsByRisk[models.RiskHigh]),
		zap.Int("medium", report.RingsByRisk[models.RiskMedium]),
		zap.Int("low", report.RingsByRisk[models.RiskLow]))
	return report, nil
}

// countExternal counts distinct strong edges from members to non-members.
func (d *RingDetector) countExternal(ctx context.Context, members []string) (int, error) {
	inRing := make(map[string]struct{}, len(members))
	for _, m := range members {
		inRing[m] = struct{}{}
	}
	seen := make(map[models.EdgeKey]struct{})
	for _, m := range members {
		after := models.EdgeKey{}
		for {
			var page []models.SignalEdge
			err := graph.Retry(ctx, d.retryAttempts, d.retryBackoff, func() error {
				var listErr error
				page, listErr = d.edges.ListEdgesForUser(ctx, m, after, d.policy.PageSize)
				return listErr
			})
			if err != nil {
				return 0, err
			}
			for _, e := range page {
				if e.Validate() != nil || e.Weight < d.policy.StrongEdgeThreshold {
					continue
				}
				if _, ok := inRing[e.Other(m)]; !ok {
					seen[e.EdgeKey] = struct{}{}
				}
			}
			if len(page) < d.policy.PageSize {
				break
			}
			after = page[len(page)-1].EdgeKey
		}
	}
	return len(seen), nil
}

// score measures one component and builds its ring record.
func (d *RingDetector) score(members []string, internal []models.SignalEdge, external int, now time.Time) *models.CollusionRing {
	size := len(members)
	var ch models.RingCharacteristics
	var weightSum float64
	for _, e := range internal {
		switch e.Type {
		case models.EdgeDevice:
			ch.SharedDevices += 2
		case models.EdgeNetwork:
			ch.SharedNetworks += 2
		case models.EdgePayment:
			ch.InternalPayments += 2
		}
		weightSum += e.Weight
	}
	ch.InternalEdges = len(internal)
	ch.ExternalEdges = external
	ch.AvgInternalWeight = ratio(weightSum, float64(ch.InternalEdges))
	ch.IsolationScore = ratio(float64(ch.InternalEdges), float64(ch.InternalEdges+ch.ExternalEdges))

	signals := RingSignals(ch, size, d.policy)
	p := RingProbability(ch, size, signals, d.policy)

	return &models.CollusionRing{
		ID:                   models.DetectionID(models.KindRing, members),
		MemberIDs:            members,
		Size:                 size,
		CollusionProbability: p,
		RiskLevel:            RiskFor(p, d.policy.Risk),
		Characteristics:      ch,
		Signals:              signals,
		Status:               models.StatusDetected,
		ScoringVersion:       d.policy.Version,
		DetectedAt:           now,
		UpdatedAt:            now,
	}
}

// RingSignals derives the discrete signals a ring's measurements cross.
func RingSignals(ch models.RingCharacteristics, size int, policy config.RingPolicy) []models.DetectionSignal {
	n := float64(size)
	signals := make([]models.DetectionSignal, 0, 4)
	if ch.SharedDevices > 0 {
		signals = append(signals, models.DetectionSignal{
			Type:        models.SignalDeviceOverlap,
			Severity:    clamp01(ratio(float64(ch.SharedDevices), n)),
			Description: fmt.Sprintf("%d shared-device links across %d accounts", ch.SharedDevices, size),
		})
	}
	if ch.SharedNetworks > 0 {
		signals = append(signals, models.DetectionSignal{
			Type:        models.SignalNetworkOverlap,
			Severity:    clamp01(ratio(float64(ch.SharedNetworks), n)),
			Description: fmt.Sprintf("%d shared-network links across %d accounts", ch.SharedNetworks, size),
		})
	}
	if ch.InternalPayments >= policy.PaymentLoopMin {
		signals = append(signals, models.DetectionSignal{
			Type:        models.SignalPaymentLoop,
			Severity:    clamp01(ratio(float64(ch.InternalPayments), 2*n)),
			Description: fmt.Sprintf("%d internal payment links form a closed loop", ch.InternalPayments),
		})
	}
	if ch.InternalEdges > 0 && ch.IsolationScore >= policy.IsolationThreshold {
		signals = append(signals, models.DetectionSignal{
			Type:        models.SignalClosedNetwork,
			Severity:    clamp01(ch.IsolationScore),
			Description: fmt.Sprintf("%.0f%% of strong links stay inside the group", ch.IsolationScore*100),
		})
	}
	return signals
}

// RingProbability is the bounded weighted sum of capped factor contributions.
func RingProbability(ch models.RingCharacteristics, size int, signals []models.DetectionSignal, policy config.RingPolicy) float64 {
	if size <= 0 {
		return 0
	}
	n := float64(size)
	p := 0.4 * math.Min(1, ratio(float64(ch.SharedDevices), n))
	p += 0.3 * math.Min(1, ratio(float64(ch.InternalPayments), 2*n))
	if ch.InternalEdges > 0 {
		p += 0.2 * clamp01(ratio(ch.IsolationScore-policy.IsolationThreshold, 1-policy.IsolationThreshold))
	}
	if ch.InternalEdges > 0 && ch.AvgInternalWeight >= policy.HighAvgWeight {
		p += 0.1
	}
	if models.DistinctSignalTypes(signals) >= 3 {
		p += 0.1
	}
	return clamp01(p)
}
