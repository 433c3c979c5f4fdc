// Package graph maintains the signal graph: idempotent edge reinforcement,
// time-based decay and pruning, and read-only query helpers.
//
// Signal producers map 1:1 onto UpsertEdge. Concurrent producers reporting
// the same pair are safe because the merge (max weight, metadata union) runs
// as one atomic store operation; no read-then-write happens in this package.
package graph

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/metrics"
	"github.com/rawblock/ringwatch/pkg/models"
	"go.uber.org/zap"
)

// Store is the persistence contract of the signal graph. List methods are
// keyset-paginated on EdgeKey order and return at most limit records after
// the given key.
type Store interface {
	MergeEdge(ctx context.Context, edge models.SignalEdge) (models.SignalEdge, error)
	GetEdge(ctx context.Context, key models.EdgeKey) (models.SignalEdge, error)
	ListEdgesForUser(ctx context.Context, userID string, after models.EdgeKey, limit int) ([]models.SignalEdge, error)
	ListEdgesBetween(ctx context.Context, userA, userB string) ([]models.SignalEdge, error)
	ListStrongEdges(ctx context.Context, minWeight float64, after models.EdgeKey, limit int) ([]models.SignalEdge, error)
	ListStaleEdges(ctx context.Context, before time.Time, after models.EdgeKey, limit int) ([]models.SignalEdge, error)
	ListEdgesAmong(ctx context.Context, members []string, after models.EdgeKey, limit int) ([]models.SignalEdge, error)
	DecayEdge(ctx context.Context, key models.EdgeKey, before time.Time, rate, floor float64) (models.DecayOutcome, error)
}

// Mirror receives strong edges for an external graph view. Mirror failures
// never fail the upsert that triggered them.
type Mirror interface {
	MirrorEdge(ctx context.Context, edge models.SignalEdge) error
	RemoveEdge(ctx context.Context, key models.EdgeKey) error
}

// DecayReport summarizes one decay pass.
type DecayReport struct {
	Scanned int `json:"scanned"`
	Decayed int `json:"decayed"`
	Removed int `json:"removed"`
	Skipped int `json:"skipped"` // reinforced or gone since listed
	Failed  int `json:"failed"`
}

// Maintenance owns all writes to the signal graph.
type Maintenance struct {
	store   Store
	mirror  Mirror
	cfg     config.GraphConfig
	log     *zap.Logger
	metrics *metrics.Collectors
	now     func() time.Time
}

// Option customizes a Maintenance.
type Option func(*Maintenance)

// WithMirror mirrors strong edges to m.
func WithMirror(m Mirror) Option {
	return func(g *Maintenance) { g.mirror = m }
}

// WithMetrics records upserts and decay outcomes.
func WithMetrics(c *metrics.Collectors) Option {
	return func(g *Maintenance) { g.metrics = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Maintenance) { g.now = now }
}

// NewMaintenance wires the graph maintenance component.
func NewMaintenance(store Store, cfg config.GraphConfig, logger *zap.Logger, opts ...Option) *Maintenance {
	g := &Maintenance{
		store: store,
		cfg:   cfg,
		log:   logger.Named("graph"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// UpsertEdge records one signal between two users. The pair is canonicalized,
// the weight clamped to [0,1], and the store merges it with any existing edge
// (weight = max, metadata union, seen/updated refreshed). Repeat calls are
// idempotent. Malformed input fails with ErrValidation before any write.
func (g *Maintenance) UpsertEdge(ctx context.Context, userA, userB string, edgeType models.EdgeType, weight float64, metadata map[string]any) (models.SignalEdge, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	switch {
	case userA == "" || userB == "":
		return models.SignalEdge{}, fmt.Errorf("%w: both user ids are required", models.ErrValidation)
	case userA == userB:
		return models.SignalEdge{}, fmt.Errorf("%w: cannot link user %s to itself", models.ErrValidation, userA)
	case !edgeType.Valid():
		return models.SignalEdge{}, fmt.Errorf("%w: unknown edge type %q", models.ErrValidation, edgeType)
	case math.IsNaN(weight) || math.IsInf(weight, 0):
		return models.SignalEdge{}, fmt.Errorf("%w: weight must be a finite number", models.ErrValidation)
	}

	edge := models.SignalEdge{
		EdgeKey:    models.NewEdgeKey(userA, userB, edgeType),
		Weight:     models.ClampWeight(weight),
		LastSeenAt: g.now(),
		Metadata:   metadata,
	}

	var merged models.SignalEdge
	err := Retry(ctx, g.cfg.RetryAttempts, g.cfg.RetryBackoff, func() error {
		var mergeErr error
		merged, mergeErr = g.store.MergeEdge(ctx, edge)
		return mergeErr
	})
	if err != nil {
		return models.SignalEdge{}, fmt.Errorf("upsert edge %s: %w", edge.EdgeKey, err)
	}
	g.metrics.EdgeUpserted(edgeType)

	if g.mirror != nil && merged.Weight >= g.cfg.MirrorMinWeight {
		if err := g.mirror.MirrorEdge(ctx, merged); err != nil {
			g.log.Warn("Edge mirror failed", zap.String("edge", merged.EdgeKey.String()), zap.Error(err))
		}
	}
	return merged, nil
}

// Decay walks edges last seen before the horizon in bounded pages. Each edge
// is lowered by the decay rate or deleted once the result is at or below the
// prune floor, in one conditional store call that re-checks the horizon. A
// failing record is retried and then counted; the pass only aborts if a page
// cannot be listed.
func (g *Maintenance) Decay(ctx context.Context) (DecayReport, error) {
	var report DecayReport
	before := g.now().Add(-g.cfg.DecayHorizon)
	after := models.EdgeKey{}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var batch []models.SignalEdge
		err := Retry(ctx, g.cfg.RetryAttempts, g.cfg.RetryBackoff, func() error {
			var listErr error
			batch, listErr = g.store.ListStaleEdges(ctx, before, after, g.cfg.BatchSize)
			return listErr
		})
		if err != nil {
			return report, fmt.Errorf("list stale edges after %s: %w", after, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, e := range batch {
			report.Scanned++
			var outcome models.DecayOutcome
			err := Retry(ctx, g.cfg.RetryAttempts, g.cfg.RetryBackoff, func() error {
				var decayErr error
				outcome, decayErr = g.store.DecayEdge(ctx, e.EdgeKey, before, g.cfg.DecayRate, g.cfg.PruneFloor)
				return decayErr
			})
			if err != nil {
				report.Failed++
				g.log.Warn("Edge decay failed", zap.String("edge", e.EdgeKey.String()), zap.Error(err))
				continue
			}
			switch outcome {
			case models.DecayLowered:
				report.Decayed++
			case models.DecayRemoved:
				report.Removed++
				if g.mirror != nil {
					if err := g.mirror.RemoveEdge(ctx, e.EdgeKey); err != nil {
						g.log.Warn("Edge mirror removal failed", zap.String("edge", e.EdgeKey.String()), zap.Error(err))
					}
				}
			default:
				report.Skipped++
			}
			g.metrics.EdgeDecayed(outcome)
		}
		after = batch[len(batch)-1].EdgeKey
		if len(batch) < g.cfg.BatchSize {
			break
		}
	}

	g.log.Info("Decay pass complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("decayed", report.Decayed),
		zap.Int("removed", report.Removed),
		zap.Int("failed", report.Failed))
	return report, nil
}
