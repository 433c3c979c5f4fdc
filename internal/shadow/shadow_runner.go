package shadow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/heuristics"
	"github.com/rawblock/ringwatch/internal/metrics"
	"github.com/rawblock/ringwatch/pkg/models"
)

// Runner scores a candidate ring policy against the live graph next to the
// production policy. Neither run is persisted: the runner only holds an edge
// source, so no ring, case or enforcement action can come out of it. A
// candidate policy stays in shadow until its agreement with production has
// been watched long enough to trust.
type Runner struct {
	edges      heuristics.RingEdgeSource
	production config.RingPolicy
	log        *zap.Logger
	now        func() time.Time
	maxHistory int

	mu      sync.Mutex
	history []Result
}

// Result captures one production-versus-candidate comparison.
type Result struct {
	ID                string            `json:"id"`
	ProductionVersion string            `json:"productionVersion"`
	CandidateVersion  string            `json:"candidateVersion"`
	ProductionRings   int               `json:"productionRings"`
	CandidateRings    int               `json:"candidateRings"`
	Agreement         metrics.Agreement `json:"agreement"`
	Diff              Diff              `json:"diff"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// Divergent reports whether the candidate grouped or graded any ring
// differently from production.
func (r Result) Divergent() bool {
	return !r.Diff.Empty()
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithHistory bounds the number of kept results.
func WithHistory(n int) Option {
	return func(r *Runner) { r.maxHistory = n }
}

// NewRunner creates a runner comparing candidates with the production policy.
func NewRunner(edges heuristics.RingEdgeSource, production config.RingPolicy, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		edges:      edges,
		production: production,
		log:        logger.Named("shadow"),
		now:        func() time.Time { return time.Now().UTC() },
		maxHistory: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Production returns the policy candidates are compared against.
func (r *Runner) Production() config.RingPolicy {
	return r.production
}

// Evaluate runs production and candidate detection concurrently over the same
// graph and records how far the candidate's partition drifts.
func (r *Runner) Evaluate(ctx context.Context, candidate config.RingPolicy) (*Result, error) {
	if err := candidate.Validate(); err != nil {
		return nil, fmt.Errorf("%w: candidate policy: %v", models.ErrValidation, err)
	}

	var prodRings, candRings []*models.CollusionRing
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		prodRings, _, err = heuristics.NewRingDetector(r.edges, nil, r.production, r.log, heuristics.WithClock(r.now)).Detect(gctx)
		if err != nil {
			return fmt.Errorf("production run: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		candRings, _, err = heuristics.NewRingDetector(r.edges, nil, candidate, r.log, heuristics.WithClock(r.now)).Detect(gctx)
		if err != nil {
			return fmt.Errorf("candidate run: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := Result{
		ID:                uuid.NewString(),
		ProductionVersion: r.production.Version,
		CandidateVersion:  candidate.Version,
		ProductionRings:   len(prodRings),
		CandidateRings:    len(candRings),
		Agreement:         metrics.CompareGroupings(groupings(prodRings), groupings(candRings)),
		Diff:              DiffRings(prodRings, candRings),
		CreatedAt:         r.now(),
	}

	if result.Divergent() {
		r.log.Info("Shadow policy diverges from production",
			zap.String("production", result.ProductionVersion),
			zap.String("candidate", result.CandidateVersion),
			zap.Float64("ari", result.Agreement.ARI),
			zap.Float64("vi", result.Agreement.VI),
			zap.Int("added", len(result.Diff.Added)),
			zap.Int("removed", len(result.Diff.Removed)),
			zap.Int("risk_changed", len(result.Diff.RiskChanged)))
	}

	r.mu.Lock()
	r.history = append(r.history, result)
	if r.maxHistory > 0 && len(r.history) > r.maxHistory {
		r.history = r.history[len(r.history)-r.maxHistory:]
	}
	r.mu.Unlock()
	return &result, nil
}

// History returns kept results, newest first.
func (r *Runner) History() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.history))
	for i, res := range r.history {
		out[len(r.history)-1-i] = res
	}
	return out
}

// DriftReport summarizes the kept results for one candidate version. An
// empty version covers every candidate.
func (r *Runner) DriftReport(candidateVersion string) Drift {
	r.mu.Lock()
	defer r.mu.Unlock()
	return summarize(r.history, candidateVersion)
}

func groupings(rings []*models.CollusionRing) [][]string {
	out := make([][]string, len(rings))
	for i, ring := range rings {
		out[i] = ring.MemberIDs
	}
	return out
}
