package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rawblock/ringwatch/internal/enforcement"
	"github.com/rawblock/ringwatch/internal/graph"
	"github.com/rawblock/ringwatch/internal/heuristics"
	"github.com/rawblock/ringwatch/pkg/models"
)

// Job names used by the CLI and the API.
const (
	JobDecay     = "decay"
	JobRings     = "rings"
	JobSpam      = "spam"
	JobSweep     = "sweep"
	JobRetention = "retention"
)

// JobNames lists every built-in job.
var JobNames = []string{JobDecay, JobRings, JobSpam, JobSweep, JobRetention}

// DecayJob lowers and prunes stale edges.
func DecayJob(g *graph.Maintenance, every time.Duration) Job {
	return Job{Name: JobDecay, Interval: every, Run: func(ctx context.Context) (any, error) {
		return g.Decay(ctx)
	}}
}

// RingJob runs collusion-ring detection.
func RingJob(d *heuristics.RingDetector, every time.Duration) Job {
	return Job{Name: JobRings, Interval: every, Run: func(ctx context.Context) (any, error) {
		return d.Run(ctx)
	}}
}

// SpamJob runs spam-cluster detection.
func SpamJob(d *heuristics.SpamDetector, every time.Duration) Job {
	return Job{Name: JobSpam, Interval: every, Run: func(ctx context.Context) (any, error) {
		return d.Run(ctx)
	}}
}

// SweepJob expires enforcement actions past their expiry.
func SweepJob(c *enforcement.Controller, every time.Duration) Job {
	return Job{Name: JobSweep, Interval: every, Run: func(ctx context.Context) (any, error) {
		return c.SweepExpired(ctx)
	}}
}

// RetentionStore deletes reviewed false positives.
type RetentionStore interface {
	DeleteFalsePositives(ctx context.Context, kind models.EntityKind, before time.Time) (int, error)
}

// RetentionReport counts deleted entities.
type RetentionReport struct {
	Cutoff   time.Time `json:"cutoff"`
	Rings    int       `json:"rings"`
	Clusters int       `json:"clusters"`
}

// RetentionJob deletes FALSE_POSITIVE rings and clusters reviewed more than
// window ago.
func RetentionJob(store RetentionStore, window, every time.Duration, now func() time.Time) Job {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return Job{Name: JobRetention, Interval: every, Run: func(ctx context.Context) (any, error) {
		report := RetentionReport{Cutoff: now().Add(-window)}
		var err error
		if report.Rings, err = store.DeleteFalsePositives(ctx, models.KindRing, report.Cutoff); err != nil {
			return report, fmt.Errorf("ring retention: %w", err)
		}
		if report.Clusters, err = store.DeleteFalsePositives(ctx, models.KindCluster, report.Cutoff); err != nil {
			return report, fmt.Errorf("cluster retention: %w", err)
		}
		return report, nil
	}}
}
