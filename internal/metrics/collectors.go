package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rawblock/ringwatch/pkg/models"
)

// Collectors groups every Prometheus series the engine exports. All methods
// are safe on a nil receiver so components can run without metrics.
type Collectors struct {
	edgesUpserted *prometheus.CounterVec
	edgesDecayed  *prometheus.CounterVec
	detections    *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	casesOpened   *prometheus.CounterVec
	actions       *prometheus.CounterVec
	recalcErrors  prometheus.Counter
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
}

// NewCollectors creates the collectors and registers them on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		edgesUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringwatch", Name: "edges_upserted_total",
			Help: "Signal edges created or reinforced, by edge type.",
		}, []string{"edge_type"}),
		edgesDecayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringwatch", Name: "edges_decayed_total",
			Help: "Decay outcomes per edge: lowered, removed or skipped.",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringwatch", Name: "detections_total",
			Help: "Rings and clusters persisted, by kind and risk level.",
		}, []string{"kind", "risk"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringwatch", Name: "detection_records_skipped_total",
			Help: "Malformed edges or candidates skipped during detection runs.",
		}, []string{"kind"}),
		casesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringwatch", Name: "cases_opened_total",
			Help: "Moderation cases opened, by type and priority.",
		}, []string{"type", "priority"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringwatch", Name: "enforcement_actions_total",
			Help: "Enforcement transitions, by level and event (applied, removed, expired).",
		}, []string{"level", "event"}),
		recalcErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ringwatch", Name: "recalculation_failures_total",
			Help: "Failed calls to the enforcement-state recalculation engine.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ringwatch", Name: "job_runs_total",
			Help: "Batch job runs, by job and result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ringwatch", Name: "job_duration_seconds",
			Help:    "Batch job wall time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"job"}),
	}
	reg.MustRegister(c.edgesUpserted, c.edgesDecayed, c.detections, c.skipped,
		c.casesOpened, c.actions, c.recalcErrors, c.jobRuns, c.jobDuration)
	return c
}

func (c *Collectors) EdgeUpserted(t models.EdgeType) {
	if c == nil {
		return
	}
	c.edgesUpserted.WithLabelValues(string(t)).Inc()
}

func (c *Collectors) EdgeDecayed(o models.DecayOutcome) {
	if c == nil {
		return
	}
	label := "skipped"
	switch o {
	case models.DecayLowered:
		label = "lowered"
	case models.DecayRemoved:
		label = "removed"
	}
	c.edgesDecayed.WithLabelValues(label).Inc()
}

func (c *Collectors) Detected(kind models.EntityKind, risk models.RiskLevel) {
	if c == nil {
		return
	}
	c.detections.WithLabelValues(string(kind), string(risk)).Inc()
}

func (c *Collectors) Skipped(kind models.EntityKind, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.skipped.WithLabelValues(string(kind)).Add(float64(n))
}

func (c *Collectors) CaseOpened(t models.CaseType, p models.CasePriority) {
	if c == nil {
		return
	}
	c.casesOpened.WithLabelValues(string(t), string(p)).Inc()
}

func (c *Collectors) Enforcement(level models.EnforcementLevel, event string) {
	if c == nil {
		return
	}
	c.actions.WithLabelValues(string(level), event).Inc()
}

func (c *Collectors) RecalculationFailed() {
	if c == nil {
		return
	}
	c.recalcErrors.Inc()
}

// JobFinished records one job run.
func (c *Collectors) JobFinished(job string, took time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.jobRuns.WithLabelValues(job, result).Inc()
	c.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}
