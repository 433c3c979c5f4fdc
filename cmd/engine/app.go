package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/alerting"
	"github.com/rawblock/ringwatch/internal/api"
	"github.com/rawblock/ringwatch/internal/cases"
	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/db"
	"github.com/rawblock/ringwatch/internal/enforcement"
	"github.com/rawblock/ringwatch/internal/graph"
	"github.com/rawblock/ringwatch/internal/heuristics"
	"github.com/rawblock/ringwatch/internal/memstore"
	"github.com/rawblock/ringwatch/internal/metrics"
	"github.com/rawblock/ringwatch/internal/pipeline"
	"github.com/rawblock/ringwatch/internal/scheduler"
	"github.com/rawblock/ringwatch/internal/shadow"
	"github.com/rawblock/ringwatch/pkg/models"
)

// backend is everything the engine reads and writes. Both the PostgreSQL
// store and the in-process store satisfy it.
type backend interface {
	graph.Store
	heuristics.RingStore
	heuristics.ClusterStore
	heuristics.ProfileSource
	heuristics.MessagingSource
	heuristics.KYCSource
	cases.Store
	enforcement.Store
	scheduler.RetentionStore
	api.EntityReader
	api.Pinger
}

var (
	_ backend = (*db.Store)(nil)
	_ backend = (*memstore.Store)(nil)
)

// engine holds the wired components for one process.
type engine struct {
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	store    backend

	graph     *graph.Maintenance
	cases     *cases.Manager
	enforcer  *enforcement.Controller
	alerts    *alerting.Manager
	scheduler *scheduler.Scheduler
	shadow    *shadow.Runner

	closers []func()
}

// buildEngine connects the store and the optional graph mirror and wires
// every component. broadcast receives each emitted alert and may be nil.
func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger, broadcast func(alerting.Alert)) (*engine, error) {
	e := &engine{cfg: cfg, log: logger, registry: prometheus.NewRegistry()}
	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollectors(e.registry)

	if cfg.Database.URL != "" {
		pg, err := db.Connect(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		e.store = pg
		e.closers = append(e.closers, pg.Close)
	} else {
		logger.Warn("database.url is not set; running on the in-process store, nothing survives a restart")
		e.store = memstore.New()
	}

	graphOpts := []graph.Option{graph.WithMetrics(m)}
	if cfg.Neo4j.URI != "" {
		runner, err := graph.NewBoltRunner(ctx, cfg.Neo4j)
		if err != nil {
			// The mirror is an analyst convenience; the engine runs without it.
			logger.Warn("Neo4j mirror disabled", zap.Error(err))
		} else {
			mirror := graph.NewNeo4jMirror(runner)
			graphOpts = append(graphOpts, graph.WithMirror(mirror))
			e.closers = append(e.closers, func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = mirror.Close(closeCtx)
			})
			logger.Info("Neo4j mirror enabled", zap.String("uri", cfg.Neo4j.URI))
		}
	}
	e.graph = graph.NewMaintenance(e.store, cfg.Graph, logger, graphOpts...)

	caseMinRisk, err := models.ParseRiskLevel(cfg.Cases.AutoOpenMinRisk)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("cases.auto_open_min_risk: %w", err)
	}

	e.cases = cases.NewManager(e.store, logger, cases.WithMetrics(m))
	e.enforcer = enforcement.NewController(e.store, enforcement.NewRecalculator(cfg.Recalc, logger), cfg.Enforcement, logger,
		enforcement.WithMetrics(m), enforcement.WithRetry(cfg.Graph.RetryAttempts, cfg.Graph.RetryBackoff))
	e.alerts = alerting.NewManager(cfg.Alerts, broadcast, logger)
	responder := pipeline.NewResponder(e.cases, e.enforcer, e.alerts, caseMinRisk, logger)

	detectorOpts := []heuristics.DetectorOption{
		heuristics.WithHandler(responder),
		heuristics.WithMetrics(m),
		heuristics.WithRetry(cfg.Graph.RetryAttempts, cfg.Graph.RetryBackoff),
	}
	rings := heuristics.NewRingDetector(e.store, e.store, cfg.Rings, logger, detectorOpts...)
	spam := heuristics.NewSpamDetector(e.store, e.store, e.store, e.store, cfg.Spam, logger, detectorOpts...)
	e.shadow = shadow.NewRunner(e.store, cfg.Rings, logger)

	e.scheduler = scheduler.New(logger, scheduler.WithJobTimeout(cfg.Scheduler.JobTimeout), scheduler.WithMetrics(m))
	every := func(d time.Duration) time.Duration {
		if !cfg.Scheduler.Enabled {
			return 0
		}
		return d
	}
	for _, job := range []scheduler.Job{
		scheduler.DecayJob(e.graph, every(cfg.Scheduler.DecayInterval)),
		scheduler.RingJob(rings, every(cfg.Scheduler.RingInterval)),
		scheduler.SpamJob(spam, every(cfg.Scheduler.SpamInterval)),
		scheduler.SweepJob(e.enforcer, every(cfg.Scheduler.SweepInterval)),
		scheduler.RetentionJob(e.store, cfg.Cases.Retention, every(cfg.Scheduler.RetentionInterval), nil),
	} {
		if err := e.scheduler.Register(job); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// apiDeps exposes the engine's components to the admin API.
func (e *engine) apiDeps(hub *api.Hub) api.Deps {
	return api.Deps{
		Graph:       e.graph,
		Entities:    e.store,
		Cases:       e.cases,
		Enforcement: e.enforcer,
		Scheduler:   e.scheduler,
		Alerts:      e.alerts,
		Shadow:      e.shadow,
		Hub:         hub,
		Store:       e.store,
		Gatherer:    e.registry,
	}
}

// Close releases the store and the mirror, newest first.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
