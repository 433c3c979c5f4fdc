// Package memstore is an in-process implementation of every store the engine
// needs. It backs the engine when no database URL is configured and is the
// fixture store for package tests.
//
// Each record family has its own mutex; every mutation runs read-modify-write
// inside that critical section, which is the per-record atomicity the
// PostgreSQL store gets from single statements and transactions.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rawblock/ringwatch/pkg/models"
)

// Store holds edges, detections, cases, enforcement actions and the
// read-only platform fixtures.
type Store struct {
	edgeMu sync.RWMutex
	edges  map[models.EdgeKey]models.SignalEdge

	entityMu sync.RWMutex
	rings    map[string]*models.CollusionRing
	clusters map[string]*models.SpamCluster

	// caseMu also guards entity writes made as part of a case resolution;
	// lock order is caseMu then entityMu.
	caseMu sync.RWMutex
	cases  map[string]*models.ModerationCase

	actionMu sync.RWMutex
	actions  map[string]*models.EnforcementAction
	flags    map[string][]models.TrustFlag // keyed by user id

	platformMu sync.RWMutex
	profiles   map[string]models.AccountProfile
	messaging  map[string]models.MessagingStats
	kyc        map[string]models.KYCStatus

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		edges:     make(map[models.EdgeKey]models.SignalEdge),
		rings:     make(map[string]*models.CollusionRing),
		clusters:  make(map[string]*models.SpamCluster),
		cases:     make(map[string]*models.ModerationCase),
		actions:   make(map[string]*models.EnforcementAction),
		flags:     make(map[string][]models.TrustFlag),
		profiles:  make(map[string]models.AccountProfile),
		messaging: make(map[string]models.MessagingStats),
		kyc:       make(map[string]models.KYCStatus),
		now:       time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func sortEdges(edges []models.SignalEdge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].EdgeKey.Less(edges[j].EdgeKey) })
}

// page applies keyset pagination to a key-sorted slice.
func page(edges []models.SignalEdge, after models.EdgeKey, limit int) []models.SignalEdge {
	sortEdges(edges)
	start := 0
	if after != (models.EdgeKey{}) {
		start = sort.Search(len(edges), func(i int) bool { return after.Less(edges[i].EdgeKey) })
	}
	edges = edges[start:]
	if limit > 0 && len(edges) > limit {
		edges = edges[:limit]
	}
	return edges
}

func cloneEdge(e models.SignalEdge) models.SignalEdge {
	e.Metadata = models.MergeMetadata(e.Metadata, nil)
	return e
}
