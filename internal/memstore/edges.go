package memstore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rawblock/ringwatch/pkg/models"
)

// MergeEdge creates the edge or reinforces the existing one in a single
// critical section, so concurrent producers never lose the larger weight.
func (s *Store) MergeEdge(_ context.Context, edge models.SignalEdge) (models.SignalEdge, error) {
	at := edge.LastSeenAt
	if at.IsZero() {
		at = s.now()
	}

	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()

	existing, ok := s.edges[edge.EdgeKey]
	if !ok {
		created := models.SignalEdge{
			EdgeKey:    edge.EdgeKey,
			Weight:     models.ClampWeight(edge.Weight),
			CreatedAt:  at,
			UpdatedAt:  at,
			LastSeenAt: at,
			Metadata:   models.MergeMetadata(nil, edge.Metadata),
		}
		s.edges[edge.EdgeKey] = created
		return cloneEdge(created), nil
	}
	merged := existing.Reinforce(edge.Weight, edge.Metadata, at)
	s.edges[edge.EdgeKey] = merged
	return cloneEdge(merged), nil
}

// GetEdge returns one edge by key.
func (s *Store) GetEdge(_ context.Context, key models.EdgeKey) (models.SignalEdge, error) {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	e, ok := s.edges[key]
	if !ok {
		return models.SignalEdge{}, fmt.Errorf("edge %s: %w", key, models.ErrNotFound)
	}
	return cloneEdge(e), nil
}

// ListEdgesForUser pages through every edge touching userID.
func (s *Store) ListEdgesForUser(_ context.Context, userID string, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	return s.filterEdges(func(e models.SignalEdge) bool {
		return e.UserA == userID || e.UserB == userID
	}, after, limit), nil
}

// ListEdgesBetween returns every typed edge for the canonical pair.
func (s *Store) ListEdgesBetween(_ context.Context, userA, userB string) ([]models.SignalEdge, error) {
	k := models.NewEdgeKey(userA, userB, "")
	return s.filterEdges(func(e models.SignalEdge) bool {
		return e.UserA == k.UserA && e.UserB == k.UserB
	}, models.EdgeKey{}, 0), nil
}

// ListStrongEdges pages through edges at or above minWeight.
func (s *Store) ListStrongEdges(_ context.Context, minWeight float64, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	return s.filterEdges(func(e models.SignalEdge) bool {
		return e.Weight >= minWeight
	}, after, limit), nil
}

// ListStaleEdges pages through edges last seen before the cutoff.
func (s *Store) ListStaleEdges(_ context.Context, before time.Time, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	return s.filterEdges(func(e models.SignalEdge) bool {
		return e.LastSeenAt.Before(before)
	}, after, limit), nil
}

// ListEdgesAmong pages through edges whose both endpoints are in members.
func (s *Store) ListEdgesAmong(_ context.Context, members []string, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	set := make(map[string]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return s.filterEdges(func(e models.SignalEdge) bool {
		_, a := set[e.UserA]
		_, b := set[e.UserB]
		return a && b
	}, after, limit), nil
}

// DecayEdge lowers or deletes one stale edge. Both branches re-check the
// horizon under the lock, so an edge reinforced after it was listed is left
// alone.
func (s *Store) DecayEdge(_ context.Context, key models.EdgeKey, before time.Time, rate, floor float64) (models.DecayOutcome, error) {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()

	e, ok := s.edges[key]
	if !ok || !e.LastSeenAt.Before(before) {
		return models.DecaySkipped, nil
	}
	next := e.Weight - rate
	if next <= floor+models.WeightEpsilon {
		delete(s.edges, key)
		return models.DecayRemoved, nil
	}
	e.Weight = math.Max(0, next)
	e.UpdatedAt = s.now()
	s.edges[key] = e
	return models.DecayLowered, nil
}

// EdgeCount reports how many edges are stored.
func (s *Store) EdgeCount() int {
	s.edgeMu.RLock()
	defer s.edgeMu.RUnlock()
	return len(s.edges)
}

// PutEdge stores an edge verbatim, bypassing merge semantics. Tests use it
// to seed stale or malformed records.
func (s *Store) PutEdge(e models.SignalEdge) {
	s.edgeMu.Lock()
	defer s.edgeMu.Unlock()
	s.edges[e.EdgeKey] = e
}

func (s *Store) filterEdges(keep func(models.SignalEdge) bool, after models.EdgeKey, limit int) []models.SignalEdge {
	s.edgeMu.RLock()
	out := make([]models.SignalEdge, 0)
	for _, e := range s.edges {
		if keep(e) {
			out = append(out, cloneEdge(e))
		}
	}
	s.edgeMu.RUnlock()
	return page(out, after, limit)
}
