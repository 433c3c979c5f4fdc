package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rawblock/ringwatch/pkg/models"
)

func cloneRing(r *models.CollusionRing) *models.CollusionRing {
	c := *r
	c.MemberIDs = append([]string(nil), r.MemberIDs...)
	c.Signals = append([]models.DetectionSignal(nil), r.Signals...)
	return &c
}

func cloneCluster(cl *models.SpamCluster) *models.SpamCluster {
	c := *cl
	c.MemberIDs = append([]string(nil), cl.MemberIDs...)
	c.Signals = append([]models.DetectionSignal(nil), cl.Signals...)
	return &c
}

// UpsertRing inserts a ring or refreshes the scores of an existing one with
// the same id. Status, case link and review fields survive a refresh.
func (s *Store) UpsertRing(_ context.Context, ring *models.CollusionRing) (*models.CollusionRing, error) {
	s.entityMu.Lock()
	defer s.entityMu.Unlock()

	next := cloneRing(ring)
	if existing, ok := s.rings[ring.ID]; ok {
		next.Status = existing.Status
		next.CaseID = existing.CaseID
		next.ReviewedBy = existing.ReviewedBy
		next.ReviewNotes = existing.ReviewNotes
		next.ReviewedAt = existing.ReviewedAt
		next.ReviewedRisk = existing.ReviewedRisk
		next.DetectedAt = existing.DetectedAt
	}
	s.rings[ring.ID] = next
	return cloneRing(next), nil
}

// UpsertCluster is UpsertRing for spam clusters.
func (s *Store) UpsertCluster(_ context.Context, cluster *models.SpamCluster) (*models.SpamCluster, error) {
	s.entityMu.Lock()
	defer s.entityMu.Unlock()

	next := cloneCluster(cluster)
	if existing, ok := s.clusters[cluster.ID]; ok {
		next.Status = existing.Status
		next.CaseID = existing.CaseID
		next.ReviewedBy = existing.ReviewedBy
		next.ReviewNotes = existing.ReviewNotes
		next.ReviewedAt = existing.ReviewedAt
		next.ReviewedRisk = existing.ReviewedRisk
		next.DetectedAt = existing.DetectedAt
	}
	s.clusters[cluster.ID] = next
	return cloneCluster(next), nil
}

// GetRing returns one ring.
func (s *Store) GetRing(_ context.Context, id string) (*models.CollusionRing, error) {
	s.entityMu.RLock()
	defer s.entityMu.RUnlock()
	r, ok := s.rings[id]
	if !ok {
		return nil, fmt.Errorf("ring %s: %w", id, models.ErrNotFound)
	}
	return cloneRing(r), nil
}

// GetCluster returns one cluster.
func (s *Store) GetCluster(_ context.Context, id string) (*models.SpamCluster, error) {
	s.entityMu.RLock()
	defer s.entityMu.RUnlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, models.ErrNotFound)
	}
	return cloneCluster(c), nil
}

// ListRings returns rings at or above minRisk, highest probability first.
func (s *Store) ListRings(_ context.Context, minRisk models.RiskLevel, limit int) ([]*models.CollusionRing, error) {
	s.entityMu.RLock()
	out := make([]*models.CollusionRing, 0)
	for _, r := range s.rings {
		if r.RiskLevel.AtLeast(minRisk) {
			out = append(out, cloneRing(r))
		}
	}
	s.entityMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CollusionProbability != out[j].CollusionProbability {
			return out[i].CollusionProbability > out[j].CollusionProbability
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListClusters returns clusters at or above minRisk, highest probability first.
func (s *Store) ListClusters(_ context.Context, minRisk models.RiskLevel, limit int) ([]*models.SpamCluster, error) {
	s.entityMu.RLock()
	out := make([]*models.SpamCluster, 0)
	for _, c := range s.clusters {
		if c.RiskLevel.AtLeast(minRisk) {
			out = append(out, cloneCluster(c))
		}
	}
	s.entityMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SpamProbability != out[j].SpamProbability {
			return out[i].SpamProbability > out[j].SpamProbability
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetDetection returns the ring or cluster behind an entity id.
func (s *Store) GetDetection(ctx context.Context, kind models.EntityKind, id string) (models.Detection, error) {
	if kind == models.KindCluster {
		c, err := s.GetCluster(ctx, id)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	r, err := s.GetRing(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LinkCase records the case opened for an entity without touching its status.
func (s *Store) LinkCase(_ context.Context, kind models.EntityKind, id, caseID string) error {
	s.entityMu.Lock()
	defer s.entityMu.Unlock()
	return s.linkCaseLocked(kind, id, caseID)
}

func (s *Store) linkCaseLocked(kind models.EntityKind, id, caseID string) error {
	switch kind {
	case models.KindCluster:
		c, ok := s.clusters[id]
		if !ok {
			return fmt.Errorf("cluster %s: %w", id, models.ErrNotFound)
		}
		c.CaseID = caseID
	default:
		r, ok := s.rings[id]
		if !ok {
			return fmt.Errorf("ring %s: %w", id, models.ErrNotFound)
		}
		r.CaseID = caseID
	}
	return nil
}

// SetEntityStatus applies a review to a ring or cluster.
func (s *Store) SetEntityStatus(_ context.Context, kind models.EntityKind, id string, review models.Review) error {
	s.entityMu.Lock()
	defer s.entityMu.Unlock()
	return s.setStatusLocked(kind, id, review)
}

func (s *Store) setStatusLocked(kind models.EntityKind, id string, review models.Review) error {
	switch kind {
	case models.KindCluster:
		c, ok := s.clusters[id]
		if !ok {
			return fmt.Errorf("cluster %s: %w", id, models.ErrNotFound)
		}
		at := review.At
		c.Status, c.ReviewedBy, c.ReviewNotes, c.ReviewedAt = review.Status, review.Reviewer, review.Notes, &at
		c.ReviewedRisk = c.RiskLevel
	default:
		r, ok := s.rings[id]
		if !ok {
			return fmt.Errorf("ring %s: %w", id, models.ErrNotFound)
		}
		at := review.At
		r.Status, r.ReviewedBy, r.ReviewNotes, r.ReviewedAt = review.Status, review.Reviewer, review.Notes, &at
		r.ReviewedRisk = r.RiskLevel
	}
	return nil
}

// DeleteFalsePositives removes FALSE_POSITIVE entities reviewed before the
// cutoff and reports how many went.
func (s *Store) DeleteFalsePositives(_ context.Context, kind models.EntityKind, before time.Time) (int, error) {
	s.entityMu.Lock()
	defer s.entityMu.Unlock()

	n := 0
	if kind == models.KindCluster {
		for id, c := range s.clusters {
			if c.Status == models.StatusFalsePositive && reviewedBefore(c.ReviewedAt, before) {
				delete(s.clusters, id)
				n++
			}
		}
		return n, nil
	}
	for id, r := range s.rings {
		if r.Status == models.StatusFalsePositive && reviewedBefore(r.ReviewedAt, before) {
			delete(s.rings, id)
			n++
		}
	}
	return n, nil
}

func reviewedBefore(at *time.Time, cutoff time.Time) bool {
	return at != nil && at.Before(cutoff)
}
