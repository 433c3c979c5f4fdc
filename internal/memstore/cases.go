package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/rawblock/ringwatch/pkg/models"
)

func cloneCase(c *models.ModerationCase) *models.ModerationCase {
	out := *c
	out.MemberIDs = append([]string(nil), c.MemberIDs...)
	out.PriorityFactors = append([]string(nil), c.PriorityFactors...)
	out.Evidence.Signals = append([]string(nil), c.Evidence.Signals...)
	return &out
}

// CreateCase inserts a case unless the entity already has an active one, in
// which case it returns ErrConflict. Check and insert share one lock.
func (s *Store) CreateCase(_ context.Context, c *models.ModerationCase) error {
	s.caseMu.Lock()
	defer s.caseMu.Unlock()

	if _, ok := s.cases[c.ID]; ok {
		return fmt.Errorf("case %s: %w", c.ID, models.ErrConflict)
	}
	if existing := s.activeCaseLocked(c.EntityID); existing != nil {
		return fmt.Errorf("entity %s already has case %s: %w", c.EntityID, existing.ID, models.ErrConflict)
	}
	s.cases[c.ID] = cloneCase(c)
	return nil
}

func (s *Store) activeCaseLocked(entityID string) *models.ModerationCase {
	for _, c := range s.cases {
		if c.EntityID == entityID && c.Status.Active() {
			return c
		}
	}
	return nil
}

// FindActiveCase returns the entity's active case, or ErrNotFound.
func (s *Store) FindActiveCase(_ context.Context, entityID string) (*models.ModerationCase, error) {
	s.caseMu.RLock()
	defer s.caseMu.RUnlock()
	if c := s.activeCaseLocked(entityID); c != nil {
		return cloneCase(c), nil
	}
	return nil, fmt.Errorf("active case for %s: %w", entityID, models.ErrNotFound)
}

// GetCase returns one case.
func (s *Store) GetCase(_ context.Context, id string) (*models.ModerationCase, error) {
	s.caseMu.RLock()
	defer s.caseMu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, models.ErrNotFound)
	}
	return cloneCase(c), nil
}

// UpdateCase overwrites a non-resolved case. Resolved cases are immutable.
func (s *Store) UpdateCase(_ context.Context, c *models.ModerationCase) error {
	s.caseMu.Lock()
	defer s.caseMu.Unlock()
	existing, ok := s.cases[c.ID]
	if !ok {
		return fmt.Errorf("case %s: %w", c.ID, models.ErrNotFound)
	}
	if !existing.Status.Active() {
		return fmt.Errorf("case %s is %s: %w", c.ID, existing.Status, models.ErrConflict)
	}
	s.cases[c.ID] = cloneCase(c)
	return nil
}

// ResolveCase writes the resolved case and the linked entity's review in
// one critical section. Nothing is written if either side is missing.
func (s *Store) ResolveCase(_ context.Context, c *models.ModerationCase, review models.Review) error {
	s.caseMu.Lock()
	defer s.caseMu.Unlock()
	s.entityMu.Lock()
	defer s.entityMu.Unlock()

	existing, ok := s.cases[c.ID]
	if !ok {
		return fmt.Errorf("case %s: %w", c.ID, models.ErrNotFound)
	}
	if !existing.Status.Active() {
		return fmt.Errorf("case %s is %s: %w", c.ID, existing.Status, models.ErrConflict)
	}
	if err := s.setStatusLocked(c.Type.EntityKind(), c.EntityID, review); err != nil {
		return err
	}
	s.cases[c.ID] = cloneCase(c)
	return nil
}

// ListActiveCases returns the review queue: highest priority first, then
// oldest first.
func (s *Store) ListActiveCases(_ context.Context, limit int) ([]*models.ModerationCase, error) {
	s.caseMu.RLock()
	out := make([]*models.ModerationCase, 0)
	for _, c := range s.cases {
		if c.Status.Active() {
			out = append(out, cloneCase(c))
		}
	}
	s.caseMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CaseCount reports how many cases exist for an entity, in any status.
func (s *Store) CaseCount(entityID string) int {
	s.caseMu.RLock()
	defer s.caseMu.RUnlock()
	n := 0
	for _, c := range s.cases {
		if c.EntityID == entityID {
			n++
		}
	}
	return n
}
