package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rawblock/ringwatch/pkg/models"
)

func cloneAction(a *models.EnforcementAction) models.EnforcementAction {
	out := *a
	if a.Reversal != nil {
		r := *a.Reversal
		out.Reversal = &r
	}
	return out
}

// CreateAction stores an action together with its trust flags. A user holds
// at most one unswept, unreversed action per source entity.
func (s *Store) CreateAction(_ context.Context, action models.EnforcementAction, flags []models.TrustFlag) error {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()

	if _, ok := s.actions[action.ID]; ok {
		return fmt.Errorf("action %s: %w", action.ID, models.ErrConflict)
	}
	if action.SourceEntityID != "" {
		for _, a := range s.actions {
			if a.UserID == action.UserID && a.SourceEntityID == action.SourceEntityID &&
				a.ExpiredAt == nil && a.Reversal == nil {
				return fmt.Errorf("user %s already holds action %s from %s: %w",
					action.UserID, a.ID, action.SourceEntityID, models.ErrConflict)
			}
		}
	}
	a := action
	s.actions[a.ID] = &a
	for _, f := range flags {
		s.flags[f.UserID] = append(s.flags[f.UserID], f)
	}
	return nil
}

// GetAction returns one action.
func (s *Store) GetAction(_ context.Context, id string) (models.EnforcementAction, error) {
	s.actionMu.RLock()
	defer s.actionMu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return models.EnforcementAction{}, fmt.Errorf("action %s: %w", id, models.ErrNotFound)
	}
	return cloneAction(a), nil
}

// ListActionsForUser returns every action ever applied to a user, newest first.
func (s *Store) ListActionsForUser(_ context.Context, userID string) ([]models.EnforcementAction, error) {
	s.actionMu.RLock()
	out := make([]models.EnforcementAction, 0)
	for _, a := range s.actions {
		if a.UserID == userID {
			out = append(out, cloneAction(a))
		}
	}
	s.actionMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.After(out[j].AppliedAt) })
	return out, nil
}

// ReverseAction marks an action reversed and strips its flags. An action that
// is already reversed or expired yields ErrConflict.
func (s *Store) ReverseAction(_ context.Context, id string, rev models.Reversal) (models.EnforcementAction, error) {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return models.EnforcementAction{}, fmt.Errorf("action %s: %w", id, models.ErrNotFound)
	}
	if a.Reversal != nil || a.ExpiredAt != nil {
		return models.EnforcementAction{}, fmt.Errorf("action %s is no longer active: %w", id, models.ErrConflict)
	}
	r := rev
	a.Reversal = &r
	s.stripFlagsLocked(a.UserID, a.ID)
	return cloneAction(a), nil
}

// ListExpiredActions pages through actions whose expiry is at or before now
// and that have not been swept or reversed, ordered by id.
func (s *Store) ListExpiredActions(_ context.Context, now time.Time, afterID string, limit int) ([]models.EnforcementAction, error) {
	s.actionMu.RLock()
	out := make([]models.EnforcementAction, 0)
	for _, a := range s.actions {
		if a.ExpiresAt == nil || a.ExpiredAt != nil || a.Reversal != nil {
			continue
		}
		if a.ExpiresAt.After(now) || a.ID <= afterID {
			continue
		}
		out = append(out, cloneAction(a))
	}
	s.actionMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkExpired sets ExpiredAt if the action is still unswept and unreversed,
// and strips its flags. It reports whether this call did the marking.
func (s *Store) MarkExpired(_ context.Context, id string, at time.Time) (bool, error) {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()

	a, ok := s.actions[id]
	if !ok {
		return false, fmt.Errorf("action %s: %w", id, models.ErrNotFound)
	}
	if a.ExpiredAt != nil || a.Reversal != nil {
		return false, nil
	}
	t := at
	a.ExpiredAt = &t
	s.stripFlagsLocked(a.UserID, a.ID)
	return true, nil
}

// ListTrustFlags returns the flags currently set on a user's trust profile.
func (s *Store) ListTrustFlags(_ context.Context, userID string) ([]models.TrustFlag, error) {
	s.actionMu.RLock()
	defer s.actionMu.RUnlock()
	return append([]models.TrustFlag(nil), s.flags[userID]...), nil
}

func (s *Store) stripFlagsLocked(userID, actionID string) {
	kept := s.flags[userID][:0]
	for _, f := range s.flags[userID] {
		if f.SourceActionID != actionID {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		delete(s.flags, userID)
		return
	}
	s.flags[userID] = kept
}
