// Package cases turns detected rings and clusters into deduplicated,
// prioritized moderation cases and drives them through review.
//
// Case lifecycle:
//
//	OPEN → UNDER_REVIEW → RESOLVED
//	OPEN | UNDER_REVIEW → ESCALATED → RESOLVED
//
// An entity has at most one active (OPEN, UNDER_REVIEW or ESCALATED) case.
// The manager checks before creating, and the store rejects a racing second
// insert with ErrConflict, after which the winner is returned.
package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/metrics"
	"github.com/rawblock/ringwatch/pkg/models"
)

// Store is the persistence the manager needs.
type Store interface {
	CreateCase(ctx context.Context, c *models.ModerationCase) error
	FindActiveCase(ctx context.Context, entityID string) (*models.ModerationCase, error)
	GetCase(ctx context.Context, id string) (*models.ModerationCase, error)
	UpdateCase(ctx context.Context, c *models.ModerationCase) error
	ResolveCase(ctx context.Context, c *models.ModerationCase, review models.Review) error
	ListActiveCases(ctx context.Context, limit int) ([]*models.ModerationCase, error)
	GetDetection(ctx context.Context, kind models.EntityKind, id string) (models.Detection, error)
	LinkCase(ctx context.Context, kind models.EntityKind, id, caseID string) error
	SetEntityStatus(ctx context.Context, kind models.EntityKind, id string, review models.Review) error
}

// Manager owns case creation and the review lifecycle.
type Manager struct {
	store   Store
	log     *zap.Logger
	metrics *metrics.Collectors
	now     func() time.Time
	newID   func() string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics counts opened cases.
func WithMetrics(c *metrics.Collectors) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a case manager.
func NewManager(store Store, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		log:   logger.Named("cases"),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenCase returns the entity's active case, creating one if none exists.
// created reports whether this call made the case.
func (m *Manager) OpenCase(ctx context.Context, d models.Detection, openedBy string) (c *models.ModerationCase, created bool, err error) {
	if d == nil || d.EntityID() == "" {
		return nil, false, fmt.Errorf("%w: detection without an id", models.ErrValidation)
	}
	if strings.TrimSpace(openedBy) == "" {
		openedBy = models.SystemActor
	}

	existing, err := m.store.FindActiveCase(ctx, d.EntityID())
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, models.ErrNotFound):
		return nil, false, fmt.Errorf("check active case for %s: %w", d.EntityID(), err)
	}

	evidence, err := Evidence(d)
	if err != nil {
		return nil, false, fmt.Errorf("build evidence for %s: %w", d.EntityID(), err)
	}
	priority := ScorePriority(d)
	now := m.now()
	c = &models.ModerationCase{
		ID:              m.newID(),
		Type:            models.CaseTypeFor(d.Kind()),
		EntityID:        d.EntityID(),
		MemberIDs:       append([]string(nil), d.Members()...),
		Priority:        priority.Band,
		PriorityScore:   priority.Score,
		PriorityFactors: priority.Factors,
		OpenedBy:        openedBy,
		Status:          models.CaseOpen,
		Evidence:        evidence,
		OpenedAt:        now,
		UpdatedAt:       now,
	}

	if err := m.store.CreateCase(ctx, c); err != nil {
		if !errors.Is(err, models.ErrConflict) {
			return nil, false, fmt.Errorf("create case for %s: %w", d.EntityID(), err)
		}
		// Another opener won the race.
		winner, findErr := m.store.FindActiveCase(ctx, d.EntityID())
		if findErr != nil {
			return nil, false, fmt.Errorf("re-read case for %s after conflict: %w", d.EntityID(), errors.Join(err, findErr))
		}
		return winner, false, nil
	}

	if err := m.store.LinkCase(ctx, d.Kind(), d.EntityID(), c.ID); err != nil {
		m.log.Warn("Case opened but entity link failed",
			zap.String("case_id", c.ID), zap.String("entity_id", d.EntityID()), zap.Error(err))
	}
	m.metrics.CaseOpened(c.Type, c.Priority)
	m.log.Info("Case opened",
		zap.String("case_id", c.ID),
		zap.String("entity_id", c.EntityID),
		zap.String("priority", string(c.Priority)),
		zap.Int("priority_score", c.PriorityScore),
		zap.String("opened_by", openedBy))
	return c, true, nil
}

// OpenCaseForEntity loads a persisted ring or cluster and opens its case.
func (m *Manager) OpenCaseForEntity(ctx context.Context, kind models.EntityKind, entityID, openedBy string) (*models.ModerationCase, bool, error) {
	d, err := m.store.GetDetection(ctx, kind, entityID)
	if err != nil {
		return nil, false, err
	}
	return m.OpenCase(ctx, d, openedBy)
}

// Get returns one case.
func (m *Manager) Get(ctx context.Context, caseID string) (*models.ModerationCase, error) {
	return m.store.GetCase(ctx, caseID)
}

// ReviewQueue lists active cases, highest priority then oldest first.
func (m *Manager) ReviewQueue(ctx context.Context, limit int) ([]*models.ModerationCase, error) {
	return m.store.ListActiveCases(ctx, limit)
}

// Assign hands a case to a reviewer. An OPEN case moves to UNDER_REVIEW;
// an ESCALATED case stays escalated.
func (m *Manager) Assign(ctx context.Context, caseID, reviewer string) (*models.ModerationCase, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, fmt.Errorf("%w: reviewer is required", models.ErrValidation)
	}
	return m.mutate(ctx, caseID, func(c *models.ModerationCase) {
		c.AssignedTo = reviewer
		if c.Status == models.CaseOpen {
			c.Status = models.CaseUnderReview
		}
	})
}

// Escalate raises the case one priority band and marks it ESCALATED.
func (m *Manager) Escalate(ctx context.Context, caseID, reviewer, reason string) (*models.ModerationCase, error) {
	c, err := m.mutate(ctx, caseID, func(c *models.ModerationCase) {
		c.Priority = c.Priority.Next()
		c.Status = models.CaseEscalated
		if reason != "" {
			c.PriorityFactors = append(c.PriorityFactors, "escalated: "+reason)
		}
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("Case escalated",
		zap.String("case_id", caseID), zap.String("reviewer", reviewer), zap.String("priority", string(c.Priority)))
	return c, nil
}

// Resolve closes a case with an outcome and writes the matching terminal
// status to the linked ring or cluster in the same store operation.
func (m *Manager) Resolve(ctx context.Context, caseID string, outcome models.CaseOutcome, reviewer, notes string) (*models.ModerationCase, error) {
	if _, err := models.ParseCaseOutcome(string(outcome)); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reviewer) == "" {
		return nil, fmt.Errorf("%w: reviewer is required", models.ErrValidation)
	}

	c, err := m.activeCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	c.Status = models.CaseResolved
	c.Outcome = outcome
	c.ResolvedBy = reviewer
	c.ResolutionNotes = notes
	c.ResolvedAt = &now
	c.UpdatedAt = now

	review := models.Review{Status: outcome.EntityStatus(), Reviewer: reviewer, Notes: notes, At: now}
	if err := m.store.ResolveCase(ctx, c, review); err != nil {
		return nil, fmt.Errorf("resolve case %s: %w", caseID, err)
	}
	m.log.Info("Case resolved",
		zap.String("case_id", caseID),
		zap.String("outcome", string(outcome)),
		zap.String("entity_status", string(review.Status)),
		zap.String("reviewer", reviewer))
	return c, nil
}

// OverrideStatus sets a ring or cluster's status outside case resolution.
func (m *Manager) OverrideStatus(ctx context.Context, kind models.EntityKind, entityID string, status models.EntityStatus, reviewer, notes string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown entity status %q", models.ErrValidation, status)
	}
	if strings.TrimSpace(reviewer) == "" {
		return fmt.Errorf("%w: reviewer is required", models.ErrValidation)
	}
	review := models.Review{Status: status, Reviewer: reviewer, Notes: notes, At: m.now()}
	if err := m.store.SetEntityStatus(ctx, kind, entityID, review); err != nil {
		return fmt.Errorf("override %s %s: %w", kind, entityID, err)
	}
	m.log.Info("Entity status overridden",
		zap.String("kind", string(kind)), zap.String("entity_id", entityID),
		zap.String("status", string(status)), zap.String("reviewer", reviewer))
	return nil
}

func (m *Manager) activeCase(ctx context.Context, caseID string) (*models.ModerationCase, error) {
	c, err := m.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Active() {
		return nil, fmt.Errorf("case %s is %s: %w", caseID, c.Status, models.ErrConflict)
	}
	return c, nil
}

func (m *Manager) mutate(ctx context.Context, caseID string, apply func(*models.ModerationCase)) (*models.ModerationCase, error) {
	c, err := m.activeCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	apply(c)
	c.UpdatedAt = m.now()
	if err := m.store.UpdateCase(ctx, c); err != nil {
		return nil, fmt.Errorf("update case %s: %w", caseID, err)
	}
	return c, nil
}
