// Package enforcement applies graduated, reversible restrictions to members
// of detected rings and clusters.
//
//	risk NONE or probability < 0.3 → NONE (nothing applied)
//	LOW    → VISIBILITY_REDUCED      (72h by default)
//	MEDIUM → MONETIZATION_THROTTLED  (168h by default)
//	HIGH   → MANUAL_REVIEW_REQUIRED  (no expiry; a human lifts it)
//
// Each action is stored together with its trust flags in one store
// operation, and every apply, removal or natural expiry is followed by a
// call to the recalculation engine. Lifting an action never involves a fee,
// and enforcement never touches earnings already paid out.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/graph"
	"github.com/rawblock/ringwatch/internal/metrics"
	"github.com/rawblock/ringwatch/pkg/models"
)

// MinEnforceableProbability is the probability below which no level applies.
const MinEnforceableProbability = 0.3

// Store is the persistence the controller needs.
type Store interface {
	CreateAction(ctx context.Context, action models.EnforcementAction, flags []models.TrustFlag) error
	GetAction(ctx context.Context, id string) (models.EnforcementAction, error)
	ListActionsForUser(ctx context.Context, userID string) ([]models.EnforcementAction, error)
	ReverseAction(ctx context.Context, id string, rev models.Reversal) (models.EnforcementAction, error)
	ListExpiredActions(ctx context.Context, now time.Time, afterID string, limit int) ([]models.EnforcementAction, error)
	MarkExpired(ctx context.Context, id string, at time.Time) (bool, error)
	ListTrustFlags(ctx context.Context, userID string) ([]models.TrustFlag, error)
}

// ApplyRequest is one manual or automatic restriction.
type ApplyRequest struct {
	UserID         string
	SourceEntityID string
	SourceKind     models.EntityKind
	Level          models.EnforcementLevel
	Reason         string
	AppliedBy      string
}

// DetectionReport summarizes enforcement for one ring or cluster.
type DetectionReport struct {
	EntityID     string                  `json:"entityId"`
	Level        models.EnforcementLevel `json:"level"`
	Applied      int                     `json:"applied"`
	Skipped      int                     `json:"skipped"`
	Failed       int                     `json:"failed"`
	RecalcFailed int                     `json:"recalcFailed"`
}

// Removal is the outcome of a manual reversal. Recalculated is false when
// downstream trust scores have not yet seen it.
type Removal struct {
	Action       models.EnforcementAction `json:"action"`
	Recalculated bool                     `json:"recalculated"`
}

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	Scanned      int `json:"scanned"`
	Expired      int `json:"expired"`
	Failed       int `json:"failed"`
	RecalcFailed int `json:"recalcFailed"`
}

// Controller maps risk to restrictions and owns their lifecycle.
type Controller struct {
	store         Store
	recalc        Recalculator
	cfg           config.EnforcementConfig
	log           *zap.Logger
	metrics       *metrics.Collectors
	now           func() time.Time
	newID         func() string
	retryAttempts int
	retryBackoff  time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

func WithMetrics(c *metrics.Collectors) Option {
	return func(ctl *Controller) { ctl.metrics = c }
}

func WithClock(now func() time.Time) Option {
	return func(ctl *Controller) { ctl.now = now }
}

// WithRetry sets the per-action retry budget of the expiry sweep.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(ctl *Controller) {
		ctl.retryAttempts = attempts
		ctl.retryBackoff = backoff
	}
}

// NewController wires a controller. A nil recalc logs instead of calling out.
func NewController(store Store, recalc Recalculator, cfg config.EnforcementConfig, logger *zap.Logger, opts ...Option) *Controller {
	log := logger.Named("enforcement")
	if recalc == nil {
		recalc = LogRecalculator{Log: log}
	}
	ctl := &Controller{
		store:         store,
		recalc:        recalc,
		cfg:           cfg,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
		retryAttempts: 3,
		retryBackoff:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// LevelFor maps a detection's risk and probability to a restriction level.
func LevelFor(risk models.RiskLevel, probability float64) models.EnforcementLevel {
	if probability < MinEnforceableProbability {
		return models.LevelNone
	}
	switch risk {
	case models.RiskLow:
		return models.LevelVisibilityReduced
	case models.RiskMedium:
		return models.LevelMonetizationThrottle
	case models.RiskHigh:
		return models.LevelManualReview
	}
	return models.LevelNone
}

// ExpiryFor returns when an action of level applied at appliedAt lapses;
// nil means it lasts until a human lifts it.
func (c *Controller) ExpiryFor(level models.EnforcementLevel, appliedAt time.Time) *time.Time {
	var d time.Duration
	switch level {
	case models.LevelVisibilityReduced:
		d = c.cfg.VisibilityReducedFor
	case models.LevelMonetizationThrottle:
		d = c.cfg.MonetizationThrottleFor
	default:
		return nil
	}
	at := appliedAt.Add(d)
	return &at
}

// ApplyForDetection restricts every member of a MEDIUM or HIGH detection.
// Members already holding an active action from the same source are skipped,
// so a re-run of the same detection is a no-op. Per-member failures are
// counted and joined into the returned error.
func (c *Controller) ApplyForDetection(ctx context.Context, d models.Detection) (DetectionReport, error) {
	report := DetectionReport{EntityID: d.EntityID(), Level: LevelFor(d.Risk(), d.Probability())}
	if !d.Risk().AtLeast(models.RiskMedium) || report.Level == models.LevelNone {
		c.log.Debug("Detection below automatic enforcement",
			zap.String("entity_id", d.EntityID()), zap.String("risk", string(d.Risk())),
			zap.Float64("probability", d.Probability()))
		return report, nil
	}

	var errs []error
	for _, userID := range d.Members() {
		if err := ctx.Err(); err != nil {
			return report, errors.Join(append(errs, err)...)
		}
		held, err := c.holdsActiveFrom(ctx, userID, d.EntityID())
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		if held {
			report.Skipped++
			continue
		}
		_, recalcOK, err := c.apply(ctx, ApplyRequest{
			UserID:         userID,
			SourceEntityID: d.EntityID(),
			SourceKind:     d.Kind(),
			Level:          report.Level,
			Reason:         reasonFor(d),
			AppliedBy:      models.SystemActor,
		})
		if errors.Is(err, models.ErrConflict) {
			// A concurrent pass restricted this member first.
			report.Skipped++
			continue
		}
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		report.Applied++
		if !recalcOK {
			report.RecalcFailed++
		}
	}

	c.log.Info("Enforcement applied for detection",
		zap.String("entity_id", d.EntityID()),
		zap.String("level", string(report.Level)),
		zap.Int("applied", report.Applied),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, errors.Join(errs...)
}

// Apply restricts a single user. Recalculation failures are logged and do not
// undo the stored action. A user already holding a live action from the same
// source entity gets ErrConflict.
func (c *Controller) Apply(ctx context.Context, req ApplyRequest) (models.EnforcementAction, error) {
	action, _, err := c.apply(ctx, req)
	return action, err
}

// apply reports whether the follow-up recalculation succeeded alongside the
// stored action.
func (c *Controller) apply(ctx context.Context, req ApplyRequest) (models.EnforcementAction, bool, error) {
	if err := validateRequest(req); err != nil {
		return models.EnforcementAction{}, false, err
	}
	now := c.now()
	action := models.EnforcementAction{
		ID:             c.newID(),
		UserID:         req.UserID,
		SourceEntityID: req.SourceEntityID,
		SourceKind:     req.SourceKind,
		Level:          req.Level,
		Reason:         req.Reason,
		AppliedAt:      now,
		ExpiresAt:      c.ExpiryFor(req.Level, now),
		AppliedBy:      req.AppliedBy,
	}
	if err := c.store.CreateAction(ctx, action, flagsFor(action)); err != nil {
		return models.EnforcementAction{}, false, fmt.Errorf("apply %s to %s: %w", req.Level, req.UserID, err)
	}
	c.metrics.Enforcement(action.Level, "applied")
	c.log.Info("Enforcement applied",
		zap.String("action_id", action.ID),
		zap.String("user_id", action.UserID),
		zap.String("level", string(action.Level)),
		zap.String("source_entity_id", action.SourceEntityID))
	return action, c.recalculate(ctx, action.UserID, "applied") == nil, nil
}

// Remove reverses an active action, strips its flags and triggers
// recalculation. A failed recalculation leaves the reversal in place and is
// reported through Removal.Recalculated.
func (c *Controller) Remove(ctx context.Context, actionID, reviewer, reason string) (Removal, error) {
	if strings.TrimSpace(reviewer) == "" {
		return Removal{}, fmt.Errorf("%w: reviewer is required", models.ErrValidation)
	}
	action, err := c.store.ReverseAction(ctx, actionID, models.Reversal{By: reviewer, Reason: reason, At: c.now()})
	if err != nil {
		return Removal{}, fmt.Errorf("remove action %s: %w", actionID, err)
	}
	c.metrics.Enforcement(action.Level, "removed")
	c.log.Info("Enforcement removed",
		zap.String("action_id", actionID), zap.String("user_id", action.UserID), zap.String("reviewer", reviewer))
	return Removal{
		Action:       action,
		Recalculated: c.recalculate(ctx, action.UserID, "removed") == nil,
	}, nil
}

// SweepExpired marks every action past its expiry as naturally expired, one
// page at a time. Each action that this sweep expires triggers exactly one
// recalculation.
func (c *Controller) SweepExpired(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := c.now()
	batch := c.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 200
	}

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var page []models.EnforcementAction
		err := graph.Retry(ctx, c.retryAttempts, c.retryBackoff, func() error {
			var listErr error
			page, listErr = c.store.ListExpiredActions(ctx, now, afterID, batch)
			return listErr
		})
		if err != nil {
			return report, fmt.Errorf("list expired actions after %q: %w", afterID, err)
		}

		for _, a := range page {
			report.Scanned++
			var marked bool
			err := graph.Retry(ctx, c.retryAttempts, c.retryBackoff, func() error {
				var markErr error
				marked, markErr = c.store.MarkExpired(ctx, a.ID, now)
				return markErr
			})
			if err != nil {
				report.Failed++
				c.log.Warn("Failed to expire action", zap.String("action_id", a.ID), zap.Error(err))
				continue
			}
			if !marked {
				continue
			}
			report.Expired++
			c.metrics.Enforcement(a.Level, "expired")
			if err := c.recalculate(ctx, a.UserID, "expired"); err != nil {
				report.RecalcFailed++
			}
		}
		if len(page) < batch {
			break
		}
		afterID = page[len(page)-1].ID
	}

	c.log.Info("Expiry sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("expired", report.Expired),
		zap.Int("failed", report.Failed))
	return report, nil
}

// ActiveAction returns the authoritative action for a user: the most severe
// active one, latest first on ties. nil means the user is unrestricted.
func (c *Controller) ActiveAction(ctx context.Context, userID string) (*models.EnforcementAction, error) {
	actions, err := c.store.ListActionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var best *models.EnforcementAction
	for i := range actions {
		if !actions[i].ActiveAt(now) {
			continue
		}
		if best == nil || actions[i].MoreAuthoritative(*best) {
			best = &actions[i]
		}
	}
	return best, nil
}

// Get returns one action.
func (c *Controller) Get(ctx context.Context, actionID string) (models.EnforcementAction, error) {
	return c.store.GetAction(ctx, actionID)
}

// History returns every action applied to a user, newest first.
func (c *Controller) History(ctx context.Context, userID string) ([]models.EnforcementAction, error) {
	return c.store.ListActionsForUser(ctx, userID)
}

// Flags returns the user's current trust flags.
func (c *Controller) Flags(ctx context.Context, userID string) ([]models.TrustFlag, error) {
	return c.store.ListTrustFlags(ctx, userID)
}

// holdsActiveFrom reports whether the user holds a live action from entityID.
// An action from the same source that is past its expiry but not yet swept
// is expired here so it no longer blocks a new one; the apply that follows
// recalculates the user.
func (c *Controller) holdsActiveFrom(ctx context.Context, userID, entityID string) (bool, error) {
	actions, err := c.store.ListActionsForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("actions for %s: %w", userID, err)
	}
	now := c.now()
	for _, a := range actions {
		if a.SourceEntityID != entityID || a.Reversal != nil || a.ExpiredAt != nil {
			continue
		}
		if a.ActiveAt(now) {
			return true, nil
		}
		marked, err := c.store.MarkExpired(ctx, a.ID, now)
		if err != nil {
			return false, fmt.Errorf("expire stale action %s: %w", a.ID, err)
		}
		if marked {
			c.metrics.Enforcement(a.Level, "expired")
		}
	}
	return false, nil
}

func (c *Controller) recalculate(ctx context.Context, userID, event string) error {
	if err := c.recalc.Recalculate(ctx, userID); err != nil {
		c.metrics.RecalculationFailed()
		c.log.Error("Recalculation failed",
			zap.String("user_id", userID), zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}

func validateRequest(req ApplyRequest) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id is required", models.ErrValidation)
	case req.Level.Rank() <= 0:
		return fmt.Errorf("%w: level %q is not an enforceable restriction", models.ErrValidation, req.Level)
	case strings.TrimSpace(req.AppliedBy) == "":
		return fmt.Errorf("%w: applier is required", models.ErrValidation)
	}
	return nil
}

func flagsFor(a models.EnforcementAction) []models.TrustFlag {
	risk := models.FlagCollusionRisk
	if a.SourceKind == models.KindCluster {
		risk = models.FlagSpamRisk
	}
	flags := []models.TrustFlag{{UserID: a.UserID, Flag: risk, SourceActionID: a.ID, CreatedAt: a.AppliedAt}}
	if a.Level.ThrottlesMonetization() {
		flags = append(flags, models.TrustFlag{
			UserID: a.UserID, Flag: models.FlagMonetizationThrottled, SourceActionID: a.ID, CreatedAt: a.AppliedAt,
		})
	}
	return flags
}

func reasonFor(d models.Detection) string {
	family := "collusion ring"
	if d.Kind() == models.KindCluster {
		family = "spam cluster"
	}
	return fmt.Sprintf("member of %s %s (%s risk)", family, d.EntityID(), d.Risk())
}
