// Package pipeline connects detector output to the response side: every
// persisted ring or cluster is offered to the case manager, the enforcement
// controller and the alert fan-out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/alerting"
	"github.com/rawblock/ringwatch/internal/enforcement"
	"github.com/rawblock/ringwatch/pkg/models"
)

// CaseOpener opens or returns the active case for a detection.
type CaseOpener interface {
	OpenCase(ctx context.Context, d models.Detection, openedBy string) (*models.ModerationCase, bool, error)
}

// Enforcer applies automatic restrictions for a detection.
type Enforcer interface {
	ApplyForDetection(ctx context.Context, d models.Detection) (enforcement.DetectionReport, error)
}

// Alerter raises SOC alerts.
type Alerter interface {
	EmitForDetection(d models.Detection, caseID string)
}

var _ Alerter = (*alerting.Manager)(nil)

// Responder implements heuristics.DetectionHandler.
type Responder struct {
	cases       CaseOpener
	enforcer    Enforcer
	alerts      Alerter
	caseMinRisk models.RiskLevel
	log         *zap.Logger
}

// NewResponder wires the response chain. Detections at or above caseMinRisk
// get a case. alerts may be nil.
func NewResponder(cases CaseOpener, enforcer Enforcer, alerts Alerter, caseMinRisk models.RiskLevel, logger *zap.Logger) *Responder {
	if caseMinRisk == "" {
		caseMinRisk = models.RiskMedium
	}
	return &Responder{
		cases:       cases,
		enforcer:    enforcer,
		alerts:      alerts,
		caseMinRisk: caseMinRisk,
		log:         logger.Named("pipeline"),
	}
}

// HandleDetection opens a case, applies enforcement and raises an alert.
// Reviewed entities are not re-actioned: a FALSE_POSITIVE stays cleared, and
// an entity resolved UNDER_REVIEW or CONFIRMED is only picked up again when
// its risk has climbed above the level the reviewer saw. Case and enforcement
// failures are joined; one does not stop the other.
func (r *Responder) HandleDetection(ctx context.Context, d models.Detection) error {
	if reason := settled(d); reason != "" {
		r.log.Debug("Skipping response for reviewed entity",
			zap.String("entity_id", d.EntityID()), zap.String("reason", reason))
		return nil
	}

	var errs []error
	caseID := ""
	if d.Risk().AtLeast(r.caseMinRisk) && r.cases != nil {
		c, _, err := r.cases.OpenCase(ctx, d, models.SystemActor)
		if err != nil {
			errs = append(errs, fmt.Errorf("open case: %w", err))
		} else {
			caseID = c.ID
		}
	}

	if r.enforcer != nil {
		report, err := r.enforcer.ApplyForDetection(ctx, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("enforce: %w", err))
		}
		if report.Applied > 0 {
			r.log.Info("Detection enforced",
				zap.String("entity_id", d.EntityID()),
				zap.String("level", string(report.Level)),
				zap.Int("applied", report.Applied),
				zap.String("case_id", caseID))
		}
	}

	if r.alerts != nil {
		r.alerts.EmitForDetection(d, caseID)
	}
	return errors.Join(errs...)
}

// settled names why a detection needs no response, or returns "".
func settled(d models.Detection) string {
	var (
		status       models.EntityStatus
		reviewedAt   *time.Time
		reviewedRisk models.RiskLevel
	)
	switch e := d.(type) {
	case *models.CollusionRing:
		status, reviewedAt, reviewedRisk = e.Status, e.ReviewedAt, e.ReviewedRisk
	case *models.SpamCluster:
		status, reviewedAt, reviewedRisk = e.Status, e.ReviewedAt, e.ReviewedRisk
	default:
		return ""
	}
	switch {
	case status == models.StatusFalsePositive:
		return "cleared"
	case reviewedAt == nil || status == models.StatusDetected:
		return ""
	case reviewedRisk == "" || d.Risk().Rank() <= reviewedRisk.Rank():
		return "resolved"
	}
	return ""
}
