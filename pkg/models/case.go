package models

import (
	"fmt"
	"strings"
	"time"
)

// CaseType mirrors the kind of entity a case wraps.
type CaseType string

const (
	CaseCollusionRing CaseType = "COLLUSION_RING"
	CaseSpamCluster   CaseType = "SPAM_CLUSTER"
)

// CaseTypeFor maps an entity kind to its case type.
func CaseTypeFor(kind EntityKind) CaseType {
	if kind == KindCluster {
		return CaseSpamCluster
	}
	return CaseCollusionRing
}

// EntityKind is the inverse of CaseTypeFor.
func (t CaseType) EntityKind() EntityKind {
	if t == CaseSpamCluster {
		return KindCluster
	}
	return KindRing
}

// CasePriority bands the review urgency of a case.
type CasePriority string

const (
	PriorityLow      CasePriority = "LOW"
	PriorityMedium   CasePriority = "MEDIUM"
	PriorityHigh     CasePriority = "HIGH"
	PriorityCritical CasePriority = "CRITICAL"
)

// Rank orders priorities for queue sorting.
func (p CasePriority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return -1
}

// Next steps the priority up one band; CRITICAL stays CRITICAL.
func (p CasePriority) Next() CasePriority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}

// CaseStatus is the review state of a case.
//
//	OPEN → UNDER_REVIEW → RESOLVED, or ESCALATED
type CaseStatus string

const (
	CaseOpen        CaseStatus = "OPEN"
	CaseUnderReview CaseStatus = "UNDER_REVIEW"
	CaseResolved    CaseStatus = "RESOLVED"
	CaseEscalated   CaseStatus = "ESCALATED"
)

// Active reports whether the case still awaits a decision. Active cases block
// a second case for the same entity.
func (s CaseStatus) Active() bool {
	return s == CaseOpen || s == CaseUnderReview || s == CaseEscalated
}

// ActiveCaseStatuses is the set used by dedupe checks and the review queue.
var ActiveCaseStatuses = []CaseStatus{CaseOpen, CaseUnderReview, CaseEscalated}

// CaseOutcome is the reviewer's decision on a case.
type CaseOutcome string

const (
	OutcomeNoAction            CaseOutcome = "NO_ACTION"
	OutcomeSoftRestriction     CaseOutcome = "SOFT_RESTRICTION"
	OutcomeTemporarySuspension CaseOutcome = "TEMPORARY_SUSPENSION"
	OutcomePermanentSuspension CaseOutcome = "PERMANENT_SUSPENSION"
)

// ParseCaseOutcome validates a reviewer-supplied outcome.
func ParseCaseOutcome(s string) (CaseOutcome, error) {
	o := CaseOutcome(strings.ToUpper(strings.TrimSpace(s)))
	switch o {
	case OutcomeNoAction, OutcomeSoftRestriction, OutcomeTemporarySuspension, OutcomePermanentSuspension:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown case outcome %q", ErrValidation, s)
}

// EntityStatus is the terminal status a resolution writes to the linked entity.
func (o CaseOutcome) EntityStatus() EntityStatus {
	switch o {
	case OutcomeNoAction:
		return StatusFalsePositive
	case OutcomePermanentSuspension:
		return StatusConfirmed
	default:
		return StatusUnderReview
	}
}

// SystemActor marks records opened or applied by the pipeline itself.
const SystemActor = "system"

// EvidenceSummary is what a reviewer sees first on a case.
type EvidenceSummary struct {
	Characteristics map[string]any `json:"characteristics"`
	Signals         []string       `json:"signals"`
	Summary         string         `json:"summary"`
}

// ModerationCase is the human-reviewable unit wrapping one ring or cluster.
type ModerationCase struct {
	ID              string          `json:"id"`
	Type            CaseType        `json:"type"`
	EntityID        string          `json:"entityId"`
	MemberIDs       []string        `json:"memberIds"`
	Priority        CasePriority    `json:"priority"`
	PriorityScore   int             `json:"priorityScore"`
	PriorityFactors []string        `json:"priorityFactors"`
	OpenedBy        string          `json:"openedBy"`
	Status          CaseStatus      `json:"status"`
	Evidence        EvidenceSummary `json:"evidence"`
	AssignedTo      string          `json:"assignedTo,omitempty"`
	Outcome         CaseOutcome     `json:"outcome,omitempty"`
	ResolvedBy      string          `json:"resolvedBy,omitempty"`
	ResolutionNotes string          `json:"resolutionNotes,omitempty"`
	OpenedAt        time.Time       `json:"openedAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
}
