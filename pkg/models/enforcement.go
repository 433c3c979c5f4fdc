package models

import (
	"fmt"
	"strings"
	"time"
)

// EnforcementLevel is the graduated restriction tier applied to a user.
type EnforcementLevel string

const (
	LevelNone                 EnforcementLevel = "NONE"
	LevelVisibilityReduced    EnforcementLevel = "VISIBILITY_REDUCED"
	LevelMonetizationThrottle EnforcementLevel = "MONETIZATION_THROTTLED"
	LevelManualReview         EnforcementLevel = "MANUAL_REVIEW_REQUIRED"
)

// Rank orders levels by severity.
func (l EnforcementLevel) Rank() int {
	switch l {
	case LevelNone:
		return 0
	case LevelVisibilityReduced:
		return 1
	case LevelMonetizationThrottle:
		return 2
	case LevelManualReview:
		return 3
	}
	return -1
}

// ParseEnforcementLevel validates a level supplied by an operator.
func ParseEnforcementLevel(s string) (EnforcementLevel, error) {
	l := EnforcementLevel(strings.ToUpper(strings.TrimSpace(s)))
	if l.Rank() < 0 {
		return "", fmt.Errorf("%w: unknown enforcement level %q", ErrValidation, s)
	}
	return l, nil
}

// ThrottlesMonetization reports whether the level carries the
// monetization-throttle flag.
func (l EnforcementLevel) ThrottlesMonetization() bool {
	return l == LevelMonetizationThrottle || l == LevelManualReview
}

// Trust flags written to the user's trust profile alongside an action.
const (
	FlagCollusionRisk         = "collusion_risk"
	FlagSpamRisk              = "spam_risk"
	FlagMonetizationThrottled = "monetization_throttled"
)

// TrustFlag is one flag on a user's trust profile, owned by the action that set it.
type TrustFlag struct {
	UserID         string    `json:"userId"`
	Flag           string    `json:"flag"`
	SourceActionID string    `json:"sourceActionId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Reversal records a manual lift of an action.
type Reversal struct {
	By     string    `json:"by"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// EnforcementAction is a time-bounded restriction on one member of a ring or cluster.
type EnforcementAction struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	SourceEntityID string           `json:"sourceEntityId"`
	SourceKind     EntityKind       `json:"sourceKind"`
	Level          EnforcementLevel `json:"level"`
	Reason         string           `json:"reason"`
	AppliedAt      time.Time        `json:"appliedAt"`
	ExpiresAt      *time.Time       `json:"expiresAt,omitempty"` // nil = until a human clears it
	AppliedBy      string           `json:"appliedBy"`
	ExpiredAt      *time.Time       `json:"expiredAt,omitempty"` // set by the expiry sweep
	Reversal       *Reversal        `json:"reversal,omitempty"`
}

// ActiveAt reports whether the action is neither reversed, swept, nor past expiry.
func (a EnforcementAction) ActiveAt(now time.Time) bool {
	if a.Reversal != nil || a.ExpiredAt != nil {
		return false
	}
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// MoreAuthoritative reports whether a should win over b when both are active
// for the same user: the more severe level wins, then the later apply time.
func (a EnforcementAction) MoreAuthoritative(b EnforcementAction) bool {
	if a.Level.Rank() != b.Level.Rank() {
		return a.Level.Rank() > b.Level.Rank()
	}
	return a.AppliedAt.After(b.AppliedAt)
}
