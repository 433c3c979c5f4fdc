package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RiskLevel is the discrete band a detection probability falls into.
type RiskLevel string

const (
	RiskNone   RiskLevel = "NONE"
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Rank orders risk levels; unknown levels rank below NONE.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskNone:
		return 0
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	}
	return -1
}

// AtLeast reports whether r is at or above min.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return r.Rank() >= min.Rank()
}

// ParseRiskLevel accepts any casing; the empty string means NONE.
func ParseRiskLevel(s string) (RiskLevel, error) {
	if strings.TrimSpace(s) == "" {
		return RiskNone, nil
	}
	r := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	if r.Rank() < 0 {
		return "", fmt.Errorf("%w: unknown risk level %q", ErrValidation, s)
	}
	return r, nil
}

// EntityStatus is the review lifecycle of a ring or cluster.
//
//	DETECTED → UNDER_REVIEW → CONFIRMED | FALSE_POSITIVE
type EntityStatus string

const (
	StatusDetected      EntityStatus = "DETECTED"
	StatusUnderReview   EntityStatus = "UNDER_REVIEW"
	StatusConfirmed     EntityStatus = "CONFIRMED"
	StatusFalsePositive EntityStatus = "FALSE_POSITIVE"
)

// Valid reports whether s is a known entity status.
func (s EntityStatus) Valid() bool {
	switch s {
	case StatusDetected, StatusUnderReview, StatusConfirmed, StatusFalsePositive:
		return true
	}
	return false
}

// EntityKind distinguishes the two detection families.
type EntityKind string

const (
	KindRing    EntityKind = "ring"
	KindCluster EntityKind = "cluster"
)

// ParseEntityKind accepts "ring(s)" and "cluster(s)".
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "s")) {
	case "ring":
		return KindRing, nil
	case "cluster":
		return KindCluster, nil
	}
	return "", fmt.Errorf("%w: unknown entity kind %q", ErrValidation, s)
}

// SignalType names a discrete detection signal.
type SignalType string

const (
	// Ring signals
	SignalDeviceOverlap  SignalType = "DEVICE_OVERLAP"
	SignalNetworkOverlap SignalType = "NETWORK_OVERLAP"
	SignalPaymentLoop    SignalType = "PAYMENT_LOOP"
	SignalClosedNetwork  SignalType = "CLOSED_NETWORK"

	// Spam cluster signals
	SignalRapidCreation  SignalType = "RAPID_CREATION"
	SignalBioDuplication SignalType = "BIO_DUPLICATION"
	SignalMassMessaging  SignalType = "MASS_MESSAGING"
	SignalLowEngagement  SignalType = "LOW_ENGAGEMENT"
	SignalNoKYC          SignalType = "NO_KYC"
)

// DetectionSignal is one threshold crossing observed on a ring or cluster.
type DetectionSignal struct {
	Type        SignalType `json:"type"`
	Severity    float64    `json:"severity"` // 0.0 - 1.0, proportional to how far past the threshold
	Description string     `json:"description"`
}

// HasSignal reports whether signals contains a signal of type t.
func HasSignal(signals []DetectionSignal, t SignalType) bool {
	for _, s := range signals {
		if s.Type == t {
			return true
		}
	}
	return false
}

// DistinctSignalTypes counts the different signal types present.
func DistinctSignalTypes(signals []DetectionSignal) int {
	seen := make(map[SignalType]struct{}, len(signals))
	for _, s := range signals {
		seen[s.Type] = struct{}{}
	}
	return len(seen)
}

// RingCharacteristics are the structural measurements of a collusion ring.
// Device/network/payment counts are per-member incidences: an internal edge
// is counted once from each endpoint.
type RingCharacteristics struct {
	SharedDevices     int     `json:"sharedDevices"`
	SharedNetworks    int     `json:"sharedNetworks"`
	InternalPayments  int     `json:"internalPayments"`
	InternalEdges     int     `json:"internalEdges"` // Unique strong edges inside the component
	ExternalEdges     int     `json:"externalEdges"` // Strong edges from members to non-members
	AvgInternalWeight float64 `json:"avgInternalWeight"`
	IsolationScore    float64 `json:"isolationScore"` // internal / (internal + external)
}

// ClusterCharacteristics are the measurements of a spam cluster.
type ClusterCharacteristics struct {
	CreationSpanHours float64 `json:"creationSpanHours"`
	AvgBioSimilarity  float64 `json:"avgBioSimilarity"`
	AvgProfileOverlap float64 `json:"avgProfileOverlap"`
	OutboundMessages  int     `json:"outboundMessages"`
	UniqueTargets     int     `json:"uniqueTargets"`
	ReplyRate         float64 `json:"replyRate"`
	KYCRate           float64 `json:"kycRate"`
}

// Review captures who last moved a ring/cluster through its lifecycle.
type Review struct {
	Status   EntityStatus `json:"status"`
	Reviewer string       `json:"reviewer"`
	Notes    string       `json:"notes,omitempty"`
	At       time.Time    `json:"at"`
}

// CollusionRing is a connected component of strongly linked accounts.
type CollusionRing struct {
	ID                   string              `json:"id"`
	MemberIDs            []string            `json:"memberIds"`
	Size                 int                 `json:"size"`
	CollusionProbability float64             `json:"collusionProbability"`
	RiskLevel            RiskLevel           `json:"riskLevel"`
	Characteristics      RingCharacteristics `json:"characteristics"`
	Signals              []DetectionSignal   `json:"signals"`
	Status               EntityStatus        `json:"status"`
	CaseID               string              `json:"caseId,omitempty"`
	ScoringVersion       string              `json:"scoringVersion"`
	DetectedAt           time.Time           `json:"detectedAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
	ReviewedBy           string              `json:"reviewedBy,omitempty"`
	ReviewNotes          string              `json:"reviewNotes,omitempty"`
	ReviewedAt           *time.Time          `json:"reviewedAt,omitempty"`
	ReviewedRisk         RiskLevel           `json:"reviewedRisk,omitempty"` // Risk level when last reviewed
}

// SpamCluster is a group of recently created, near-identical accounts.
type SpamCluster struct {
	ID              string                 `json:"id"`
	MemberIDs       []string               `json:"memberIds"`
	Size            int                    `json:"size"`
	SpamProbability float64                `json:"spamProbability"`
	RiskLevel       RiskLevel              `json:"riskLevel"`
	Characteristics ClusterCharacteristics `json:"characteristics"`
	Signals         []DetectionSignal      `json:"signals"`
	Status          EntityStatus           `json:"status"`
	CaseID          string                 `json:"caseId,omitempty"`
	ScoringVersion  string                 `json:"scoringVersion"`
	DetectedAt      time.Time              `json:"detectedAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	ReviewedBy      string                 `json:"reviewedBy,omitempty"`
	ReviewNotes     string                 `json:"reviewNotes,omitempty"`
	ReviewedAt      *time.Time             `json:"reviewedAt,omitempty"`
	ReviewedRisk    RiskLevel              `json:"reviewedRisk,omitempty"`
}

// Detection is the common view of rings and clusters used by cases,
// enforcement and alerting.
type Detection interface {
	EntityID() string
	Kind() EntityKind
	Members() []string
	Risk() RiskLevel
	Probability() float64
	DetectionSignals() []DetectionSignal
}

func (r *CollusionRing) EntityID() string                    { return r.ID }
func (r *CollusionRing) Kind() EntityKind                    { return KindRing }
func (r *CollusionRing) Members() []string                   { return r.MemberIDs }
func (r *CollusionRing) Risk() RiskLevel                     { return r.RiskLevel }
func (r *CollusionRing) Probability() float64                { return r.CollusionProbability }
func (r *CollusionRing) DetectionSignals() []DetectionSignal { return r.Signals }

func (c *SpamCluster) EntityID() string                    { return c.ID }
func (c *SpamCluster) Kind() EntityKind                    { return KindCluster }
func (c *SpamCluster) Members() []string                   { return c.MemberIDs }
func (c *SpamCluster) Risk() RiskLevel                     { return c.RiskLevel }
func (c *SpamCluster) Probability() float64                { return c.SpamProbability }
func (c *SpamCluster) DetectionSignals() []DetectionSignal { return c.Signals }

var (
	ringNamespace    = uuid.MustParse("5b0f5d0e-8a57-4c1e-9a35-2f4d3f1d7a01")
	clusterNamespace = uuid.MustParse("9c3e2a71-1d4b-4f0a-8e62-6a8b0c5e4d02")
)

// SortedMembers returns a sorted copy of ids with duplicates removed.
func SortedMembers(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DetectionID derives a stable id from the member set so that re-running a
// detection over unchanged data updates the same record.
func DetectionID(kind EntityKind, members []string) string {
	ns := ringNamespace
	if kind == KindCluster {
		ns = clusterNamespace
	}
	return uuid.NewSHA1(ns, []byte(strings.Join(SortedMembers(members), ","))).String()
}
