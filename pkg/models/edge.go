package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// EdgeType classifies the evidence behind a relationship between two accounts.
type EdgeType string

const (
	EdgeDevice      EdgeType = "DEVICE"      // Shared device fingerprint
	EdgeNetwork     EdgeType = "NETWORK"     // Shared IP / network hash
	EdgePayment     EdgeType = "PAYMENT"     // Money moved between the pair
	EdgeBehavior    EdgeType = "BEHAVIOR"    // Behavioral similarity score
	EdgeSocial      EdgeType = "SOCIAL"      // Audience overlap
	EdgeEnforcement EdgeType = "ENFORCEMENT" // Correlated past enforcement
)

// EdgeTypes lists every valid edge type in a stable order.
var EdgeTypes = []EdgeType{EdgeDevice, EdgeNetwork, EdgePayment, EdgeBehavior, EdgeSocial, EdgeEnforcement}

// Valid reports whether t is a known edge type.
func (t EdgeType) Valid() bool {
	switch t {
	case EdgeDevice, EdgeNetwork, EdgePayment, EdgeBehavior, EdgeSocial, EdgeEnforcement:
		return true
	}
	return false
}

// ParseEdgeType accepts any casing of a known edge type.
func ParseEdgeType(s string) (EdgeType, error) {
	t := EdgeType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown edge type %q", ErrValidation, s)
	}
	return t, nil
}

// EdgeKey is the canonical identity of a SignalEdge: an unordered user pair
// stored with UserA < UserB, plus the edge type.
type EdgeKey struct {
	UserA string   `json:"userA"`
	UserB string   `json:"userB"`
	Type  EdgeType `json:"type"`
}

// NewEdgeKey canonicalizes the pair so that (a,b) and (b,a) map to the same key.
func NewEdgeKey(a, b string, t EdgeType) EdgeKey {
	if b < a {
		a, b = b, a
	}
	return EdgeKey{UserA: a, UserB: b, Type: t}
}

// Other returns the endpoint opposite to userID.
func (k EdgeKey) Other(userID string) string {
	if k.UserA == userID {
		return k.UserB
	}
	return k.UserA
}

// Less orders keys by (UserA, UserB, Type); used for keyset pagination.
func (k EdgeKey) Less(o EdgeKey) bool {
	if k.UserA != o.UserA {
		return k.UserA < o.UserA
	}
	if k.UserB != o.UserB {
		return k.UserB < o.UserB
	}
	return k.Type < o.Type
}

func (k EdgeKey) String() string {
	return k.UserA + "|" + k.UserB + "|" + string(k.Type)
}

// SignalEdge is the accumulated, weighted evidence that two accounts are related.
type SignalEdge struct {
	EdgeKey
	Weight     float64        `json:"weight"` // 0.0 - 1.0 correlation strength
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	LastSeenAt time.Time      `json:"lastSeenAt"`
	Metadata   map[string]any `json:"metadata,omitempty"` // device id, ip hash, tx count...
}

// Validate checks an edge record read back from storage. Detection runs skip
// records that fail it instead of aborting.
func (e SignalEdge) Validate() error {
	switch {
	case e.UserA == "" || e.UserB == "":
		return fmt.Errorf("%w: edge %s has an empty endpoint", ErrValidation, e.EdgeKey)
	case e.UserA == e.UserB:
		return fmt.Errorf("%w: edge %s is a self loop", ErrValidation, e.EdgeKey)
	case !e.Type.Valid():
		return fmt.Errorf("%w: edge %s has unknown type", ErrValidation, e.EdgeKey)
	case math.IsNaN(e.Weight) || e.Weight < 0 || e.Weight > 1:
		return fmt.Errorf("%w: edge %s has weight %v outside [0,1]", ErrValidation, e.EdgeKey, e.Weight)
	}
	return nil
}

// WeightEpsilon absorbs float drift when comparing decayed weights to the
// prune floor.
const WeightEpsilon = 1e-9

// ClampWeight bounds w to [0,1].
func ClampWeight(w float64) float64 {
	return math.Max(0, math.Min(1, w))
}

// MergeMetadata returns a new map holding every key of base and update;
// update wins where both define a key.
func MergeMetadata(base, update map[string]any) map[string]any {
	if len(base) == 0 && len(update) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}

// Reinforce applies a repeat signal to an existing edge: weight only goes up,
// metadata is merged, and the seen/updated clocks move forward.
func (e SignalEdge) Reinforce(weight float64, metadata map[string]any, at time.Time) SignalEdge {
	out := e
	out.Weight = math.Max(e.Weight, ClampWeight(weight))
	out.Metadata = MergeMetadata(e.Metadata, metadata)
	if at.After(out.LastSeenAt) {
		out.LastSeenAt = at
	}
	if at.After(out.UpdatedAt) {
		out.UpdatedAt = at
	}
	return out
}

// DecayOutcome reports what a decay step did to a single edge.
type DecayOutcome int

const (
	DecaySkipped DecayOutcome = iota // Edge was reinforced or vanished since it was listed
	DecayLowered
	DecayRemoved
)
