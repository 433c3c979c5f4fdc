package cases

import (
	"encoding/json"
	"fmt"

	"github.com/rawblock/ringwatch/pkg/models"
)

// Priority weights. Banding: CRITICAL ≥ 70, HIGH ≥ 50, MEDIUM ≥ 30.
const (
	riskHighPoints   = 40
	riskMediumPoints = 20
	riskLowPoints    = 10

	largeGroupSize   = 10
	largeGroupPoints = 30
	midGroupSize     = 5
	midGroupPoints   = 15

	volumeHighPoints = 20
	volumeMidPoints  = 10

	// Internal payment incidences for rings.
	ringPaymentsHigh = 10
	ringPaymentsMid  = 3
	// Aggregate outbound messages for clusters.
	clusterOutboundHigh = 200
	clusterOutboundMid  = 50

	structuralBonus = 10
)

// Priority is the scored urgency of a detection.
type Priority struct {
	Band    models.CasePriority
	Score   int
	Factors []string
}

// ScorePriority weighs risk, group size, payment or messaging volume, and the
// strongest structural signal of a detection.
func ScorePriority(d models.Detection) Priority {
	var p Priority
	add := func(points int, format string, args ...any) {
		p.Score += points
		p.Factors = append(p.Factors, fmt.Sprintf(format, args...)+fmt.Sprintf(" (+%d)", points))
	}

	switch d.Risk() {
	case models.RiskHigh:
		add(riskHighPoints, "risk %s", d.Risk())
	case models.RiskMedium:
		add(riskMediumPoints, "risk %s", d.Risk())
	case models.RiskLow:
		add(riskLowPoints, "risk %s", d.Risk())
	}

	size := len(d.Members())
	switch {
	case size >= largeGroupSize:
		add(largeGroupPoints, "%d members", size)
	case size >= midGroupSize:
		add(midGroupPoints, "%d members", size)
	}

	switch e := d.(type) {
	case *models.CollusionRing:
		payments := e.Characteristics.InternalPayments
		switch {
		case payments >= ringPaymentsHigh:
			add(volumeHighPoints, "%d internal payment links", payments)
		case payments >= ringPaymentsMid:
			add(volumeMidPoints, "%d internal payment links", payments)
		}
		if models.HasSignal(e.Signals, models.SignalDeviceOverlap) {
			add(structuralBonus, "shared devices")
		}
	case *models.SpamCluster:
		outbound := e.Characteristics.OutboundMessages
		switch {
		case outbound >= clusterOutboundHigh:
			add(volumeHighPoints, "%d outbound messages", outbound)
		case outbound >= clusterOutboundMid:
			add(volumeMidPoints, "%d outbound messages", outbound)
		}
		if models.HasSignal(e.Signals, models.SignalRapidCreation) {
			add(structuralBonus, "rapid account creation")
		}
	}

	p.Band = BandFor(p.Score)
	return p
}

// BandFor maps a priority score onto its band.
func BandFor(score int) models.CasePriority {
	switch {
	case score >= 70:
		return models.PriorityCritical
	case score >= 50:
		return models.PriorityHigh
	case score >= 30:
		return models.PriorityMedium
	}
	return models.PriorityLow
}

// Evidence builds the reviewer-facing summary of a detection.
func Evidence(d models.Detection) (models.EvidenceSummary, error) {
	var characteristics any
	probabilityLabel := "collusion"
	switch e := d.(type) {
	case *models.CollusionRing:
		characteristics = e.Characteristics
	case *models.SpamCluster:
		characteristics = e.Characteristics
		probabilityLabel = "spam"
	}

	summary := models.EvidenceSummary{Signals: make([]string, 0, len(d.DetectionSignals()))}
	if characteristics != nil {
		raw, err := json.Marshal(characteristics)
		if err != nil {
			return models.EvidenceSummary{}, err
		}
		if err := json.Unmarshal(raw, &summary.Characteristics); err != nil {
			return models.EvidenceSummary{}, err
		}
	}
	for _, s := range d.DetectionSignals() {
		summary.Signals = append(summary.Signals, s.Description)
	}
	summary.Summary = fmt.Sprintf("%d signals across %d accounts; %s probability %.2f (%s risk)",
		len(d.DetectionSignals()), len(d.Members()), probabilityLabel, d.Probability(), d.Risk())
	return summary, nil
}
