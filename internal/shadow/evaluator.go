package shadow

import (
	"sort"

	"github.com/rawblock/ringwatch/pkg/models"
)

// Diff lists rings one run found and the other did not, keyed by the
// deterministic ring id, plus rings both found at different risk.
type Diff struct {
	Added       []string     `json:"added"`
	Removed     []string     `json:"removed"`
	RiskChanged []RiskChange `json:"riskChanged"`
}

type RiskChange struct {
	RingID     string           `json:"ringId"`
	Production models.RiskLevel `json:"production"`
	Candidate  models.RiskLevel `json:"candidate"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.RiskChanged) == 0
}

// DiffRings compares two runs. Ring ids derive from the member set, so the
// same group found by both policies has the same id.
func DiffRings(production, candidate []*models.CollusionRing) Diff {
	prod := make(map[string]*models.CollusionRing, len(production))
	for _, r := range production {
		prod[r.ID] = r
	}
	d := Diff{Added: []string{}, Removed: []string{}, RiskChanged: []RiskChange{}}
	seen := make(map[string]struct{}, len(candidate))
	for _, c := range candidate {
		seen[c.ID] = struct{}{}
		p, ok := prod[c.ID]
		if !ok {
			d.Added = append(d.Added, c.ID)
			continue
		}
		if p.RiskLevel != c.RiskLevel {
			d.RiskChanged = append(d.RiskChanged, RiskChange{RingID: c.ID, Production: p.RiskLevel, Candidate: c.RiskLevel})
		}
	}
	for id := range prod {
		if _, ok := seen[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Slice(d.RiskChanged, func(i, j int) bool { return d.RiskChanged[i].RingID < d.RiskChanged[j].RingID })
	return d
}

// Drift aggregates shadow results over an observation window.
type Drift struct {
	CandidateVersion string  `json:"candidateVersion,omitempty"`
	Runs             int     `json:"runs"`
	Divergences      int     `json:"divergences"`
	MeanARI          float64 `json:"meanAri"`
	MeanVI           float64 `json:"meanVi"`
}

func summarize(results []Result, version string) Drift {
	d := Drift{CandidateVersion: version}
	for _, res := range results {
		if version != "" && res.CandidateVersion != version {
			continue
		}
		d.Runs++
		if res.Divergent() {
			d.Divergences++
		}
		d.MeanARI += res.Agreement.ARI
		d.MeanVI += res.Agreement.VI
	}
	if d.Runs > 0 {
		d.MeanARI /= float64(d.Runs)
		d.MeanVI /= float64(d.Runs)
	}
	return d
}
