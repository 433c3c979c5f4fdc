package metrics

import (
	"math"
	"sort"
)

// Partition agreement between two detection runs.
//
// A detection run partitions accounts into groups (rings or clusters); an
// account outside every group is its own singleton. Comparing a candidate
// scoring policy with production means comparing two such partitions over
// the union of their accounts:
//
//	ARI  1 = identical grouping, 0 = chance-level agreement, <0 = worse than chance
//	VI   0 = identical grouping, grows with information lost + gained (bits)

// Agreement is the pair of partition-agreement scores for two runs.
type Agreement struct {
	Accounts int     `json:"accounts"`
	ARI      float64 `json:"ari"`
	VI       float64 `json:"vi"`
}

// CompareGroupings labels every account that appears in either grouping and
// returns ARI and VI between the two label vectors.
func CompareGroupings(baseline, candidate [][]string) Agreement {
	universe := make(map[string]struct{})
	for _, groups := range [][][]string{baseline, candidate} {
		for _, g := range groups {
			for _, id := range g {
				universe[id] = struct{}{}
			}
		}
	}
	accounts := make([]string, 0, len(universe))
	for id := range universe {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)

	a := labelsFor(accounts, baseline)
	b := labelsFor(accounts, candidate)
	return Agreement{
		Accounts: len(accounts),
		ARI:      AdjustedRandIndex(a, b),
		VI:       VariationOfInformation(a, b),
	}
}

// labelsFor assigns group index i to members of groups[i]; accounts in no
// group get a fresh singleton label.
func labelsFor(accounts []string, groups [][]string) []int {
	label := make(map[string]int, len(accounts))
	for i, g := range groups {
		for _, id := range g {
			label[id] = i
		}
	}
	next := len(groups)
	out := make([]int, len(accounts))
	for i, id := range accounts {
		l, ok := label[id]
		if !ok {
			l = next
			next++
		}
		out[i] = l
	}
	return out
}

// contingency is the n_ij table of two labelings plus its margins.
type contingency struct {
	n    int
	cell map[[2]int]int
	rows map[int]int
	cols map[int]int
}

func newContingency(a, b []int) (contingency, bool) {
	if len(a) != len(b) || len(a) < 2 {
		return contingency{}, false
	}
	t := contingency{
		n:    len(a),
		cell: make(map[[2]int]int),
		rows: make(map[int]int),
		cols: make(map[int]int),
	}
	for k := range a {
		t.cell[[2]int{a[k], b[k]}]++
		t.rows[a[k]]++
		t.cols[b[k]]++
	}
	return t, true
}

// AdjustedRandIndex computes the Adjusted Rand Index between two labelings
// of the same items:
//
//	ARI = (Σ C(n_ij,2) − E) / (½(Σ C(a_i,2) + Σ C(b_j,2)) − E)
//	E   = Σ C(a_i,2) · Σ C(b_j,2) / C(n,2)
func AdjustedRandIndex(a, b []int) float64 {
	t, ok := newContingency(a, b)
	if !ok {
		return 0
	}
	var sumCells, sumRows, sumCols float64
	for _, v := range t.cell {
		sumCells += comb2(v)
	}
	for _, v := range t.rows {
		sumRows += comb2(v)
	}
	for _, v := range t.cols {
		sumCols += comb2(v)
	}
	total := comb2(t.n)
	if total == 0 {
		return 0
	}
	expected := sumRows * sumCols / total
	denominator := 0.5*(sumRows+sumCols) - expected
	if math.Abs(denominator) < 1e-12 {
		// Both labelings are all-singletons or a single block.
		return 1
	}
	return (sumCells - expected) / denominator
}

// VariationOfInformation computes VI(A,B) = H(A|B) + H(B|A) in bits.
func VariationOfInformation(a, b []int) float64 {
	t, ok := newContingency(a, b)
	if !ok {
		return 0
	}
	n := float64(t.n)
	vi := 0.0
	for k, v := range t.cell {
		p := float64(v) / n
		vi -= p * math.Log2(float64(v)/float64(t.cols[k[1]]))
		vi -= p * math.Log2(float64(v)/float64(t.rows[k[0]]))
	}
	return vi
}

func comb2(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2
}
