package heuristics

import (
	"strings"
	"unicode"

	"github.com/rawblock/ringwatch/pkg/models"
)

// Profile similarity
//
// Three equally weighted views of two accounts:
//   bio      Jaccard over lower-cased word tokens of the bio text
//   name     Jaccard over lower-cased word tokens of the display name
//   profile  share of structural fields (region + attributes) holding the
//            same non-empty value, over fields set on either account
//
// Empty-vs-empty compares as 0: two blank bios are not evidence of a
// template.

// Tokens splits text into a lower-cased word set.
func Tokens(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Jaccard is |a ∩ b| / |a ∪ b|, or 0 when both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// StructuralOverlap compares region and attribute values.
func StructuralOverlap(a, b models.AccountProfile) float64 {
	fa, fb := structuralFields(a), structuralFields(b)
	keys := make(map[string]struct{}, len(fa)+len(fb))
	for k := range fa {
		keys[k] = struct{}{}
	}
	for k := range fb {
		keys[k] = struct{}{}
	}
	if len(keys) == 0 {
		return 0
	}
	same := 0
	for k := range keys {
		if va, ok := fa[k]; ok && va == fb[k] {
			same++
		}
	}
	return float64(same) / float64(len(keys))
}

func structuralFields(p models.AccountProfile) map[string]string {
	out := make(map[string]string, len(p.Attributes)+1)
	if r := strings.TrimSpace(strings.ToLower(p.Region)); r != "" {
		out["region"] = r
	}
	for k, v := range p.Attributes {
		if v = strings.TrimSpace(strings.ToLower(v)); v != "" {
			out["attr:"+k] = v
		}
	}
	return out
}

// profileFeatures caches the token sets of one candidate so pairwise
// comparisons do not re-tokenize.
type profileFeatures struct {
	profile models.AccountProfile
	bio     map[string]struct{}
	name    map[string]struct{}
}

func newProfileFeatures(p models.AccountProfile) profileFeatures {
	return profileFeatures{profile: p, bio: Tokens(p.Bio), name: Tokens(p.DisplayName)}
}

// similarityBreakdown is the per-view similarity of a pair.
type similarityBreakdown struct {
	Bio, Name, Profile float64
}

func (s similarityBreakdown) Score() float64 {
	return (s.Bio + s.Name + s.Profile) / 3
}

func compareProfiles(a, b profileFeatures) similarityBreakdown {
	return similarityBreakdown{
		Bio:     Jaccard(a.bio, b.bio),
		Name:    Jaccard(a.name, b.name),
		Profile: StructuralOverlap(a.profile, b.profile),
	}
}

// Similarity is the equal-weighted mean of bio, display-name and structural
// similarity between two accounts.
func Similarity(a, b models.AccountProfile) float64 {
	return compareProfiles(newProfileFeatures(a), newProfileFeatures(b)).Score()
}
