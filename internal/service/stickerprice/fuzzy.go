package stickerprice

import (
	"regexp"
	"strings"
)

// Similarity tiers for matching an unresolved sticker name against names
// the strategy chain did resolve. Containment of one normalized name in
// the other floors the score regardless of token overlap.
const (
	fuzzyStrong      = 0.7
	fuzzyWeak        = 0.5
	containmentFloor = 0.8
)

var nonToken = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// Normalize folds a sticker name for comparison: lowercase, punctuation
// stripped, whitespace collapsed. "Crown (Foil)" and "crown foil" come out
// equal.
func Normalize(name string) string {
	lowered := strings.ToLower(name)
	cleaned := nonToken.ReplaceAllString(lowered, " ")
	return strings.Join(strings.Fields(cleaned), " ")
}

// Similarity scores two names in [0,1] by Jaccard overlap of their
// normalized token sets.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ta, tb := tokenSet(na), tokenSet(nb)
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	score := float64(inter) / float64(union)
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		score = max(score, containmentFloor)
	}
	return score
}

// BestMatch returns the candidate most similar to want, or "" when none
// reaches minScore. Ties break lexicographically so the result does not
// depend on map order.
func BestMatch(want string, candidates map[string]float64, minScore float64) (string, float64) {
	var bestName string
	var bestScore float64
	for name := range candidates {
		s := Similarity(want, name)
		if s < minScore || s < bestScore {
			continue
		}
		if s > bestScore || bestName == "" || name < bestName {
			bestName, bestScore = name, s
		}
	}
	return bestName, bestScore
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
