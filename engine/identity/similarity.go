package identity

import "strings"

// NameSimilarity returns max(sequenceRatio(a,b), 0.8*jaccard(tokens(a), tokens(b)))
// over the normalized forms of a and b.
func NameSimilarity(a, b string, cfg Config) float64 {
	na, nb := cfg.Normalize(a), cfg.Normalize(b)
	if na == nb {
		return 1.0
	}
	ratio := sequenceRatio(na, nb)
	jac := 0.8 * jaccard(strings.Split(na, "_"), strings.Split(nb, "_"))
	if jac > ratio {
		return jac
	}
	return ratio
}

// LikelySameEntity reports whether a and b are similar enough to be
// considered the same entity at the given threshold (spec default 0.85),
// honoring the compound-name guard.
func LikelySameEntity(a, b string, cfg Config, threshold float64) bool {
	if IsCompoundGuarded(a, b, cfg) {
		return false
	}
	return NameSimilarity(a, b, cfg) >= threshold
}

// IsCompoundGuarded reports whether one normalized name's token set is a
// strict subset of the other's with a length difference of at least 2 —
// in which case the two are never duplicates regardless of similarity
// (e.g. "bmo" vs "bmo corporate travel").
func IsCompoundGuarded(a, b string, cfg Config) bool {
	ta := tokenSet(cfg.Normalize(a))
	tb := tokenSet(cfg.Normalize(b))
	if isStrictSubset(ta, tb) && len(tb)-len(ta) >= 2 {
		return true
	}
	if isStrictSubset(tb, ta) && len(ta)-len(tb) >= 2 {
		return true
	}
	return false
}

func tokenSet(normalized string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range strings.Split(normalized, "_") {
		if t == "" {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

func isStrictSubset(small, big map[string]struct{}) bool {
	if len(small) == 0 || len(small) >= len(big) {
		return false
	}
	for t := range small {
		if _, ok := big[t]; !ok {
			return false
		}
	}
	return true
}

// jaccard computes the Jaccard index of the two token slices treated as sets.
func jaccard(a, b []string) float64 {
	sa := toSet(a)
	sb := toSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1.0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func toSet(tokens []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, t := range tokens {
		if t == "" {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

// sequenceRatio implements the Ratcliff/Obershelp ratio used by Python's
// difflib.SequenceMatcher: 2*M / T where M is the total length of the
// longest-matching-block decomposition and T is the combined length of
// both strings.
func sequenceRatio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	matches := matchingBlockLength(a, b)
	return 2.0 * float64(matches) / float64(len(a)+len(b))
}

// matchingBlockLength recursively finds the longest common substring and
// sums matches in the left and right remainders, mirroring difflib's
// get_matching_blocks without junk-character heuristics.
func matchingBlockLength(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	left := matchingBlockLength(a[:ai], b[:bi])
	right := matchingBlockLength(a[ai+size:], b[bi+size:])
	return left + size + right
}

func longestCommonSubstring(a, b string) (aStart, bStart, length int) {
	// Classic O(len(a)*len(b)) DP; both strings here are short
	// (normalized entity names), so this stays cheap in practice.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	best := 0
	bestA, bestB := 0, 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > best {
					best = curr[j]
					bestA = i - best
					bestB = j - best
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return bestA, bestB, best
}
