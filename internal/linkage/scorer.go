package linkage

import (
	"github.com/agnivade/levenshtein"
)

// Matcher scores a candidate event key against the known keys. The
// resolver runs matchers in order and accepts the first result at or
// above its threshold, so matching policy stays pluggable and each
// strategy is testable in isolation.
type Matcher interface {
	Name() string
	// Match returns the best candidate and its score in [0, 1].
	Match(key EventKey, candidates []EventKey) (EventKey, float64)
}

// ExactMatcher matches on key equality, tolerating a ±1 day date skew
// (the venues disagree on the game date when tip-off crosses midnight
// UTC).
type ExactMatcher struct{}

func (ExactMatcher) Name() string { return "exact" }

func (ExactMatcher) Match(key EventKey, candidates []EventKey) (EventKey, float64) {
	variants := []EventKey{key, key.shiftDate(-1), key.shiftDate(1)}
	for _, v := range variants {
		for _, c := range candidates {
			if c == v {
				return c, 1.0
			}
		}
	}
	return EventKey{}, 0
}

// FuzzyMatcher scores normalized Levenshtein similarity over the
// canonical key strings, catching minor code or tag format skew that
// exact matching misses. Team-order insensitivity is already handled by
// key derivation, so the string comparison is meaningful.
type FuzzyMatcher struct{}

func (FuzzyMatcher) Name() string { return "fuzzy" }

func (FuzzyMatcher) Match(key EventKey, candidates []EventKey) (EventKey, float64) {
	var (
		best      EventKey
		bestScore float64
	)
	for _, c := range candidates {
		if s := similarity(key.String(), c.String()); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore
}

// similarity is 1 - distance/maxLen, so identical strings score 1.0 and
// disjoint ones approach 0.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(d)/float64(longest)
}
