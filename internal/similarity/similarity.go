// Package similarity ranks known patterns against a new error using
// character trigram overlap.
package similarity

import (
	"sort"
	"strings"

	"github.com/fyrsmithlabs/errorkb/internal/generalize"
)

// DefaultThreshold is the minimum score for a candidate to be returned.
const DefaultThreshold = 0.3

// Set is a set of trigrams.
type Set map[string]struct{}

// Trigrams returns the 3-rune substrings of the lower-cased s. Strings
// shorter than three runes yield themselves as the only gram.
func Trigrams(s string) Set {
	runes := []rune(strings.ToLower(s))
	set := make(Set)
	if len(runes) == 0 {
		return set
	}
	if len(runes) < 3 {
		set[string(runes)] = struct{}{}
		return set
	}
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}
	return set
}

// Jaccard returns |a ∩ b| / |a ∪ b|, or 0 when both sets are empty.
func Jaccard(a, b Set) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for g := range small {
		if _, ok := large[g]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	return float64(shared) / float64(union)
}

// Similarity is the trigram coefficient of a and b.
func Similarity(a, b string) float64 {
	return Jaccard(Trigrams(a), Trigrams(b))
}

// BestMatch returns the index of the candidate most similar to text and its
// score. It returns -1 when candidates is empty.
func BestMatch(text string, candidates []string) (int, float64) {
	best, bestScore := -1, 0.0
	query := Trigrams(text)
	for i, c := range candidates {
		score := Jaccard(query, Trigrams(c))
		if best == -1 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return best, bestScore
}

// Candidate is a known pattern offered for ranking.
type Candidate struct {
	ID              string
	Pattern         string
	OccurrenceCount int64

	// Effectiveness is the aggregate effectiveness of the pattern's
	// solutions; zero when it has none.
	Effectiveness float64
}

// Ranked is a candidate that met the threshold.
type Ranked struct {
	Candidate
	Score float64
}

// Matcher ranks candidates. The zero value uses DefaultThreshold and
// trigram similarity.
type Matcher struct {
	Threshold float64

	// Score overrides the similarity function.
	Score func(a, b string) float64
}

// NewMatcher returns a Matcher with the given threshold.
func NewMatcher(threshold float64) *Matcher {
	return &Matcher{Threshold: threshold}
}

func (m *Matcher) threshold() float64 {
	if m == nil || m.Threshold <= 0 {
		return DefaultThreshold
	}
	return m.Threshold
}

func (m *Matcher) score(a, b string) float64 {
	if m != nil && m.Score != nil {
		return m.Score(a, b)
	}
	return Similarity(a, b)
}

// Rank generalizes queryRaw and scores each candidate's pattern against it.
// Candidates below the threshold are dropped no matter how often they
// occurred. Results are ordered by score, then effectiveness, then
// occurrence count, then id. A limit <= 0 returns every match.
func (m *Matcher) Rank(queryRaw, language string, candidates []Candidate, limit int) []Ranked {
	query := generalize.Generalize(queryRaw, language)
	cutoff := m.threshold()

	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		s := m.score(query, c.Pattern)
		if s < cutoff {
			continue
		}
		ranked = append(ranked, Ranked{Candidate: c, Score: s})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Effectiveness != b.Effectiveness {
			return a.Effectiveness > b.Effectiveness
		}
		if a.OccurrenceCount != b.OccurrenceCount {
			return a.OccurrenceCount > b.OccurrenceCount
		}
		return a.ID < b.ID
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
