// Package effectiveness keeps running averages of solution ratings and
// merges averages collected by different stores.
//
// A Stat stores the rating total rather than the average. Ratings are
// integers, so totals are exact in float64 and Merge is associative and
// commutative without rounding drift.
package effectiveness

import (
	"fmt"
	"math"
)

const (
	MinRating = 1
	MaxRating = 5
)

// Stat is a count of ratings and their sum.
type Stat struct {
	Total float64
	Count int64
}

// FromAverage rebuilds a Stat from a stored average and count.
func FromAverage(avg float64, n int64) Stat {
	if n <= 0 {
		return Stat{}
	}
	return Stat{Total: math.Round(avg * float64(n)), Count: n}
}

// Single returns the Stat of one rating.
func Single(rating int) Stat {
	return Stat{Total: float64(rating), Count: 1}
}

// Average returns the mean rating, or 0 for an empty Stat.
func (s Stat) Average() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Total / float64(s.Count)
}

// Observe folds one rating in: (a*n + r) / (n+1).
func (s Stat) Observe(rating int) Stat {
	return Stat{Total: s.Total + float64(rating), Count: s.Count + 1}
}

// Merge combines two stats: (a1*n1 + a2*n2) / (n1+n2).
func Merge(a, b Stat) Stat {
	return Stat{Total: a.Total + b.Total, Count: a.Count + b.Count}
}

// Validate checks that rating is within [MinRating, MaxRating].
func Validate(rating int) error {
	if rating < MinRating || rating > MaxRating {
		return fmt.Errorf("rating must be between %d and %d, got %d", MinRating, MaxRating, rating)
	}
	return nil
}

// RatingFromEffective maps a yes/no outcome to a rating.
func RatingFromEffective(effective bool) int {
	if effective {
		return MaxRating
	}
	return MinRating
}
