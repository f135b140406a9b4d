package localstore

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

// GetSummary counts patterns and solutions by sync state.
func (s *Store) GetSummary(ctx context.Context) (*pattern.Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	sum := &pattern.Summary{Languages: make(map[string]int64)}
	if err := s.readDB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(synced), 0) FROM patterns`).
		Scan(&sum.TotalPatterns, &sum.SyncedPatterns); err != nil {
		return nil, wrapErr("count patterns", err)
	}
	if err := s.readDB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(synced), 0) FROM solutions`).
		Scan(&sum.TotalSolutions, &sum.SyncedSolutions); err != nil {
		return nil, wrapErr("count solutions", err)
	}
	sum.UnsyncedPatterns = sum.TotalPatterns - sum.SyncedPatterns
	sum.UnsyncedSolutions = sum.TotalSolutions - sum.SyncedSolutions

	rows, err := s.readDB.QueryContext(ctx, `SELECT language, COUNT(*) FROM patterns GROUP BY language`)
	if err != nil {
		return nil, wrapErr("count languages", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			lang string
			n    int64
		)
		if err := rows.Scan(&lang, &n); err != nil {
			return nil, wrapErr("scan language count", err)
		}
		sum.Languages[lang] = n
	}
	return sum, wrapErr("iterate language counts", rows.Err())
}

// Stats summarizes the activity stream: how often errors occur relative to
// recorded fixes, how well the fixes work, and how busy the last day was.
func (s *Store) Stats(ctx context.Context) (*pattern.Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	since := s.now().Add(-24 * time.Hour).UnixMilli()
	st := &pattern.Stats{}
	if err := s.readDB.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(type = 'error'), 0),
			COALESCE(SUM(type = 'solution'), 0),
			COALESCE(SUM(type = 'feedback'), 0),
			COALESCE(SUM(created_at_unix_ms >= ?), 0),
			COALESCE(SUM(type = 'error' AND created_at_unix_ms >= ?), 0)
		FROM events`, since, since).
		Scan(&st.ErrorEvents, &st.SolutionEvents, &st.FeedbackEvents, &st.DailyVelocity, &st.ErrorsLast24h); err != nil {
		return nil, wrapErr("count events", err)
	}

	var avg sql.NullFloat64
	if err := s.readDB.QueryRowContext(ctx, `SELECT AVG(effectiveness) FROM solutions`).Scan(&avg); err != nil {
		return nil, wrapErr("average effectiveness", err)
	}
	if avg.Valid {
		st.AverageEffectiveness = round2(avg.Float64)
	}
	st.QualityRatio = round2(float64(st.ErrorEvents) / float64(max(st.SolutionEvents, 1)))
	return st, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
