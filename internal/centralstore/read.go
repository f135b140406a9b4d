package centralstore

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/errorkb/internal/generalize"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/similarity"
)

// DefaultSearchLimit bounds Search when no limit is given.
const DefaultSearchLimit = 10

// GetPattern returns one central pattern with its technologies and solution
// count.
func (s *Store) GetPattern(ctx context.Context, id string) (*pattern.ErrorPattern, error) {
	var row Pattern
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, wrapErr(fmt.Sprintf("pattern %s", id), err)
	}
	techs, err := s.technologies(ctx, id)
	if err != nil {
		return nil, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&Solution{}).Where("pattern_id = ?", id).Count(&n).Error; err != nil {
		return nil, wrapErr("count solutions", err)
	}
	p := row.toDomain(techs, int(n))
	return &p, nil
}

func (s *Store) technologies(ctx context.Context, patternID string) ([]string, error) {
	var techs []string
	err := s.db.WithContext(ctx).Model(&PatternTechnology{}).
		Where("pattern_id = ?", patternID).
		Order("technology").
		Pluck("technology", &techs).Error
	return techs, wrapErr("list technologies", err)
}

// ListSolutions returns a pattern's solutions, most effective first.
func (s *Store) ListSolutions(ctx context.Context, patternID string) ([]pattern.Solution, error) {
	var rows []Solution
	if err := s.db.WithContext(ctx).
		Where("pattern_id = ?", patternID).
		Order("effectiveness DESC, times_applied DESC, id").
		Find(&rows).Error; err != nil {
		return nil, wrapErr("list solutions", err)
	}
	out := make([]pattern.Solution, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// Search ranks central patterns against raw error text, optionally
// restricted to one language, and attaches each match's solutions.
func (s *Store) Search(ctx context.Context, raw, language string, limit int) ([]pattern.Match, error) {
	ctx, span := s.tracer.Start(ctx, "centralstore.search")
	defer span.End()

	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: query is required", pattern.ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	q := s.db.WithContext(ctx).Model(&Pattern{})
	if language != "" {
		language = generalize.NormalizeLanguage(language)
		q = q.Where("language = ?", language)
	}
	var rows []Pattern
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapErr("load patterns", err)
	}

	eff, err := s.patternEffectiveness(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Pattern, len(rows))
	candidates := make([]similarity.Candidate, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
		candidates[i] = similarity.Candidate{
			ID:              rows[i].ID,
			Pattern:         rows[i].Pattern,
			OccurrenceCount: rows[i].OccurrenceCount,
			Effectiveness:   eff[rows[i].ID],
		}
	}

	ranked := s.matcher.Rank(raw, language, candidates, limit)
	matches := make([]pattern.Match, 0, len(ranked))
	for _, r := range ranked {
		techs, err := s.technologies(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		solutions, err := s.ListSolutions(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		matches = append(matches, pattern.Match{
			Pattern:   byID[r.ID].toDomain(techs, len(solutions)),
			Score:     r.Score,
			Solutions: solutions,
		})
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// patternEffectiveness is the weighted effectiveness of each pattern's
// solutions.
func (s *Store) patternEffectiveness(ctx context.Context) (map[string]float64, error) {
	var rows []struct {
		PatternID string
		Total     float64
		Applied   int64
	}
	if err := s.db.WithContext(ctx).Model(&Solution{}).
		Select("pattern_id, SUM(effectiveness_total) AS total, SUM(times_applied) AS applied").
		Group("pattern_id").
		Scan(&rows).Error; err != nil {
		return nil, wrapErr("aggregate effectiveness", err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		if r.Applied > 0 {
			out[r.PatternID] = r.Total / float64(r.Applied)
		}
	}
	return out, nil
}

// GetSummary counts central patterns and solutions. Every central record is
// synced by definition.
func (s *Store) GetSummary(ctx context.Context) (*pattern.Summary, error) {
	db := s.db.WithContext(ctx)
	sum := &pattern.Summary{Languages: make(map[string]int64)}
	if err := db.Model(&Pattern{}).Count(&sum.TotalPatterns).Error; err != nil {
		return nil, wrapErr("count patterns", err)
	}
	if err := db.Model(&Solution{}).Count(&sum.TotalSolutions).Error; err != nil {
		return nil, wrapErr("count solutions", err)
	}
	sum.SyncedPatterns = sum.TotalPatterns
	sum.SyncedSolutions = sum.TotalSolutions

	var langs []struct {
		Language string
		N        int64
	}
	if err := db.Model(&Pattern{}).Select("language, COUNT(*) AS n").Group("language").Scan(&langs).Error; err != nil {
		return nil, wrapErr("count languages", err)
	}
	for _, l := range langs {
		sum.Languages[l.Language] = l.N
	}
	return sum, nil
}

// ListSyncRecords returns the most recent central audit rows, optionally for
// one instance.
func (s *Store) ListSyncRecords(ctx context.Context, instanceID string, limit int) ([]pattern.SyncRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if instanceID != "" {
		q = q.Where("instance_id = ?", instanceID)
	}
	var rows []SyncRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrapErr("list sync records", err)
	}
	out := make([]pattern.SyncRecord, len(rows))
	for i, r := range rows {
		out[i] = pattern.SyncRecord{
			ID:           int64(r.ID),
			InstanceID:   r.InstanceID,
			EntityType:   pattern.EntityType(r.EntityType),
			LocalID:      r.LocalID,
			CentralID:    r.CentralID,
			Status:       pattern.SyncStatus(r.Status),
			ErrorMessage: r.ErrorMessage,
			CreatedAt:    r.CreatedAt.UTC(),
		}
	}
	return out, nil
}
