package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/generalize"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/similarity"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const patternSelect = `
SELECT p.id, p.signature, p.pattern, p.category, p.language, p.description, p.severity,
	p.occurrence_count, p.synced_occurrences, p.first_seen_unix_ms, p.last_seen_unix_ms,
	p.synced, COALESCE(p.central_id, ''),
	COALESCE(c.solution_count, 0), COALESCE(c.effectiveness, 0)
FROM patterns p
LEFT JOIN pattern_solution_counts c ON c.pattern_id = p.id`

func severityRankSQL(col string) string {
	return fmt.Sprintf(
		"(CASE %s WHEN 'low' THEN 1 WHEN 'medium' THEN 2 WHEN 'high' THEN 3 WHEN 'critical' THEN 4 ELSE 0 END)", col)
}

var captureUpsert = `
INSERT INTO patterns (
	id, signature, pattern, category, language, description, severity,
	occurrence_count, first_seen_unix_ms, last_seen_unix_ms, synced
)
VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	occurrence_count   = occurrence_count + 1,
	last_seen_unix_ms  = MAX(last_seen_unix_ms, excluded.last_seen_unix_ms),
	first_seen_unix_ms = MIN(first_seen_unix_ms, excluded.first_seen_unix_ms),
	category           = CASE WHEN category = '' THEN excluded.category ELSE category END,
	description        = CASE WHEN description = '' THEN excluded.description ELSE description END,
	severity           = CASE WHEN ` + severityRankSQL("excluded.severity") + ` > ` + severityRankSQL("severity") +
	` THEN excluded.severity ELSE severity END,
	synced             = 0`

// Capture records one occurrence of an error. The first capture of a
// generalized signature creates the pattern; later captures increment it and
// clear its synced flag so the new occurrences reach the central store.
// Every capture also appends an error event carrying req.Context.
func (s *Store) Capture(ctx context.Context, req *pattern.CaptureRequest) (*pattern.ErrorPattern, error) {
	ctx, span := s.tracer.Start(ctx, "localstore.capture")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	raw := s.scrubber.Scrub(req.Signature).Scrubbed
	description := s.scrubber.Scrub(req.Description).Scrubbed
	language := generalize.NormalizeLanguage(req.Language)

	signature, truncated := generalize.Truncate(raw)
	if truncated {
		if description == "" {
			description = raw
		} else {
			description = description + "\n\n" + raw
		}
	}
	generalized := generalize.Generalize(raw, language)
	id := generalize.PatternID(generalized, language)

	observed := req.ObservedAt
	if observed.IsZero() {
		observed = s.now()
	}
	ms := observed.UnixMilli()

	span.SetAttributes(
		attribute.String("pattern.id", id),
		attribute.String("pattern.language", language),
		attribute.Bool("signature.truncated", truncated),
	)

	var p *pattern.ErrorPattern
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, captureUpsert,
			id, signature, generalized, strings.TrimSpace(req.Category), language,
			description, string(req.Severity), ms, ms); err != nil {
			return wrapErr("upsert pattern", err)
		}
		if err := insertTechnologies(ctx, tx, id, req.Technologies); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, &pattern.Event{
			Type:      pattern.EventError,
			PatternID: id,
			Content:   signature,
			Context:   req.Context,
			CreatedAt: observed,
		}); err != nil {
			return err
		}
		var err error
		p, err = getPattern(ctx, tx, id)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return nil, err
	}

	if s.captureCounter != nil {
		s.captureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("language", language),
			attribute.Bool("new", p.OccurrenceCount == 1),
		))
	}
	s.logger.Debug("captured error",
		zap.String("pattern_id", id),
		zap.String("language", language),
		zap.Int64("occurrence_count", p.OccurrenceCount))
	return p, nil
}

func insertTechnologies(ctx context.Context, tx *sql.Tx, patternID string, techs []string) error {
	for _, t := range techs {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pattern_technologies (pattern_id, technology) VALUES (?, ?)`,
			patternID, t); err != nil {
			return wrapErr("insert technology", err)
		}
	}
	return nil
}

// GetPattern returns the pattern with its technology tags.
func (s *Store) GetPattern(ctx context.Context, id string) (*pattern.ErrorPattern, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getPattern(ctx, s.readDB, id)
}

func getPattern(ctx context.Context, q querier, id string) (*pattern.ErrorPattern, error) {
	row := q.QueryRowContext(ctx, patternSelect+` WHERE p.id = ?`, id)
	p, _, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pattern %s", pattern.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapErr("get pattern", err)
	}
	p.Technologies, err = listTechnologies(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanPattern reads one patternSelect row. The second return value is the
// aggregate effectiveness of the pattern's solutions.
func scanPattern(row scanner) (*pattern.ErrorPattern, float64, error) {
	var (
		p               pattern.ErrorPattern
		severity        string
		firstMs, lastMs int64
		synced          int
		solutionCount   int
		aggregateEffect float64
	)
	if err := row.Scan(
		&p.ID, &p.Signature, &p.Pattern, &p.Category, &p.Language, &p.Description, &severity,
		&p.OccurrenceCount, &p.SyncedOccurrences, &firstMs, &lastMs,
		&synced, &p.CentralID, &solutionCount, &aggregateEffect,
	); err != nil {
		return nil, 0, err
	}
	p.Severity = pattern.Severity(severity)
	p.FirstSeen = fromUnixMs(firstMs)
	p.LastSeen = fromUnixMs(lastMs)
	p.Synced = synced != 0
	p.SolutionCount = solutionCount
	return &p, aggregateEffect, nil
}

// ListTechnologies returns the technology tags of a pattern, sorted.
func (s *Store) ListTechnologies(ctx context.Context, patternID string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return listTechnologies(ctx, s.readDB, patternID)
}

func listTechnologies(ctx context.Context, q querier, patternID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT technology FROM pattern_technologies WHERE pattern_id = ? ORDER BY technology`, patternID)
	if err != nil {
		return nil, wrapErr("list technologies", err)
	}
	defer rows.Close()

	var techs []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, wrapErr("scan technology", err)
		}
		techs = append(techs, t)
	}
	return techs, wrapErr("iterate technologies", rows.Err())
}

type scoredPattern struct {
	pattern       *pattern.ErrorPattern
	effectiveness float64
}

func (s *Store) loadPatterns(ctx context.Context) ([]scoredPattern, error) {
	rows, err := s.readDB.QueryContext(ctx, patternSelect+` ORDER BY p.occurrence_count DESC, p.id`)
	if err != nil {
		return nil, wrapErr("load patterns", err)
	}
	defer rows.Close()

	var out []scoredPattern
	for rows.Next() {
		p, eff, err := scanPattern(rows)
		if err != nil {
			return nil, wrapErr("scan pattern", err)
		}
		out = append(out, scoredPattern{pattern: p, effectiveness: eff})
	}
	return out, wrapErr("iterate patterns", rows.Err())
}

// Search returns patterns whose text contains query, or whose generalized
// form is similar to the generalized query, ordered by occurrence count.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]pattern.SearchResult, error) {
	ctx, span := s.tracer.Start(ctx, "localstore.search")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", pattern.ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	all, err := s.loadPatterns(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	candidates := make([]similarity.Candidate, len(all))
	for i, sp := range all {
		candidates[i] = similarity.Candidate{ID: sp.pattern.ID, Pattern: sp.pattern.Pattern}
	}
	fuzzy := make(map[string]float64)
	for _, r := range s.matcher.Rank(query, "", candidates, 0) {
		fuzzy[r.ID] = r.Score
	}

	needle := strings.ToLower(query)
	var results []pattern.SearchResult
	for _, sp := range all {
		p := sp.pattern
		score, ok := fuzzy[p.ID]
		if containsFold(needle, p.Pattern, p.Category, p.Signature) {
			score, ok = 1, true
		}
		if !ok {
			continue
		}
		results = append(results, pattern.SearchResult{ErrorPattern: *p, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].OccurrenceCount != results[j].OccurrenceCount {
			return results[i].OccurrenceCount > results[j].OccurrenceCount
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	for i := range results {
		techs, err := listTechnologies(ctx, s.readDB, results[i].ID)
		if err != nil {
			return nil, err
		}
		results[i].Technologies = techs
	}

	if s.searchCounter != nil {
		s.searchCounter.Add(ctx, 1)
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

func containsFold(needle string, fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

// Match ranks every local pattern against raw error text and attaches each
// match's solutions, most effective first.
func (s *Store) Match(ctx context.Context, raw, language string, limit int) ([]pattern.Match, error) {
	ctx, span := s.tracer.Start(ctx, "localstore.match")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: error text is required", pattern.ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	all, err := s.loadPatterns(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*pattern.ErrorPattern, len(all))
	candidates := make([]similarity.Candidate, len(all))
	for i, sp := range all {
		byID[sp.pattern.ID] = sp.pattern
		candidates[i] = similarity.Candidate{
			ID:              sp.pattern.ID,
			Pattern:         sp.pattern.Pattern,
			OccurrenceCount: sp.pattern.OccurrenceCount,
			Effectiveness:   sp.effectiveness,
		}
	}

	ranked := s.matcher.Rank(raw, generalize.NormalizeLanguage(language), candidates, limit)
	matches := make([]pattern.Match, 0, len(ranked))
	for _, r := range ranked {
		solutions, err := s.listSolutions(ctx, s.readDB, r.ID)
		if err != nil {
			return nil, err
		}
		sortByEffectiveness(solutions)
		matches = append(matches, pattern.Match{
			Pattern:   *byID[r.ID],
			Score:     r.Score,
			Solutions: solutions,
		})
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}
