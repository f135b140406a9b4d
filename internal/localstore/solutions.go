package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/effectiveness"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

const solutionSelect = `
SELECT id, pattern_id, title, description, code_change, steps_json, minutes_to_resolve,
	effectiveness, times_applied, applied_by, created_at_unix_ms, synced, COALESCE(central_id, '')
FROM solutions`

// AddSolution records a fix for an existing pattern.
func (s *Store) AddSolution(ctx context.Context, req *pattern.AddSolutionRequest) (*pattern.Solution, error) {
	ctx, span := s.tracer.Start(ctx, "localstore.add_solution")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	rating := req.Effectiveness
	if rating == 0 {
		rating = effectiveness.RatingFromEffective(req.Succeeded)
	}
	id := uuid.NewString()
	span.SetAttributes(attribute.String("pattern.id", req.PatternID), attribute.String("solution.id", id))

	var sol *pattern.Solution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM patterns WHERE id = ?`, req.PatternID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: pattern %s", pattern.ErrNotFound, req.PatternID)
		}
		if err != nil {
			return wrapErr("lookup pattern", err)
		}

		if err := s.insertSolution(ctx, tx, id, req, rating); err != nil {
			return err
		}
		sol, err = getSolution(ctx, tx, id)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "add solution failed")
		return nil, err
	}

	s.logger.Debug("added solution",
		zap.String("pattern_id", req.PatternID),
		zap.String("solution_id", id),
		zap.Int("rating", rating))
	return sol, nil
}

// insertSolution writes a new solution row and its solution event.
func (s *Store) insertSolution(ctx context.Context, tx *sql.Tx, id string, req *pattern.AddSolutionRequest, rating int) error {
	steps := req.Steps
	if steps == nil {
		steps = []string{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encoding steps: %w", err)
	}
	title := strings.TrimSpace(req.Title)
	description := s.scrubber.Scrub(req.Description).Scrubbed
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO solutions (
			id, pattern_id, title, description, code_change, steps_json, minutes_to_resolve,
			effectiveness, times_applied, applied_by, created_at_unix_ms, synced
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, 0)`,
		id, req.PatternID, title, description,
		s.scrubber.Scrub(req.CodeSnippet).Scrubbed,
		string(stepsJSON), req.MinutesToResolve, float64(rating), req.AppliedBy,
		s.now().UnixMilli()); err != nil {
		return wrapErr("insert solution", err)
	}

	content := title
	if content == "" {
		content = description
	}
	return s.appendEvent(ctx, tx, &pattern.Event{
		Type:       pattern.EventSolution,
		PatternID:  req.PatternID,
		SolutionID: id,
		Content:    content,
		Rating:     rating,
	})
}

// GetSolution returns one solution.
func (s *Store) GetSolution(ctx context.Context, id string) (*pattern.Solution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return getSolution(ctx, s.readDB, id)
}

func getSolution(ctx context.Context, q querier, id string) (*pattern.Solution, error) {
	sol, err := scanSolution(q.QueryRowContext(ctx, solutionSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: solution %s", pattern.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrapErr("get solution", err)
	}
	return sol, nil
}

// ListSolutions returns the solutions of a pattern in creation order.
func (s *Store) ListSolutions(ctx context.Context, patternID string) ([]pattern.Solution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.listSolutions(ctx, s.readDB, patternID)
}

func (s *Store) listSolutions(ctx context.Context, q querier, patternID string) ([]pattern.Solution, error) {
	return querySolutions(ctx, q, solutionSelect+` WHERE pattern_id = ? ORDER BY created_at_unix_ms, id`, patternID)
}

func querySolutions(ctx context.Context, q querier, query string, args ...any) ([]pattern.Solution, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query solutions", err)
	}
	defer rows.Close()

	var out []pattern.Solution
	for rows.Next() {
		sol, err := scanSolution(rows)
		if err != nil {
			return nil, wrapErr("scan solution", err)
		}
		out = append(out, *sol)
	}
	return out, wrapErr("iterate solutions", rows.Err())
}

func scanSolution(row scanner) (*pattern.Solution, error) {
	var (
		sol       pattern.Solution
		stepsJSON string
		createdMs int64
		synced    int
	)
	if err := row.Scan(
		&sol.ID, &sol.PatternID, &sol.Title, &sol.Description, &sol.CodeChange, &stepsJSON,
		&sol.MinutesToResolve, &sol.Effectiveness, &sol.TimesApplied, &sol.AppliedBy,
		&createdMs, &synced, &sol.CentralID,
	); err != nil {
		return nil, err
	}
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &sol.Steps); err != nil {
			return nil, fmt.Errorf("decoding steps: %w", err)
		}
	}
	sol.CreatedAt = fromUnixMs(createdMs)
	sol.Synced = synced != 0
	return &sol, nil
}

func sortByEffectiveness(solutions []pattern.Solution) {
	sort.SliceStable(solutions, func(i, j int) bool {
		if solutions[i].Effectiveness != solutions[j].Effectiveness {
			return solutions[i].Effectiveness > solutions[j].Effectiveness
		}
		return solutions[i].TimesApplied > solutions[j].TimesApplied
	})
}

// RecordFeedback folds one rating into a solution's running average and
// appends the raw event to the feedback log.
func (s *Store) RecordFeedback(ctx context.Context, req *pattern.FeedbackRequest) (*pattern.Solution, error) {
	ctx, span := s.tracer.Start(ctx, "localstore.record_feedback")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	rating := req.Rating
	if rating == 0 {
		rating = effectiveness.RatingFromEffective(*req.Effective)
	}
	var effective any
	if req.Effective != nil {
		effective = boolToInt(*req.Effective)
	}

	var sol *pattern.Solution
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getSolution(ctx, tx, req.SolutionID)
		if err != nil {
			return err
		}

		stat := effectiveness.FromAverage(current.Effectiveness, current.TimesApplied).Observe(rating)
		if _, err := tx.ExecContext(ctx,
			`UPDATE solutions SET effectiveness = ?, times_applied = ? WHERE id = ?`,
			stat.Average(), stat.Count, req.SolutionID); err != nil {
			return wrapErr("update effectiveness", err)
		}
		// seq records the order in which ratings were folded into
		// times_applied; MarkSolutionSynced depends on it.
		notes := s.scrubber.Scrub(req.Notes).Scrubbed
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feedback_events (id, solution_id, effective, rating, notes, created_at_unix_ms, synced, seq)
			VALUES (?, ?, ?, ?, ?, ?, 0, (SELECT COALESCE(MAX(seq), 0) + 1 FROM feedback_events))`,
			uuid.NewString(), req.SolutionID, effective, rating,
			notes, s.now().UnixMilli()); err != nil {
			return wrapErr("insert feedback event", err)
		}
		if err := s.appendEvent(ctx, tx, &pattern.Event{
			Type:       pattern.EventFeedback,
			PatternID:  current.PatternID,
			SolutionID: req.SolutionID,
			Content:    notes,
			Rating:     rating,
		}); err != nil {
			return err
		}
		sol, err = getSolution(ctx, tx, req.SolutionID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record feedback failed")
		return nil, err
	}

	s.logger.Debug("recorded feedback",
		zap.String("solution_id", req.SolutionID),
		zap.Int("rating", rating),
		zap.Float64("effectiveness", sol.Effectiveness))
	return sol, nil
}

// ListFeedback returns the feedback events of a solution, oldest first.
func (s *Store) ListFeedback(ctx context.Context, solutionID string) ([]pattern.FeedbackEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return queryFeedback(ctx, s.readDB, feedbackSelect+` WHERE f.solution_id = ? ORDER BY f.seq`, solutionID)
}
