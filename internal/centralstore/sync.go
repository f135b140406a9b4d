package centralstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fyrsmithlabs/errorkb/internal/effectiveness"
	"github.com/fyrsmithlabs/errorkb/internal/generalize"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/similarity"
)

var forUpdate = clause.Locking{Strength: "UPDATE"}

// FindOrCreatePattern finds the pattern keyed by (language, pattern) or
// creates it, then folds in the occurrences this instance has not yet
// contributed. occurrence_count and last_seen never decrease.
func (s *Store) FindOrCreatePattern(ctx context.Context, req *pattern.PatternSyncRequest) (*pattern.PatternSyncResult, error) {
	ctx, span := s.tracer.Start(ctx, "centralstore.find_or_create_pattern")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}
	language := generalize.NormalizeLanguage(req.Language)

	var result pattern.PatternSyncResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now().UTC()
		firstSeen, lastSeen := req.FirstSeen.UTC(), req.LastSeen.UTC()
		if firstSeen.IsZero() {
			firstSeen = now
		}
		if lastSeen.IsZero() {
			lastSeen = firstSeen
		}

		seed := Pattern{
			ID:          uuid.NewString(),
			Language:    language,
			Pattern:     req.Pattern,
			Signature:   req.Signature,
			Category:    req.Category,
			Description: req.Description,
			Severity:    string(req.Severity),
			FirstSeen:   firstSeen,
			LastSeen:    lastSeen,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "language"}, {Name: "pattern"}},
			DoNothing: true,
		}).Create(&seed)
		if res.Error != nil {
			return wrapErr("insert pattern", res.Error)
		}
		result.Created = res.RowsAffected == 1

		var row Pattern
		if err := tx.Clauses(forUpdate).
			Where("language = ? AND pattern = ?", language, req.Pattern).
			Take(&row).Error; err != nil {
			return wrapErr("load pattern", err)
		}
		result.CentralID = row.ID

		contrib := Contribution{PatternID: row.ID, InstanceID: req.InstanceID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&contrib).Error; err != nil {
			return wrapErr("insert contribution", err)
		}
		if err := tx.Clauses(forUpdate).
			Where("pattern_id = ? AND instance_id = ?", row.ID, req.InstanceID).
			Take(&contrib).Error; err != nil {
			return wrapErr("load contribution", err)
		}

		updates := map[string]any{}
		if delta := req.OccurrenceCount - contrib.Contributed; delta > 0 {
			updates["occurrence_count"] = gorm.Expr("occurrence_count + ?", delta)
			if err := tx.Model(&Contribution{}).
				Where("pattern_id = ? AND instance_id = ?", row.ID, req.InstanceID).
				Update("contributed", req.OccurrenceCount).Error; err != nil {
				return wrapErr("update contribution", err)
			}
		}
		if lastSeen.After(row.LastSeen) {
			updates["last_seen"] = lastSeen
		}
		if firstSeen.Before(row.FirstSeen) {
			updates["first_seen"] = firstSeen
		}
		if sev := pattern.Severity(row.Severity).Max(req.Severity); string(sev) != row.Severity {
			updates["severity"] = string(sev)
		}
		if row.Category == "" && req.Category != "" {
			updates["category"] = req.Category
		}
		if row.Description == "" && req.Description != "" {
			updates["description"] = req.Description
		}
		if len(updates) > 0 {
			if err := tx.Model(&Pattern{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return wrapErr("update pattern", err)
			}
		}

		for _, t := range req.Technologies {
			t = strings.ToLower(strings.TrimSpace(t))
			if t == "" {
				continue
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&PatternTechnology{PatternID: row.ID, Technology: t}).Error; err != nil {
				return wrapErr("insert technology", err)
			}
		}

		if err := tx.Model(&Pattern{}).Select("occurrence_count").
			Where("id = ?", row.ID).Scan(&result.OccurrenceCount).Error; err != nil {
			return wrapErr("read occurrence count", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find or create pattern failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("central.pattern_id", result.CentralID),
		attribute.Bool("created", result.Created),
	)
	s.logger.Debug("synced pattern",
		zap.String("central_id", result.CentralID),
		zap.String("instance_id", req.InstanceID),
		zap.Bool("created", result.Created),
		zap.Int64("occurrence_count", result.OccurrenceCount))
	return &result, nil
}

// FindOrCreateSolution merges the incoming solution into the most similar
// existing solution of the pattern when their descriptions score at or above
// the merge threshold, and inserts it as a distinct alternative otherwise.
// A retried request for the same local solution returns the original result
// without merging again.
func (s *Store) FindOrCreateSolution(ctx context.Context, req *pattern.SolutionSyncRequest) (*pattern.SolutionSyncResult, error) {
	ctx, span := s.tracer.Start(ctx, "centralstore.find_or_create_solution")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	var result pattern.SolutionSyncResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior SolutionContribution
		err := tx.Where("instance_id = ? AND local_solution_id = ?", req.InstanceID, req.LocalSolutionID).
			Take(&prior).Error
		if err == nil {
			result.CentralID = prior.SolutionID
			result.Merged = prior.Merged
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapErr("load solution contribution", err)
		}

		// Locking the parent serializes solution dedup per pattern.
		var parent Pattern
		if err := tx.Clauses(forUpdate).Where("id = ?", req.PatternID).Take(&parent).Error; err != nil {
			return wrapErr(fmt.Sprintf("pattern %s", req.PatternID), err)
		}

		var existing []Solution
		if err := tx.Where("pattern_id = ?", req.PatternID).Order("created_at, id").Find(&existing).Error; err != nil {
			return wrapErr("load solutions", err)
		}

		incoming := effectiveness.FromAverage(req.Effectiveness, req.TimesApplied)
		text := solutionText(req.Description, req.Title)
		descriptions := make([]string, len(existing))
		for i := range existing {
			descriptions[i] = solutionText(existing[i].Description, existing[i].Title)
		}

		if idx, score := similarity.BestMatch(text, descriptions); idx >= 0 && score >= s.mergeThreshold {
			target := existing[idx]
			target.setStat(effectiveness.Merge(target.stat(), incoming))
			if err := tx.Model(&Solution{}).Where("id = ?", target.ID).Updates(map[string]any{
				"effectiveness_total": target.EffectivenessTotal,
				"times_applied":       target.TimesApplied,
				"effectiveness":       target.Effectiveness,
			}).Error; err != nil {
				return wrapErr("merge solution", err)
			}
			result.CentralID = target.ID
			result.Merged = true
		} else {
			steps, err := json.Marshal(req.Steps)
			if err != nil {
				return fmt.Errorf("encoding steps: %w", err)
			}
			created := Solution{
				ID:               uuid.NewString(),
				PatternID:        req.PatternID,
				Title:            req.Title,
				Description:      req.Description,
				CodeChange:       req.CodeChange,
				StepsJSON:        string(steps),
				MinutesToResolve: req.MinutesToResolve,
				AppliedBy:        req.AppliedBy,
			}
			created.setStat(incoming)
			if err := tx.Create(&created).Error; err != nil {
				return wrapErr("insert solution", err)
			}
			result.CentralID = created.ID
			result.Created = true
		}

		return wrapErr("record solution contribution", tx.Create(&SolutionContribution{
			InstanceID:      req.InstanceID,
			LocalSolutionID: req.LocalSolutionID,
			SolutionID:      result.CentralID,
			Merged:          result.Merged,
		}).Error)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find or create solution failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("central.solution_id", result.CentralID),
		attribute.Bool("created", result.Created),
		attribute.Bool("merged", result.Merged),
	)
	return &result, nil
}

func solutionText(description, title string) string {
	if strings.TrimSpace(description) != "" {
		return description
	}
	return title
}

// RecordFeedback folds one forwarded feedback event into a solution. Events
// are keyed by id, so forwarding the same event twice changes nothing.
func (s *Store) RecordFeedback(ctx context.Context, req *pattern.FeedbackSyncRequest) error {
	ctx, span := s.tracer.Start(ctx, "centralstore.record_feedback")
	defer span.End()

	if err := req.Validate(); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sol Solution
		if err := tx.Clauses(forUpdate).Where("id = ?", req.SolutionID).Take(&sol).Error; err != nil {
			return wrapErr(fmt.Sprintf("solution %s", req.SolutionID), err)
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Feedback{
			EventID:    req.EventID,
			SolutionID: req.SolutionID,
			Effective:  req.Effective,
			Rating:     req.Rating,
			Notes:      req.Notes,
		})
		if res.Error != nil {
			return wrapErr("insert feedback", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		sol.setStat(sol.stat().Observe(req.Rating))
		return wrapErr("update solution effectiveness", tx.Model(&Solution{}).Where("id = ?", sol.ID).Updates(map[string]any{
			"effectiveness_total": sol.EffectivenessTotal,
			"times_applied":       sol.TimesApplied,
			"effectiveness":       sol.Effectiveness,
		}).Error)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record feedback failed")
	}
	return err
}

// AppendSyncRecord adds a row to the central audit log.
func (s *Store) AppendSyncRecord(ctx context.Context, rec *pattern.SyncRecord) error {
	if rec == nil || rec.LocalID == "" || rec.EntityType == "" || rec.Status == "" {
		return fmt.Errorf("%w: sync record needs entity type, local id, and status", pattern.ErrValidation)
	}
	row := SyncRecord{
		InstanceID:   rec.InstanceID,
		EntityType:   string(rec.EntityType),
		LocalID:      rec.LocalID,
		CentralID:    rec.CentralID,
		Status:       string(rec.Status),
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapErr("append sync record", err)
	}
	rec.ID = int64(row.ID)
	rec.CreatedAt = row.CreatedAt
	return nil
}
