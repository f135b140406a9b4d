package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

const feedbackSelect = `
SELECT f.id, f.solution_id, f.effective, f.rating, f.notes, f.created_at_unix_ms, f.synced,
	COALESCE(s.central_id, '')
FROM feedback_events f
JOIN solutions s ON s.id = f.solution_id`

// GetUnsyncedPatterns returns patterns with occurrences not yet contributed
// to the central store, most frequent first.
func (s *Store) GetUnsyncedPatterns(ctx context.Context) ([]pattern.ErrorPattern, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.readDB.QueryContext(ctx, patternSelect+`
		WHERE p.id IN (SELECT id FROM unsynced_items WHERE entity_type = 'pattern')
		ORDER BY p.occurrence_count DESC, p.id`)
	if err != nil {
		return nil, wrapErr("query unsynced patterns", err)
	}
	defer rows.Close()

	var out []pattern.ErrorPattern
	for rows.Next() {
		p, _, err := scanPattern(rows)
		if err != nil {
			return nil, wrapErr("scan pattern", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate unsynced patterns", err)
	}
	rows.Close()

	for i := range out {
		if out[i].Technologies, err = listTechnologies(ctx, s.readDB, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetUnsyncedSolutions returns unsynced solutions ordered by their pattern's
// occurrence count.
func (s *Store) GetUnsyncedSolutions(ctx context.Context) ([]pattern.Solution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return querySolutions(ctx, s.readDB, `
		SELECT s.id, s.pattern_id, s.title, s.description, s.code_change, s.steps_json,
			s.minutes_to_resolve, s.effectiveness, s.times_applied, s.applied_by,
			s.created_at_unix_ms, s.synced, COALESCE(s.central_id, '')
		FROM solutions s
		JOIN unsynced_items u ON u.entity_type = 'solution' AND u.id = s.id
		ORDER BY u.weight DESC, s.created_at_unix_ms, s.id`)
}

// GetUnsyncedSolutionsForPattern returns one pattern's unsynced solutions.
func (s *Store) GetUnsyncedSolutionsForPattern(ctx context.Context, patternID string) ([]pattern.Solution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return querySolutions(ctx, s.readDB,
		solutionSelect+` WHERE pattern_id = ? AND synced = 0 ORDER BY created_at_unix_ms, id`, patternID)
}

// GetUnsyncedFeedback returns feedback events for solutions that already
// have a central id and so can be forwarded.
func (s *Store) GetUnsyncedFeedback(ctx context.Context) ([]pattern.FeedbackEvent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return queryFeedback(ctx, s.readDB, feedbackSelect+`
		WHERE f.synced = 0 AND s.central_id IS NOT NULL
		ORDER BY f.seq`)
}

func queryFeedback(ctx context.Context, q querier, query string, args ...any) ([]pattern.FeedbackEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query feedback", err)
	}
	defer rows.Close()

	var out []pattern.FeedbackEvent
	for rows.Next() {
		var (
			ev        pattern.FeedbackEvent
			effective sql.NullInt64
			createdMs int64
			synced    int
		)
		if err := rows.Scan(&ev.ID, &ev.SolutionID, &effective, &ev.Rating, &ev.Notes,
			&createdMs, &synced, &ev.SolutionCentralID); err != nil {
			return nil, wrapErr("scan feedback", err)
		}
		if effective.Valid {
			v := effective.Int64 != 0
			ev.Effective = &v
		}
		ev.CreatedAt = fromUnixMs(createdMs)
		ev.Synced = synced != 0
		out = append(out, ev)
	}
	return out, wrapErr("iterate feedback", rows.Err())
}

// MarkPatternSynced records the central id of a pattern and how many of its
// occurrences the central store now holds. Repeating the call with the same
// central id is a no-op; a different central id fails with ErrSyncConflict.
// The pattern stays unsynced if it was captured again after contributed was
// read.
func (s *Store) MarkPatternSynced(ctx context.Context, localID, centralID string, contributed int64) error {
	if centralID == "" {
		return fmt.Errorf("%w: central id is required", pattern.ErrValidation)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(central_id, '') FROM patterns WHERE id = ?`, localID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: pattern %s", pattern.ErrNotFound, localID)
		}
		if err != nil {
			return wrapErr("lookup pattern", err)
		}
		if existing != "" && existing != centralID {
			return fmt.Errorf("%w: pattern %s already maps to %s, not %s",
				pattern.ErrSyncConflict, localID, existing, centralID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE patterns SET
				central_id = ?,
				synced_occurrences = MAX(synced_occurrences, MIN(?, occurrence_count)),
				synced = CASE WHEN occurrence_count <= ? THEN 1 ELSE 0 END
			WHERE id = ?`,
			centralID, contributed, contributed, localID)
		return wrapErr("mark pattern synced", err)
	})
}

// MarkSolutionSynced records the central id of a solution. timesApplied is
// the count that was sent; the feedback events already folded into it are
// marked synced too so they are not forwarded a second time.
func (s *Store) MarkSolutionSynced(ctx context.Context, localID, centralID string, timesApplied int64) error {
	if centralID == "" {
		return fmt.Errorf("%w: central id is required", pattern.ErrValidation)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(central_id, '') FROM solutions WHERE id = ?`, localID).Scan(&existing)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: solution %s", pattern.ErrNotFound, localID)
		}
		if err != nil {
			return wrapErr("lookup solution", err)
		}
		if existing != "" && existing != centralID {
			return fmt.Errorf("%w: solution %s already maps to %s, not %s",
				pattern.ErrSyncConflict, localID, existing, centralID)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE solutions SET central_id = ?, synced = 1 WHERE id = ?`, centralID, localID); err != nil {
			return wrapErr("mark solution synced", err)
		}
		if existing != "" || timesApplied <= 1 {
			return nil
		}
		// The initial rating is not an event, so timesApplied-1 events were
		// sent: the oldest ones, since ratings are folded in seq order.
		_, err = tx.ExecContext(ctx, `
			UPDATE feedback_events SET synced = 1
			WHERE id IN (
				SELECT id FROM feedback_events
				WHERE solution_id = ?
				ORDER BY seq
				LIMIT ?
			)`, localID, timesApplied-1)
		return wrapErr("mark included feedback synced", err)
	})
}

// MarkFeedbackSynced marks one forwarded feedback event.
func (s *Store) MarkFeedbackSynced(ctx context.Context, eventID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE feedback_events SET synced = 1 WHERE id = ?`, eventID)
		if err != nil {
			return wrapErr("mark feedback synced", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: feedback event %s", pattern.ErrNotFound, eventID)
		}
		return nil
	})
}

// AppendSyncRecord adds a row to the append-only sync audit log.
func (s *Store) AppendSyncRecord(ctx context.Context, rec *pattern.SyncRecord) error {
	if rec == nil || rec.LocalID == "" || rec.EntityType == "" || rec.Status == "" {
		return fmt.Errorf("%w: sync record needs entity type, local id, and status", pattern.ErrValidation)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sync_records (entity_type, local_id, central_id, status, error_message, created_at_unix_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(rec.EntityType), rec.LocalID, rec.CentralID, string(rec.Status),
			rec.ErrorMessage, created.UnixMilli())
		if err != nil {
			return wrapErr("append sync record", err)
		}
		rec.ID, _ = res.LastInsertId()
		rec.CreatedAt = created
		return nil
	})
}

// ListSyncRecords returns the most recent audit rows first.
func (s *Store) ListSyncRecords(ctx context.Context, limit int) ([]pattern.SyncRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, entity_type, local_id, central_id, status, error_message, created_at_unix_ms
		FROM sync_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr("query sync records", err)
	}
	defer rows.Close()

	var out []pattern.SyncRecord
	for rows.Next() {
		var (
			rec        pattern.SyncRecord
			entityType string
			status     string
			createdMs  int64
		)
		if err := rows.Scan(&rec.ID, &entityType, &rec.LocalID, &rec.CentralID, &status,
			&rec.ErrorMessage, &createdMs); err != nil {
			return nil, wrapErr("scan sync record", err)
		}
		rec.InstanceID = s.instanceID
		rec.EntityType = pattern.EntityType(entityType)
		rec.Status = pattern.SyncStatus(status)
		rec.CreatedAt = fromUnixMs(createdMs)
		out = append(out, rec)
	}
	return out, wrapErr("iterate sync records", rows.Err())
}
