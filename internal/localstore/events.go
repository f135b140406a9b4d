package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

// DefaultEventLimit is used when RecentEvents is called with limit <= 0.
const DefaultEventLimit = 10

const eventSelect = `
SELECT seq, id, type, pattern_id, solution_id, content, rating, context_json, created_at_unix_ms
FROM events`

// appendEvent writes ev to the activity stream inside tx. Context values are
// scrubbed; ID and CreatedAt are filled when empty.
func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, ev *pattern.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	var contextJSON []byte
	if len(ev.Context) > 0 {
		scrubbed := make(map[string]string, len(ev.Context))
		for k, v := range ev.Context {
			scrubbed[k] = s.scrubber.Scrub(v).Scrubbed
		}
		ev.Context = scrubbed
		var err error
		if contextJSON, err = json.Marshal(scrubbed); err != nil {
			return fmt.Errorf("encoding event context: %w", err)
		}
	} else {
		contextJSON = []byte("{}")
	}

	var rating any
	if ev.Rating != 0 {
		rating = ev.Rating
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, type, pattern_id, solution_id, content, rating, context_json, created_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.PatternID, ev.SolutionID, ev.Content, rating,
		string(contextJSON), ev.CreatedAt.UnixMilli())
	if err != nil {
		return wrapErr("append event", err)
	}
	ev.Seq, _ = res.LastInsertId()
	return nil
}

// RecentEvents returns the newest events first. An empty typ returns every
// type.
func (s *Store) RecentEvents(ctx context.Context, limit int, typ pattern.EventType) ([]pattern.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if typ != "" && !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", pattern.ErrValidation, typ)
	}
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if typ == "" {
		rows, err = s.readDB.QueryContext(ctx, eventSelect+` ORDER BY seq DESC LIMIT ?`, limit)
	} else {
		rows, err = s.readDB.QueryContext(ctx, eventSelect+` WHERE type = ? ORDER BY seq DESC LIMIT ?`, string(typ), limit)
	}
	if err != nil {
		return nil, wrapErr("query events", err)
	}
	defer rows.Close()

	var out []pattern.Event
	for rows.Next() {
		var (
			ev          pattern.Event
			evType      string
			rating      sql.NullInt64
			contextJSON string
			createdMs   int64
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &evType, &ev.PatternID, &ev.SolutionID, &ev.Content,
			&rating, &contextJSON, &createdMs); err != nil {
			return nil, wrapErr("scan event", err)
		}
		ev.Type = pattern.EventType(evType)
		if rating.Valid {
			ev.Rating = int(rating.Int64)
		}
		if contextJSON != "" && contextJSON != "{}" {
			if err := json.Unmarshal([]byte(contextJSON), &ev.Context); err != nil {
				return nil, fmt.Errorf("decoding event context: %w", err)
			}
		}
		ev.CreatedAt = fromUnixMs(createdMs)
		out = append(out, ev)
	}
	return out, wrapErr("iterate events", rows.Err())
}
