package localstore

const migrationV1 = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version            INTEGER PRIMARY KEY,
	applied_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS patterns (
	id                 TEXT PRIMARY KEY,
	signature          TEXT NOT NULL,
	pattern            TEXT NOT NULL,
	category           TEXT NOT NULL DEFAULT '',
	language           TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	severity           TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high', 'critical')),
	occurrence_count   INTEGER NOT NULL DEFAULT 1 CHECK (occurrence_count >= 1),
	synced_occurrences INTEGER NOT NULL DEFAULT 0,
	first_seen_unix_ms INTEGER NOT NULL,
	last_seen_unix_ms  INTEGER NOT NULL,
	synced             INTEGER NOT NULL DEFAULT 0,
	central_id         TEXT
);

CREATE INDEX IF NOT EXISTS idx_patterns_language ON patterns(language);
CREATE INDEX IF NOT EXISTS idx_patterns_unsynced ON patterns(synced, occurrence_count DESC);

CREATE TABLE IF NOT EXISTS pattern_technologies (
	pattern_id TEXT NOT NULL REFERENCES patterns(id),
	technology TEXT NOT NULL,
	PRIMARY KEY (pattern_id, technology)
);

CREATE TABLE IF NOT EXISTS solutions (
	id                 TEXT PRIMARY KEY,
	pattern_id         TEXT NOT NULL REFERENCES patterns(id),
	title              TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	code_change        TEXT NOT NULL DEFAULT '',
	steps_json         TEXT NOT NULL DEFAULT '[]',
	minutes_to_resolve INTEGER NOT NULL DEFAULT 0,
	effectiveness      REAL NOT NULL CHECK (effectiveness >= 1 AND effectiveness <= 5),
	times_applied      INTEGER NOT NULL DEFAULT 1 CHECK (times_applied >= 1),
	applied_by         TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL,
	synced             INTEGER NOT NULL DEFAULT 0,
	central_id         TEXT
);

CREATE INDEX IF NOT EXISTS idx_solutions_pattern ON solutions(pattern_id);

CREATE TABLE IF NOT EXISTS feedback_events (
	id                 TEXT PRIMARY KEY,
	solution_id        TEXT NOT NULL REFERENCES solutions(id),
	effective          INTEGER,
	rating             INTEGER NOT NULL CHECK (rating >= 1 AND rating <= 5),
	notes              TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL,
	synced             INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_feedback_solution ON feedback_events(solution_id);

CREATE TABLE IF NOT EXISTS sync_records (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type        TEXT NOT NULL CHECK (entity_type IN ('pattern', 'solution', 'feedback')),
	local_id           TEXT NOT NULL,
	central_id         TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL CHECK (status IN ('success', 'failed', 'pending')),
	error_message      TEXT NOT NULL DEFAULT '',
	created_at_unix_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_records_local ON sync_records(entity_type, local_id);

CREATE TRIGGER IF NOT EXISTS patterns_central_id_write_once
BEFORE UPDATE OF central_id ON patterns
WHEN OLD.central_id IS NOT NULL AND NEW.central_id IS NOT OLD.central_id
BEGIN
	SELECT RAISE(ABORT, 'central_id is write-once');
END;

CREATE TRIGGER IF NOT EXISTS solutions_central_id_write_once
BEFORE UPDATE OF central_id ON solutions
WHEN OLD.central_id IS NOT NULL AND NEW.central_id IS NOT OLD.central_id
BEGIN
	SELECT RAISE(ABORT, 'central_id is write-once');
END;

CREATE TRIGGER IF NOT EXISTS patterns_monotonic
BEFORE UPDATE OF occurrence_count, last_seen_unix_ms ON patterns
WHEN NEW.occurrence_count < OLD.occurrence_count OR NEW.last_seen_unix_ms < OLD.last_seen_unix_ms
BEGIN
	SELECT RAISE(ABORT, 'occurrence_count and last_seen never decrease');
END;

CREATE TRIGGER IF NOT EXISTS sync_records_append_only_update
BEFORE UPDATE ON sync_records
BEGIN
	SELECT RAISE(ABORT, 'sync_records is append-only');
END;

CREATE TRIGGER IF NOT EXISTS sync_records_append_only_delete
BEFORE DELETE ON sync_records
BEGIN
	SELECT RAISE(ABORT, 'sync_records is append-only');
END;

CREATE VIEW IF NOT EXISTS unsynced_items AS
	SELECT 'pattern' AS entity_type, p.id AS id, p.id AS pattern_id, p.occurrence_count AS weight
	FROM patterns p
	WHERE p.synced = 0
	UNION ALL
	SELECT 'solution', s.id, s.pattern_id, p.occurrence_count
	FROM solutions s
	JOIN patterns p ON p.id = s.pattern_id
	WHERE s.synced = 0;

CREATE VIEW IF NOT EXISTS pattern_solution_counts AS
	SELECT p.id AS pattern_id,
		COUNT(s.id) AS solution_count,
		COALESCE(SUM(s.effectiveness * s.times_applied) / NULLIF(SUM(s.times_applied), 0), 0) AS effectiveness
	FROM patterns p
	LEFT JOIN solutions s ON s.pattern_id = p.id
	GROUP BY p.id;
`

// migrationV2 orders feedback by insertion and adds the activity stream.
const migrationV2 = `
ALTER TABLE feedback_events ADD COLUMN seq INTEGER NOT NULL DEFAULT 0;
UPDATE feedback_events SET seq = rowid;
CREATE INDEX IF NOT EXISTS idx_feedback_solution_seq ON feedback_events(solution_id, seq);

CREATE TABLE IF NOT EXISTS events (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	id                 TEXT NOT NULL UNIQUE,
	type               TEXT NOT NULL CHECK (type IN ('error', 'solution', 'feedback', 'seed')),
	pattern_id         TEXT NOT NULL DEFAULT '',
	solution_id        TEXT NOT NULL DEFAULT '',
	content            TEXT NOT NULL DEFAULT '',
	rating             INTEGER,
	context_json       TEXT NOT NULL DEFAULT '{}',
	created_at_unix_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, seq);

CREATE TRIGGER IF NOT EXISTS events_append_only_update
BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS events_append_only_delete
BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'events is append-only');
END;
`
