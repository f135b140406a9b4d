// Package localstore is the embedded per-project pattern store.
//
// It keeps patterns, solutions, technology tags, feedback events, the
// activity stream, and the sync audit log in a SQLite database opened in WAL
// mode. One connection
// serializes writes; a separate read-only pool serves concurrent reads.
// Nothing in this package performs network I/O, so capture and search never
// wait on sync.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/secrets"
	"github.com/fyrsmithlabs/errorkb/internal/similarity"

	_ "modernc.org/sqlite"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/errorkb/internal/localstore"

	// DefaultSearchLimit is used when Search is called with limit <= 0.
	DefaultSearchLimit = 10

	defaultCheckpointInterval = 5 * time.Minute
	defaultReadConns          = 4

	metaInstanceID = "instance_id"
)

// Options configures a Store.
type Options struct {
	Logger *zap.Logger

	// Scrubber redacts secrets from captured text. Nil disables scrubbing.
	Scrubber secrets.Scrubber

	// Matcher scores fuzzy search and Match. Nil uses the default threshold.
	Matcher *similarity.Matcher

	// Now overrides the clock.
	Now func() time.Time

	// CheckpointInterval is how often the WAL is truncated.
	CheckpointInterval time.Duration

	// ReadConns sizes the read-only pool.
	ReadConns int
}

// Store is a SQLite-backed local pattern store.
type Store struct {
	db     *sql.DB
	readDB *sql.DB
	path   string

	logger   *zap.Logger
	scrubber secrets.Scrubber
	matcher  *similarity.Matcher
	now      func() time.Time

	instanceID string

	tracer         trace.Tracer
	captureCounter metric.Int64Counter
	searchCounter  metric.Int64Counter

	stopCh    chan struct{}
	stoppedCh chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// DefaultPath returns the project-local database path.
func DefaultPath() string {
	return filepath.Join(".errorkb", "patterns.db")
}

// Open opens or creates the store at path and applies migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path == ":memory:" {
		return nil, fmt.Errorf("%w: in-memory databases are not supported, use a file path", pattern.ErrValidation)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connecting to database: %v", pattern.ErrStoreUnavailable, err)
	}

	s := &Store{
		db:        db,
		path:      path,
		logger:    opts.Logger,
		scrubber:  opts.Scrubber,
		matcher:   opts.Matcher,
		now:       opts.Now,
		tracer:    otel.Tracer(instrumentationName),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.scrubber == nil {
		s.scrubber = secrets.NoopScrubber{}
	}
	if s.matcher == nil {
		s.matcher = similarity.NewMatcher(similarity.DefaultThreshold)
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.loadInstanceID(ctx); err != nil {
		db.Close()
		return nil, err
	}

	readDSN := dsn + "&_pragma=query_only(1)"
	s.readDB, err = sql.Open("sqlite", readDSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening read pool: %w", err)
	}
	conns := opts.ReadConns
	if conns <= 0 {
		conns = defaultReadConns
	}
	s.readDB.SetMaxOpenConns(conns)

	s.initMetrics()

	interval := opts.CheckpointInterval
	if interval <= 0 {
		interval = defaultCheckpointInterval
	}
	go s.walCheckpointLoop(interval)

	s.logger.Debug("local store opened",
		zap.String("path", path),
		zap.String("instance_id", s.instanceID))
	return s, nil
}

func (s *Store) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	s.captureCounter, err = meter.Int64Counter(
		"errorkb.localstore.captures_total",
		metric.WithDescription("Total number of captured error occurrences"),
		metric.WithUnit("{capture}"),
	)
	if err != nil {
		s.logger.Warn("failed to create capture counter", zap.Error(err))
	}

	s.searchCounter, err = meter.Int64Counter(
		"errorkb.localstore.searches_total",
		metric.WithDescription("Total number of local pattern searches"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		s.logger.Warn("failed to create search counter", zap.Error(err))
	}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// InstanceID identifies this store to the central store. It is generated on
// first open and persisted.
func (s *Store) InstanceID() string {
	return s.instanceID
}

// Close stops background work and closes both pools. It is safe to call more
// than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopCh)
		<-s.stoppedCh

		if s.readDB != nil {
			_ = s.readDB.Close()
		}
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) walCheckpointLoop(interval time.Duration) {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.logger.Warn("WAL checkpoint failed", zap.Error(err))
			}
		}
	}
}

func (s *Store) migrate(ctx context.Context) error {
	current := 0
	row := s.db.QueryRowContext(ctx, `SELECT version FROM schema_meta ORDER BY version DESC LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		if !errors.Is(err, sql.ErrNoRows) && !isTableNotFoundError(err) {
			return fmt.Errorf("reading schema version: %w", err)
		}
		current = 0
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{version: 1, sql: migrationV1},
		{version: 2, sql: migrationV2},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration v%d failed: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO schema_meta (version, applied_at_unix_ms) VALUES (?, ?)`,
			m.version, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) loadInstanceID(ctx context.Context) error {
	candidate := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO store_meta (key, value) VALUES (?, ?)`,
		metaInstanceID, candidate); err != nil {
		return fmt.Errorf("writing instance id: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT value FROM store_meta WHERE key = ?`, metaInstanceID).Scan(&s.instanceID); err != nil {
		return fmt.Errorf("reading instance id: %w", err)
	}
	return nil
}

// checkOpen fails fast once Close has been called.
func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return fmt.Errorf("%w: store is closed", pattern.ErrStoreUnavailable)
	}
	return nil
}

// withTx runs fn in a write transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

// wrapErr classifies driver errors. Busy, locked, and closed databases map
// to ErrStoreUnavailable; errors that already carry a sentinel pass through.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		pattern.ErrNotFound, pattern.ErrValidation, pattern.ErrStoreUnavailable, pattern.ErrSyncConflict,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if isUnavailableError(err) {
		return fmt.Errorf("%w: %s: %v", pattern.ErrStoreUnavailable, op, err)
	}
	if isWriteOnceError(err) {
		return fmt.Errorf("%w: %s: %v", pattern.ErrSyncConflict, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailableError(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "disk i/o error") ||
		strings.Contains(msg, "readonly database")
}

func isWriteOnceError(err error) bool {
	return strings.Contains(err.Error(), "central_id is write-once")
}

func isTableNotFoundError(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromUnixMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
