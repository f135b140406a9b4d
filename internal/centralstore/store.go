// Package centralstore is the shared pattern store that local stores sync
// into.
//
// It runs on gorm with a PostgreSQL dialector in production and a SQLite
// dialector for embedded use and tests. Find-or-create operations are atomic
// under concurrent writers: an INSERT ... ON CONFLICT DO NOTHING followed by a
// locked read of the winning row. Per-instance contribution ledgers make every
// sync request safe to retry.
package centralstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/similarity"
)

const instrumentationName = "github.com/fyrsmithlabs/errorkb/internal/centralstore"

// DefaultMergeThreshold is the description similarity at or above which an
// incoming solution merges into an existing one.
const DefaultMergeThreshold = 0.8

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config configures Open.
type Config struct {
	Driver string
	DSN    string

	// MergeThreshold defaults to DefaultMergeThreshold.
	MergeThreshold float64

	// MatchThreshold is the minimum score for Search results.
	MatchThreshold float64

	MaxOpenConns int

	// LogSQL enables gorm's statement logger.
	LogSQL bool
}

// Store is the central pattern store.
type Store struct {
	db             *gorm.DB
	logger         *zap.Logger
	matcher        *similarity.Matcher
	mergeThreshold float64
	now            func() time.Time
	tracer         trace.Tracer
}

// Open connects with the configured driver and migrates the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: central store DSN is required", pattern.ErrValidation)
	}

	level := gormLogger.Silent
	if cfg.LogSQL {
		level = gormLogger.Info
	}
	gcfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(level),
	}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case DriverPostgres, "postgresql", "":
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite, "sqlite3":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	default:
		return nil, fmt.Errorf("%w: unknown central store driver %q", pattern.ErrValidation, cfg.Driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to central store: %v", pattern.ErrStoreUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("central store handle: %w", err)
	}
	if db.Dialector.Name() == DriverSQLite {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: pinging central store: %v", pattern.ErrStoreUnavailable, err)
	}

	s, err := New(ctx, db, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if cfg.MergeThreshold > 0 {
		s.mergeThreshold = cfg.MergeThreshold
	}
	if cfg.MatchThreshold > 0 {
		s.matcher = similarity.NewMatcher(cfg.MatchThreshold)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

// New wraps an open gorm handle and migrates the schema.
func New(ctx context.Context, db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm handle is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("migrating central store: %w", err)
	}
	return &Store{
		db:             db,
		logger:         logger,
		matcher:        similarity.NewMatcher(similarity.DefaultThreshold),
		mergeThreshold: DefaultMergeThreshold,
		now:            time.Now,
		tracer:         otel.Tracer(instrumentationName),
	}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", pattern.ErrStoreUnavailable, err)
	}
	return nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() (*sql.DB, error) {
	return s.db.DB()
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{pattern.ErrNotFound, pattern.ErrValidation, pattern.ErrStoreUnavailable} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", pattern.ErrNotFound, op)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is closed") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "too many clients") {
		return fmt.Errorf("%w: %s: %v", pattern.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
