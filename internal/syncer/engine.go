// Package syncer pushes local patterns, solutions, and feedback to the central
// store.
//
// A cycle walks the unsynced patterns most-frequent first. For each one it
// finds or creates the central pattern, pushes the pattern's unsynced
// solutions, appends audit records on both sides, and finally marks the
// local rows synced. Central calls are rate limited, retried with
// exponential backoff on transient errors, and guarded by a circuit breaker.
// The central ledgers make every step safe to repeat, so a pattern that
// fails part way is simply retried next cycle.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/errorkb/internal/config"
	"github.com/fyrsmithlabs/errorkb/internal/logging"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

const instrumentationName = "github.com/fyrsmithlabs/errorkb/internal/syncer"

// ErrAlreadyStarted is returned by Start on a running engine.
var ErrAlreadyStarted = errors.New("sync engine already started")

// Local is the local store as seen by the engine.
type Local interface {
	InstanceID() string
	GetUnsyncedPatterns(ctx context.Context) ([]pattern.ErrorPattern, error)
	GetUnsyncedSolutions(ctx context.Context) ([]pattern.Solution, error)
	GetUnsyncedSolutionsForPattern(ctx context.Context, patternID string) ([]pattern.Solution, error)
	GetUnsyncedFeedback(ctx context.Context) ([]pattern.FeedbackEvent, error)
	GetPattern(ctx context.Context, id string) (*pattern.ErrorPattern, error)
	MarkPatternSynced(ctx context.Context, localID, centralID string, contributed int64) error
	MarkSolutionSynced(ctx context.Context, localID, centralID string, timesApplied int64) error
	MarkFeedbackSynced(ctx context.Context, eventID string) error
	AppendSyncRecord(ctx context.Context, rec *pattern.SyncRecord) error
}

// Central is the shared store. Implementations return errors wrapping
// pattern.ErrSyncTransient for failures worth retrying.
type Central interface {
	FindOrCreatePattern(ctx context.Context, req *pattern.PatternSyncRequest) (*pattern.PatternSyncResult, error)
	FindOrCreateSolution(ctx context.Context, req *pattern.SolutionSyncRequest) (*pattern.SolutionSyncResult, error)
	RecordFeedback(ctx context.Context, req *pattern.FeedbackSyncRequest) error
	AppendSyncRecord(ctx context.Context, rec *pattern.SyncRecord) error
}

// Config tunes the engine.
type Config struct {
	// Interval between scheduled cycles. Zero disables the ticker; cycles
	// then run only on Trigger.
	Interval time.Duration

	// PatternTimeout bounds the whole protocol for one pattern, including
	// retries. It also bounds how long a cancelled cycle keeps running.
	PatternTimeout time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	BreakerThreshold int
	BreakerReset     time.Duration

	// RateLimit is central calls per second; zero means unlimited.
	RateLimit float64
	RateBurst int

	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider

	// Now overrides the clock used by the breaker and sync records.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         15 * time.Minute,
		PatternTimeout:   30 * time.Second,
		MaxAttempts:      3,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     5 * time.Minute,
		RateLimit:        10,
		RateBurst:        5,
	}
}

// FromSettings maps the sync config section onto a Config.
func FromSettings(s config.SyncConfig) Config {
	cfg := DefaultConfig()
	cfg.Interval = s.Interval.Duration()
	if d := s.PatternTimeout.Duration(); d > 0 {
		cfg.PatternTimeout = d
	}
	if s.MaxAttempts > 0 {
		cfg.MaxAttempts = s.MaxAttempts
	}
	if d := s.InitialBackoff.Duration(); d > 0 {
		cfg.InitialBackoff = d
	}
	if d := s.MaxBackoff.Duration(); d > 0 {
		cfg.MaxBackoff = d
	}
	if s.BreakerThreshold > 0 {
		cfg.BreakerThreshold = s.BreakerThreshold
	}
	if d := s.BreakerReset.Duration(); d > 0 {
		cfg.BreakerReset = d
	}
	cfg.RateLimit = s.RateLimit
	cfg.RateBurst = s.RateBurst
	return cfg
}

func (c *Config) validate() error {
	var errs []error
	if c.Interval < 0 {
		errs = append(errs, errors.New("interval must not be negative"))
	}
	if c.PatternTimeout <= 0 {
		errs = append(errs, errors.New("pattern timeout must be positive"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max attempts must be at least 1"))
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, errors.New("backoff must satisfy 0 < initial <= max"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

// Summary reports what one cycle did.
type Summary struct {
	CycleID         string        `json:"cycle_id"`
	PatternsSynced  int           `json:"patterns_synced"`
	PatternsFailed  int           `json:"patterns_failed"`
	SolutionsSynced int           `json:"solutions_synced"`
	SolutionsFailed int           `json:"solutions_failed"`
	FeedbackSynced  int           `json:"feedback_synced"`
	FeedbackFailed  int           `json:"feedback_failed"`
	Abandoned       int           `json:"abandoned"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
}

func (s *Summary) addError(kind pattern.EntityType, id string, err error) {
	s.Errors = append(s.Errors, fmt.Sprintf("%s %s: %v", kind, id, err))
}

// Engine runs sync cycles. Cycles are serialized.
type Engine struct {
	cfg     Config
	local   Local
	central Central
	logger  *logging.Logger
	tracer  trace.Tracer
	now     func() time.Time

	limiter *rate.Limiter
	breaker *CircuitBreaker
	states  *stateTracker
	metrics *metrics

	cycleMu sync.Mutex

	mu        sync.Mutex
	cancel    context.CancelFunc
	triggerCh chan struct{}
	wg        sync.WaitGroup
	last      *Summary
	lastAt    time.Time
}

// New creates an engine. A nil logger discards output.
func New(cfg Config, local Local, central Central, logger *logging.Logger) (*Engine, error) {
	if local == nil || central == nil {
		return nil, fmt.Errorf("%w: local and central stores are required", pattern.ErrValidation)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: sync config: %v", pattern.ErrValidation, err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &Engine{
		cfg:       cfg,
		local:     local,
		central:   central,
		logger:    logger.Named("syncer"),
		tracer:    tp.Tracer(instrumentationName),
		now:       now,
		limiter:   rate.NewLimiter(limit, burst),
		breaker:   NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerReset, now),
		states:    newStateTracker(),
		metrics:   newMetrics(cfg.Registerer),
		triggerCh: make(chan struct{}, 1),
	}, nil
}

// State returns the sync state of a local pattern. Patterns the engine has
// not seen are UNSYNCED.
func (e *Engine) State(localID string) State {
	return e.states.get(localID)
}

// States returns a copy of every tracked pattern state.
func (e *Engine) States() map[string]State {
	return e.states.snapshot()
}

// Breaker exposes the central circuit breaker.
func (e *Engine) Breaker() *CircuitBreaker {
	return e.breaker
}

// LastSummary returns the most recent cycle summary and when it finished.
func (e *Engine) LastSummary() (Summary, time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Summary{}, time.Time{}, false
	}
	return *e.last, e.lastAt, true
}

// Start launches the scheduled loop. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(ctx)
	}()
	e.logger.Info(ctx, "sync engine started")
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	var tick <-chan time.Time
	if e.cfg.Interval > 0 {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-e.triggerCh:
		}
		if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn(ctx, "sync cycle failed", zap.Error(err))
		}
	}
}

// Trigger requests a cycle from the running loop. It never blocks; a
// request made while one is already queued is dropped.
func (e *Engine) Trigger() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for the cycle in flight. It is safe to
// call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info(context.Background(), "sync engine stopped")
}

// RunOnce runs one cycle synchronously. Per-record failures are reported in
// the summary; the error is non-nil only when the cycle could not start or
// was cancelled.
func (e *Engine) RunOnce(ctx context.Context) (Summary, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := e.now()
	sum, err := e.runCycle(ctx)
	sum.Duration = e.now().Sub(start)

	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.cycles.WithLabelValues(result).Inc()
	e.metrics.cycleDuration.Observe(sum.Duration.Seconds())
	e.metrics.abandoned.Add(float64(sum.Abandoned))
	e.metrics.observeBreaker(e.breaker)

	e.mu.Lock()
	e.last = &sum
	e.lastAt = e.now()
	e.mu.Unlock()
	return sum, err
}

// Task is a cycle running in the background.
type Task struct {
	cancel  context.CancelFunc
	done    chan struct{}
	summary Summary
	err     error
}

// Launch starts one cycle in its own goroutine.
func (e *Engine) Launch(ctx context.Context) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.summary, t.err = e.RunOnce(ctx)
	}()
	return t
}

// Cancel stops the cycle after the pattern in flight.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the cycle returns.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the cycle returns.
func (t *Task) Wait() (Summary, error) {
	<-t.done
	return t.summary, t.err
}
