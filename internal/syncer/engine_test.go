package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/errorkb/internal/config"
	"github.com/fyrsmithlabs/errorkb/internal/logging"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/telemetry"
)

func newTestEngine(t *testing.T, cfg Config, local *memLocal, central *fakeCentral) *Engine {
	t.Helper()
	e, err := New(cfg, local, central, nil)
	require.NoError(t, err)
	return e
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(), nil, newFakeCentral(), nil)
	assert.ErrorIs(t, err, pattern.ErrValidation)

	cfg := testConfig()
	cfg.MaxAttempts = 0
	_, err = New(cfg, newMemLocal(), newFakeCentral(), nil)
	assert.ErrorIs(t, err, pattern.ErrValidation)

	cfg = testConfig()
	cfg.MaxBackoff = 0
	_, err = New(cfg, newMemLocal(), newFakeCentral(), nil)
	assert.ErrorIs(t, err, pattern.ErrValidation)
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.Default().Sync)
	assert.Equal(t, DefaultConfig().Interval, cfg.Interval)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Equal(t, 10.0, cfg.RateLimit)

	cfg = FromSettings(config.SyncConfig{MaxAttempts: 7})
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.PatternTimeout, "unset fields keep defaults")
}

func TestRunOnce_SyncsEverything(t *testing.T) {
	local := newMemLocal()
	local.addPattern("p1", 10)
	local.addPattern("p2", 2)
	local.addSolution("s1", "p1")
	central := newFakeCentral()
	e := newTestEngine(t, testConfig(), local, central)

	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.PatternsSynced)
	assert.Equal(t, 1, sum.SolutionsSynced)
	assert.Zero(t, sum.PatternsFailed)
	assert.Empty(t, sum.Errors)
	assert.NotEmpty(t, sum.CycleID)

	assert.Equal(t, StateSynced, e.State("p1"))
	assert.Equal(t, StateSynced, e.State("p2"))
	assert.Equal(t, StateUnsynced, e.State("unknown"))

	p1 := local.pattern("p1")
	assert.True(t, p1.Synced)
	assert.NotEmpty(t, p1.CentralID)
	assert.Equal(t, int64(10), central.count("go", "error in p1"))

	assert.Len(t, local.recordsWith(pattern.SyncSuccess), 3)
	assert.Len(t, central.records, 3)

	last, at, ok := e.LastSummary()
	require.True(t, ok)
	assert.Equal(t, sum.CycleID, last.CycleID)
	assert.False(t, at.IsZero())
}

func TestRunOnce_SecondCycleIsNoop(t *testing.T) {
	local := newMemLocal()
	local.addPattern("p1", 4)
	central := newFakeCentral()
	e := newTestEngine(t, testConfig(), local, central)

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sum.PatternsSynced)
	assert.Equal(t, 1, central.calls())
	assert.Equal(t, int64(4), central.count("go", "error in p1"))
}

func TestRunOnce_RetriesTransientFailures(t *testing.T) {
	local := newMemLocal()
	local.addPattern("p1", 1)
	central := newFakeCentral()
	central.transientLeft = 2
	e := newTestEngine(t, testConfig(), local, central)

	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsSynced)
	assert.Equal(t, 3, central.calls())
	assert.Equal(t, "closed", e.Breaker().State())
}

func TestRunOnce_ExhaustedRetriesRetryNextCycle(t *testing.T) {
	local := newMemLocal()
	local.addPattern("p1", 3)
	central := newFakeCentral()
	central.transientLeft = 3
	e := newTestEngine(t, testConfig(), local, central)

	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsFailed)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "p1")
	assert.Equal(t, StateFailed, e.State("p1"))
	assert.False(t, local.pattern("p1").Synced)

	failed := local.recordsWith(pattern.SyncFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, pattern.EntityPattern, failed[0].EntityType)
	assert.Contains(t, failed[0].ErrorMessage, "connection refused")

	sum, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsSynced)
	assert.Equal(t, StateSynced, e.State("p1"))
	assert.Equal(t, int64(3), central.count("go", "error in p1"))
}

func TestRunOnce_PermanentErrorNotRetried(t *testing.T) {
	local := newMemLocal()
	local.addPattern("p1", 1)
	central := newFakeCentral()
	central.permanent = pattern.ErrValidation
	e := newTestEngine(t, testConfig(), local, central)

	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsFailed)
	assert.Equal(t, 1, central.calls())
	assert.Equal(t, "closed", e.Breaker().State())
}

func TestRunOnce_MarkSyncedConflict(t *testing.T) {
	local := newMemLocal()
	local.addPattern("p1", 2)
	local.bindCentral("p1", "central-from-another-store")
	central := newFakeCentral()
	e := newTestEngine(t, testConfig(), local, central)

	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.PatternsSynced)
	assert.Equal(t, 1, sum.PatternsFailed)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "sync conflict")
	assert.Equal(t, StateFailed, e.State("p1"))

	failed := local.recordsWith(pattern.SyncFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, pattern.EntityPattern, failed[0].EntityType)
	assert.Equal(t, "p1", failed[0].LocalID)
	assert.NotEmpty(t, failed[0].CentralID)
	assert.NotEqual(t, "central-from-another-store", failed[0].CentralID)
	assert.Contains(t, failed[0].ErrorMessage, "mark pattern synced")
	assert.Empty(t, local.recordsWith(pattern.SyncSuccess), "no success is recorded for a pattern left unmarked")

	p1 := local.pattern("p1")
	assert.False(t, p1.Synced)
	assert.Equal(t, "central-from-another-store", p1.CentralID)

	pending, err := local.GetUnsyncedPatterns(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1, "the pattern is retried next cycle")

	sum, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsFailed)
	assert.Equal(t, 2, central.calls())
	assert.Len(t, local.recordsWith(pattern.SyncFailed), 2)
}

func TestRunOnce_BreakerAbandonsCycle(t *testing.T) {
	local := newMemLocal()
	for i, id := range []string{"p1", "p2", "p3", "p4"} {
		local.addPattern(id, int64(10-i))
	}
	central := newFakeCentral()
	central.transientLeft = 100

	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerThreshold = 2
	e := newTestEngine(t, cfg, local, central)

	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.PatternsFailed)
	assert.Equal(t, 2, sum.Abandoned)
	assert.Equal(t, "open", e.Breaker().State())
	assert.Equal(t, StateUnsynced, e.State("p3"))
}

func TestRunOnce_CancelMidBatch(t *testing.T) {
	local := newMemLocal()
	local.addPattern("p1", 30)
	local.addPattern("p2", 20)
	local.addPattern("p3", 10)
	local.addSolution("s1", "p1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	central := newFakeCentral()
	central.onPattern = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	e := newTestEngine(t, testConfig(), local, central)

	sum, err := e.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.PatternsSynced, "pattern in flight finishes")
	assert.Equal(t, 1, sum.SolutionsSynced)
	assert.Equal(t, 2, sum.Abandoned)
	assert.Equal(t, 1, central.calls())

	assert.True(t, local.pattern("p1").Synced)
	assert.False(t, local.pattern("p2").Synced)
	assert.Equal(t, StateUnsynced, e.State("p2"))
}

func TestRunOnce_LeftoverSolutionsAndFeedback(t *testing.T) {
	local := newMemLocal()
	local.addPattern("p1", 1)
	local.addSolution("s1", "p1")
	central := newFakeCentral()
	e := newTestEngine(t, testConfig(), local, central)

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	local.addSolution("s2", "p1")
	local.addFeedback("f1", "s1")
	local.addSolution("orphan", "missing")

	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.PatternsSynced)
	assert.Equal(t, 1, sum.SolutionsSynced)
	assert.Equal(t, 1, sum.FeedbackSynced)
	assert.Equal(t, 1, central.feedback["f1"])

	sum, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.FeedbackSynced, "forwarded feedback is not resent")
}

func TestRunOnce_Metrics(t *testing.T) {
	local := newMemLocal()
	local.addPattern("p1", 1)
	local.addPattern("p2", 1)
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.Registerer = reg
	e := newTestEngine(t, cfg, local, newFakeCentral())

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.items.WithLabelValues("pattern", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.cycles.WithLabelValues("ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.breakerOpen))

	n, err := testutil.GatherAndCount(reg, "errorkb_sync_cycle_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunOnce_Spans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	local := newMemLocal()
	local.addPattern("p1", 1)
	cfg := testConfig()
	cfg.TracerProvider = tel.TracerProvider()
	e := newTestEngine(t, cfg, local, newFakeCentral())

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	tel.AssertSpanExists(t, "syncer.cycle")
	tel.AssertSpanAttribute(t, "syncer.cycle", "sync.patterns", int64(1))
	tel.AssertSpanAttribute(t, "syncer.pattern", "pattern.id", "p1")
}

func TestRunOnce_LogsCycleContext(t *testing.T) {
	logs := logging.NewTestLogger()
	local := newMemLocal()
	local.addPattern("p1", 1)
	e, err := New(testConfig(), local, newFakeCentral(), logs.Logger)
	require.NoError(t, err)

	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)

	logs.AssertLogged(t, zapcore.InfoLevel, "sync cycle finished")
	logs.AssertField(t, "sync cycle finished", "cycle_id", sum.CycleID)
	logs.AssertField(t, "sync cycle finished", "instance_id", "inst-test")

	entries := logs.FilterMessage("sync cycle finished").All()
	require.NotEmpty(t, entries)
	assert.Equal(t, "syncer", entries[0].LoggerName)
}

func TestEngine_StartTriggerStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	local := newMemLocal()
	local.addPattern("p1", 1)
	e := newTestEngine(t, testConfig(), local, newFakeCentral())

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)

	e.Trigger()
	e.Trigger()
	require.Eventually(t, func() bool {
		_, _, ok := e.LastSummary()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	e.Stop()
	e.Stop()
	assert.Equal(t, StateSynced, e.State("p1"))
}

func TestEngine_IntervalLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	local := newMemLocal()
	local.addPattern("p1", 1)
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	e := newTestEngine(t, cfg, local, newFakeCentral())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	require.Eventually(t, func() bool { return local.pattern("p1").Synced }, 2*time.Second, 5*time.Millisecond)
	cancel()
	e.Stop()
}

func TestLaunch(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	local := newMemLocal()
	local.addPattern("p1", 1)
	e := newTestEngine(t, testConfig(), local, newFakeCentral())

	task := e.Launch(context.Background())
	sum, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsSynced)

	select {
	case <-task.Done():
	default:
		t.Fatal("Done not closed after Wait")
	}
	task.Cancel()
}
