package centralstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "central.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func patternReq(instance string, count int64) *pattern.PatternSyncRequest {
	return &pattern.PatternSyncRequest{
		InstanceID:      instance,
		Language:        "javascript",
		Pattern:         "ENOENT: no such file or directory, open VAR",
		Signature:       "ENOENT: no such file or directory, open '/srv/app/config.json'",
		Severity:        pattern.SeverityMedium,
		OccurrenceCount: count,
		FirstSeen:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		LastSeen:        time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: DriverSQLite}, nil)
	assert.ErrorIs(t, err, pattern.ErrValidation)

	_, err = Open(context.Background(), Config{Driver: "mysql", DSN: "x"}, nil)
	assert.ErrorIs(t, err, pattern.ErrValidation)
}

func TestFindOrCreatePattern_Create(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := patternReq("inst-a", 3)
	req.Technologies = []string{"Node", "node", " "}
	req.Category = "filesystem"
	res, err := s.FindOrCreatePattern(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.CentralID)
	assert.Equal(t, int64(3), res.OccurrenceCount)

	got, err := s.GetPattern(ctx, res.CentralID)
	require.NoError(t, err)
	assert.Equal(t, "filesystem", got.Category)
	assert.Equal(t, []string{"node"}, got.Technologies)
	assert.Equal(t, pattern.SeverityMedium, got.Severity)
	assert.True(t, got.Synced)
}

func TestFindOrCreatePattern_MonotonicMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.FindOrCreatePattern(ctx, patternReq("inst-a", 10))
	require.NoError(t, err)

	later := patternReq("inst-b", 5)
	later.LastSeen = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	later.FirstSeen = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	later.Severity = pattern.SeverityHigh
	second, err := s.FindOrCreatePattern(ctx, later)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.CentralID, second.CentralID)
	assert.Equal(t, int64(15), second.OccurrenceCount)

	got, err := s.GetPattern(ctx, first.CentralID)
	require.NoError(t, err)
	assert.Equal(t, later.LastSeen, got.LastSeen)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got.FirstSeen, "first_seen keeps the earlier time")
	assert.Equal(t, pattern.SeverityHigh, got.Severity)

	// An older last_seen never moves the record backwards.
	stale := patternReq("inst-c", 1)
	stale.LastSeen = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stale.Severity = pattern.SeverityLow
	_, err = s.FindOrCreatePattern(ctx, stale)
	require.NoError(t, err)
	got, err = s.GetPattern(ctx, first.CentralID)
	require.NoError(t, err)
	assert.Equal(t, later.LastSeen, got.LastSeen)
	assert.Equal(t, int64(16), got.OccurrenceCount)
	assert.Equal(t, pattern.SeverityHigh, got.Severity)
}

func TestFindOrCreatePattern_IdempotentRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.FindOrCreatePattern(ctx, patternReq("inst-a", 4))
	require.NoError(t, err)
	b, err := s.FindOrCreatePattern(ctx, patternReq("inst-a", 4))
	require.NoError(t, err)

	assert.Equal(t, a.CentralID, b.CentralID)
	assert.Equal(t, int64(4), b.OccurrenceCount, "retry adds nothing")

	// The local total grew by two since the last sync.
	c, err := s.FindOrCreatePattern(ctx, patternReq("inst-a", 6))
	require.NoError(t, err)
	assert.Equal(t, int64(6), c.OccurrenceCount)

	sum, err := s.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TotalPatterns)
}

func TestFindOrCreatePattern_ConcurrentRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = make(map[string]struct{})
		errs []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.FindOrCreatePattern(ctx, patternReq(fmt.Sprintf("inst-%d", i), int64(i+1)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids[res.CentralID] = struct{}{}
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, ids, 1)
	for id := range ids {
		got, err := s.GetPattern(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(writers*(writers+1)/2), got.OccurrenceCount)
	}
}

func TestFindOrCreatePattern_ExactKeyOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.FindOrCreatePattern(ctx, patternReq("inst-a", 1))
	require.NoError(t, err)

	similar := patternReq("inst-a", 1)
	similar.Pattern = "ENOENT: no such file or directory, stat VAR"
	b, err := s.FindOrCreatePattern(ctx, similar)
	require.NoError(t, err)
	assert.True(t, b.Created, "a similar pattern is not merged")
	assert.NotEqual(t, a.CentralID, b.CentralID)

	other := patternReq("inst-a", 1)
	other.Language = "typescript"
	c, err := s.FindOrCreatePattern(ctx, other)
	require.NoError(t, err)
	assert.True(t, c.Created, "the language is part of the key")

	sum, err := s.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.TotalPatterns)
}

func TestFindOrCreatePattern_Validation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindOrCreatePattern(context.Background(), &pattern.PatternSyncRequest{Language: "go"})
	assert.ErrorIs(t, err, pattern.ErrValidation)
}

func TestFindOrCreateSolution_MergeAndAlternative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.FindOrCreatePattern(ctx, patternReq("inst-a", 1))
	require.NoError(t, err)

	first, err := s.FindOrCreateSolution(ctx, &pattern.SolutionSyncRequest{
		InstanceID:      "inst-a",
		LocalSolutionID: "sol-a",
		PatternID:       p.CentralID,
		Title:           "create config",
		Description:     "create the missing config.json from config.example.json",
		Effectiveness:   5,
		TimesApplied:    1,
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	merged, err := s.FindOrCreateSolution(ctx, &pattern.SolutionSyncRequest{
		InstanceID:      "inst-b",
		LocalSolutionID: "sol-b",
		PatternID:       p.CentralID,
		Description:     "create the missing config.json from config.example.json",
		Effectiveness:   3,
		TimesApplied:    2,
	})
	require.NoError(t, err)
	assert.True(t, merged.Merged)
	assert.Equal(t, first.CentralID, merged.CentralID)

	alt, err := s.FindOrCreateSolution(ctx, &pattern.SolutionSyncRequest{
		InstanceID:      "inst-b",
		LocalSolutionID: "sol-c",
		PatternID:       p.CentralID,
		Description:     "set APP_CONFIG to an absolute path",
		Effectiveness:   4,
		TimesApplied:    1,
	})
	require.NoError(t, err)
	assert.True(t, alt.Created)
	assert.NotEqual(t, first.CentralID, alt.CentralID)

	solutions, err := s.ListSolutions(ctx, p.CentralID)
	require.NoError(t, err)
	require.Len(t, solutions, 2)
	assert.Equal(t, alt.CentralID, solutions[0].ID)
	assert.InDelta(t, 11.0/3.0, solutions[1].Effectiveness, 1e-9)
	assert.Equal(t, int64(3), solutions[1].TimesApplied)
}

func TestFindOrCreateSolution_IdempotentRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.FindOrCreatePattern(ctx, patternReq("inst-a", 1))
	require.NoError(t, err)

	req := &pattern.SolutionSyncRequest{
		InstanceID:      "inst-a",
		LocalSolutionID: "sol-a",
		PatternID:       p.CentralID,
		Description:     "restart the service",
		Effectiveness:   4,
		TimesApplied:    2,
		Steps:           []string{"systemctl restart app"},
	}
	a, err := s.FindOrCreateSolution(ctx, req)
	require.NoError(t, err)
	b, err := s.FindOrCreateSolution(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, a.CentralID, b.CentralID)
	assert.False(t, b.Created)

	solutions, err := s.ListSolutions(ctx, p.CentralID)
	require.NoError(t, err)
	require.Len(t, solutions, 1)
	assert.Equal(t, int64(2), solutions[0].TimesApplied)
	assert.Equal(t, []string{"systemctl restart app"}, solutions[0].Steps)
}

func TestFindOrCreateSolution_UnknownPattern(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindOrCreateSolution(context.Background(), &pattern.SolutionSyncRequest{
		InstanceID:      "inst-a",
		LocalSolutionID: "sol-a",
		PatternID:       "missing",
		Description:     "x",
		Effectiveness:   3,
		TimesApplied:    1,
	})
	assert.ErrorIs(t, err, pattern.ErrNotFound)
}

func TestRecordFeedback_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.FindOrCreatePattern(ctx, patternReq("inst-a", 1))
	require.NoError(t, err)
	sol, err := s.FindOrCreateSolution(ctx, &pattern.SolutionSyncRequest{
		InstanceID: "inst-a", LocalSolutionID: "sol-a", PatternID: p.CentralID,
		Description: "fix", Effectiveness: 5, TimesApplied: 1,
	})
	require.NoError(t, err)

	fb := &pattern.FeedbackSyncRequest{EventID: "ev-1", SolutionID: sol.CentralID, Rating: 1}
	require.NoError(t, s.RecordFeedback(ctx, fb))
	require.NoError(t, s.RecordFeedback(ctx, fb))

	solutions, err := s.ListSolutions(ctx, p.CentralID)
	require.NoError(t, err)
	require.Len(t, solutions, 1)
	assert.Equal(t, int64(2), solutions[0].TimesApplied)
	assert.InDelta(t, 3.0, solutions[0].Effectiveness, 1e-9)

	err = s.RecordFeedback(ctx, &pattern.FeedbackSyncRequest{EventID: "ev-2", SolutionID: "missing", Rating: 3})
	assert.ErrorIs(t, err, pattern.ErrNotFound)
}

func TestSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.FindOrCreatePattern(ctx, patternReq("inst-a", 2))
	require.NoError(t, err)
	other := patternReq("inst-a", 1)
	other.Language = "go"
	other.Pattern = "dial tcp N.N.N.N:PORT: connect: connection refused"
	_, err = s.FindOrCreatePattern(ctx, other)
	require.NoError(t, err)

	matches, err := s.Search(ctx, "ENOENT: no such file or directory, open '/home/bob/app/config.json'", "", 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "javascript", matches[0].Pattern.Language)
	assert.Equal(t, 1.0, matches[0].Score)

	matches, err = s.Search(ctx, "ENOENT: no such file or directory, open '/x'", "go", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = s.Search(ctx, "  ", "", 5)
	assert.ErrorIs(t, err, pattern.ErrValidation)
}

func TestGetPattern_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPattern(context.Background(), "missing")
	assert.ErrorIs(t, err, pattern.ErrNotFound)
}

func TestSyncRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendSyncRecord(ctx, &pattern.SyncRecord{
		InstanceID: "inst-a", EntityType: pattern.EntityPattern, LocalID: "p1", CentralID: "c1", Status: pattern.SyncSuccess,
	}))
	require.NoError(t, s.AppendSyncRecord(ctx, &pattern.SyncRecord{
		InstanceID: "inst-b", EntityType: pattern.EntityPattern, LocalID: "p2", Status: pattern.SyncFailed,
	}))
	assert.ErrorIs(t, s.AppendSyncRecord(ctx, &pattern.SyncRecord{}), pattern.ErrValidation)

	all, err := s.ListSyncRecords(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p2", all[0].LocalID)

	mine, err := s.ListSyncRecords(ctx, "inst-a", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, pattern.SyncSuccess, mine[0].Status)
}
