package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

func TestGetUnsyncedPatterns_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	capture(t, s, "rare", "go")
	for i := 0; i < 3; i++ {
		capture(t, s, "common", "go")
	}

	got, err := s.GetUnsyncedPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "common", got[0].Pattern)
	assert.Equal(t, "rare", got[1].Pattern)
}

func TestMarkPatternSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := capture(t, s, "boom", "go")

	require.NoError(t, s.MarkPatternSynced(ctx, p.ID, "central-1", 1))
	require.NoError(t, s.MarkPatternSynced(ctx, p.ID, "central-1", 1), "same central id is idempotent")

	err := s.MarkPatternSynced(ctx, p.ID, "central-2", 1)
	assert.ErrorIs(t, err, pattern.ErrSyncConflict)

	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, "central-1", got.CentralID)
	assert.Equal(t, int64(1), got.SyncedOccurrences)

	unsynced, err := s.GetUnsyncedPatterns(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	assert.ErrorIs(t, s.MarkPatternSynced(ctx, "missing", "c", 1), pattern.ErrNotFound)
	assert.ErrorIs(t, s.MarkPatternSynced(ctx, p.ID, "", 1), pattern.ErrValidation)
}

func TestMarkPatternSynced_RecaptureReopens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := capture(t, s, "boom", "go")
	require.NoError(t, s.MarkPatternSynced(ctx, p.ID, "central-1", 1))

	again := capture(t, s, "boom", "go")
	assert.False(t, again.Synced)
	assert.Equal(t, "central-1", again.CentralID, "central id survives recapture")
	assert.Equal(t, int64(1), again.SyncedOccurrences)

	// A capture that lands while a sync is in flight leaves the row unsynced.
	capture(t, s, "boom", "go")
	require.NoError(t, s.MarkPatternSynced(ctx, p.ID, "central-1", 2))
	got, err := s.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.Synced)
	assert.Equal(t, int64(2), got.SyncedOccurrences)
}

func TestCentralIDWriteOnceTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := capture(t, s, "boom", "go")
	require.NoError(t, s.MarkPatternSynced(ctx, p.ID, "central-1", 1))

	_, err := s.db.ExecContext(ctx, `UPDATE patterns SET central_id = 'other' WHERE id = ?`, p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write-once")

	_, err = s.db.ExecContext(ctx, `UPDATE patterns SET occurrence_count = 0 WHERE id = ?`, p.ID)
	assert.Error(t, err)
}

func TestMarkSolutionSynced_FoldsIncludedFeedback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := capture(t, s, "boom", "go")
	sol, err := s.AddSolution(ctx, &pattern.AddSolutionRequest{PatternID: p.ID, Description: "fix", Succeeded: true})
	require.NoError(t, err)

	_, err = s.RecordFeedback(ctx, &pattern.FeedbackRequest{SolutionID: sol.ID, Rating: 4})
	require.NoError(t, err)

	pending, err := s.GetUnsyncedSolutionsForPattern(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].TimesApplied)

	// No central id yet, nothing to forward.
	fb, err := s.GetUnsyncedFeedback(ctx)
	require.NoError(t, err)
	assert.Empty(t, fb)

	require.NoError(t, s.MarkSolutionSynced(ctx, sol.ID, "central-sol", pending[0].TimesApplied))
	assert.ErrorIs(t, s.MarkSolutionSynced(ctx, sol.ID, "other", 2), pattern.ErrSyncConflict)

	fb, err = s.GetUnsyncedFeedback(ctx)
	require.NoError(t, err)
	assert.Empty(t, fb, "feedback already folded into the synced average")

	_, err = s.RecordFeedback(ctx, &pattern.FeedbackRequest{SolutionID: sol.ID, Rating: 2})
	require.NoError(t, err)
	fb, err = s.GetUnsyncedFeedback(ctx)
	require.NoError(t, err)
	require.Len(t, fb, 1)
	assert.Equal(t, "central-sol", fb[0].SolutionCentralID)
	assert.Equal(t, 2, fb[0].Rating)

	require.NoError(t, s.MarkFeedbackSynced(ctx, fb[0].ID))
	fb, err = s.GetUnsyncedFeedback(ctx)
	require.NoError(t, err)
	assert.Empty(t, fb)
	assert.ErrorIs(t, s.MarkFeedbackSynced(ctx, "missing"), pattern.ErrNotFound)
}

func TestMarkSolutionSynced_SameMillisecondFeedback(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, func(o *Options) { o.Now = func() time.Time { return fixed } })
	ctx := context.Background()
	p := capture(t, s, "boom", "go")

	for i := 0; i < 20; i++ {
		sol, err := s.AddSolution(ctx, &pattern.AddSolutionRequest{PatternID: p.ID, Description: "fix", Succeeded: true})
		require.NoError(t, err)
		folded, err := s.RecordFeedback(ctx, &pattern.FeedbackRequest{SolutionID: sol.ID, Rating: 4, Notes: "folded"})
		require.NoError(t, err)
		require.Equal(t, int64(2), folded.TimesApplied)

		// Arrives after the engine read times_applied but before it marked
		// the solution synced.
		_, err = s.RecordFeedback(ctx, &pattern.FeedbackRequest{SolutionID: sol.ID, Rating: 1, Notes: "late"})
		require.NoError(t, err)

		require.NoError(t, s.MarkSolutionSynced(ctx, sol.ID, "central-"+sol.ID, folded.TimesApplied))

		events, err := s.ListFeedback(ctx, sol.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "folded", events[0].Notes)
		assert.True(t, events[0].Synced, "iteration %d", i)
		assert.Equal(t, "late", events[1].Notes)
		assert.False(t, events[1].Synced, "iteration %d", i)
	}

	pending, err := s.GetUnsyncedFeedback(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 20)
	for _, ev := range pending {
		assert.Equal(t, 1, ev.Rating)
	}
}

func TestGetUnsyncedSolutions_OrderedByPatternWeight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rare := capture(t, s, "rare", "go")
	common := capture(t, s, "common", "go")
	capture(t, s, "common", "go")

	_, err := s.AddSolution(ctx, &pattern.AddSolutionRequest{PatternID: rare.ID, Description: "r"})
	require.NoError(t, err)
	_, err = s.AddSolution(ctx, &pattern.AddSolutionRequest{PatternID: common.ID, Description: "c"})
	require.NoError(t, err)

	got, err := s.GetUnsyncedSolutions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, common.ID, got[0].PatternID)
}

func TestSyncRecords_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &pattern.SyncRecord{EntityType: pattern.EntityPattern, LocalID: "p1", CentralID: "c1", Status: pattern.SyncSuccess}
	require.NoError(t, s.AppendSyncRecord(ctx, rec))
	assert.NotZero(t, rec.ID)
	require.NoError(t, s.AppendSyncRecord(ctx, &pattern.SyncRecord{
		EntityType: pattern.EntityPattern, LocalID: "p2", Status: pattern.SyncFailed, ErrorMessage: "timeout",
	}))
	assert.ErrorIs(t, s.AppendSyncRecord(ctx, &pattern.SyncRecord{}), pattern.ErrValidation)

	recs, err := s.ListSyncRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "p2", recs[0].LocalID)
	assert.Equal(t, pattern.SyncFailed, recs[0].Status)
	assert.Equal(t, s.InstanceID(), recs[0].InstanceID)

	_, err = s.db.ExecContext(ctx, `DELETE FROM sync_records`)
	assert.Error(t, err)
}

func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Capture(context.Background(), &pattern.CaptureRequest{Signature: "x", Language: "go"})
	assert.ErrorIs(t, err, pattern.ErrStoreUnavailable)
	_, err = s.Search(context.Background(), "x", 1)
	assert.ErrorIs(t, err, pattern.ErrStoreUnavailable)
	_, err = s.GetSummary(context.Background())
	assert.ErrorIs(t, err, pattern.ErrStoreUnavailable)
}
