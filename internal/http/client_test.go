package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/localstore"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/syncer"
)

var _ syncer.Central = (*Client)(nil)

func newTestClient(t *testing.T, token string) (*Client, *httptest.Server) {
	t.Helper()
	server, err := NewServer(newCentral(t), zap.NewNop(), &Config{Token: token})
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client, err := NewClient(ClientConfig{BaseURL: ts.URL + "/", Token: token})
	require.NoError(t, err)
	return client, ts
}

func TestNewClient_Validation(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "http://", "::"} {
		_, err := NewClient(ClientConfig{BaseURL: u})
		assert.ErrorIs(t, err, pattern.ErrValidation, u)
	}
}

func TestClient_RoundTrip(t *testing.T) {
	client, _ := newTestClient(t, "tok")
	ctx := context.Background()

	require.NoError(t, client.Health(ctx))

	pres, err := client.FindOrCreatePattern(ctx, syncReq("inst-a", 3))
	require.NoError(t, err)
	assert.True(t, pres.Created)

	sres, err := client.FindOrCreateSolution(ctx, &pattern.SolutionSyncRequest{
		InstanceID:      "inst-a",
		LocalSolutionID: "local-1",
		PatternID:       pres.CentralID,
		Title:           "Use dict.get",
		Description:     "Replace d['user_id'] with d.get('user_id')",
		Effectiveness:   5,
		TimesApplied:    1,
	})
	require.NoError(t, err)
	assert.True(t, sres.Created)

	require.NoError(t, client.RecordFeedback(ctx, &pattern.FeedbackSyncRequest{
		EventID: "ev-1", SolutionID: sres.CentralID, Rating: 1,
	}))
	require.NoError(t, client.RecordFeedback(ctx, &pattern.FeedbackSyncRequest{
		EventID: "ev-1", SolutionID: sres.CentralID, Rating: 1,
	}), "replayed event is accepted")

	rec := &pattern.SyncRecord{
		InstanceID: "inst-a",
		EntityType: pattern.EntityPattern,
		LocalID:    "p-1",
		CentralID:  pres.CentralID,
		Status:     pattern.SyncSuccess,
	}
	require.NoError(t, client.AppendSyncRecord(ctx, rec))
	assert.NotZero(t, rec.ID)

	got, err := client.GetPattern(ctx, pres.CentralID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Pattern.OccurrenceCount)
	require.Len(t, got.Solutions, 1)
	assert.Equal(t, int64(2), got.Solutions[0].TimesApplied)
	assert.InDelta(t, 3.0, got.Solutions[0].Effectiveness, 1e-9)

	matches, err := client.Search(ctx, "KeyError: 'account'", "python", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, pres.CentralID, matches[0].Pattern.ID)

	matches, err = client.Search(ctx, "KeyError: 'account'", "go", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	sum, err := client.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.TotalPatterns)
	assert.Equal(t, int64(1), sum.TotalSolutions)

	_, err = client.GetPattern(ctx, "missing")
	assert.ErrorIs(t, err, pattern.ErrNotFound)
	_, err = client.FindOrCreatePattern(ctx, &pattern.PatternSyncRequest{})
	assert.ErrorIs(t, err, pattern.ErrValidation)
	assert.False(t, pattern.IsTransient(err))
}

func TestClient_Unauthorized(t *testing.T) {
	_, ts := newTestClient(t, "tok")
	client, err := NewClient(ClientConfig{BaseURL: ts.URL, Token: "nope"})
	require.NoError(t, err)

	_, err = client.GetSummary(context.Background())
	require.Error(t, err)
	assert.False(t, pattern.IsTransient(err))
	assert.Contains(t, err.Error(), "401")
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
		sentinel  error
	}{
		{http.StatusTooManyRequests, true, pattern.ErrSyncTransient},
		{http.StatusInternalServerError, true, pattern.ErrSyncTransient},
		{http.StatusBadGateway, true, pattern.ErrSyncTransient},
		{http.StatusServiceUnavailable, true, pattern.ErrStoreUnavailable},
		{http.StatusNotFound, false, pattern.ErrNotFound},
		{http.StatusBadRequest, false, pattern.ErrValidation},
		{http.StatusConflict, false, pattern.ErrSyncConflict},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"boom","code":"x"}`))
			}))
			defer ts.Close()

			client, err := NewClient(ClientConfig{BaseURL: ts.URL})
			require.NoError(t, err)
			_, err = client.GetSummary(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.transient, pattern.IsTransient(err))
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestClient_TransportErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client, err := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = client.FindOrCreatePattern(context.Background(), syncReq("a", 1))
	assert.ErrorIs(t, err, pattern.ErrSyncTransient)
}

func TestSyncOverHTTP(t *testing.T) {
	client, _ := newTestClient(t, "")
	ctx := context.Background()

	local, err := localstore.Open(ctx, filepath.Join(t.TempDir(), "patterns.db"), localstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	for i := 0; i < 4; i++ {
		_, err := local.Capture(ctx, &pattern.CaptureRequest{
			Signature: "KeyError: 'user_id'",
			Language:  "python",
		})
		require.NoError(t, err)
	}

	cfg := syncer.DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.RateLimit = 0
	engine, err := syncer.New(cfg, local, client, nil)
	require.NoError(t, err)

	sum, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PatternsSynced)
	assert.Empty(t, sum.Errors)

	matches, err := client.Search(ctx, "KeyError: 'user_id'", "", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(4), matches[0].Pattern.OccurrenceCount)
}
