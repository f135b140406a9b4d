package pattern

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     *CaptureRequest
		wantErr bool
	}{
		{"nil", nil, true},
		{"missing signature", &CaptureRequest{Language: "go"}, true},
		{"blank signature", &CaptureRequest{Signature: "   ", Language: "go"}, true},
		{"missing language", &CaptureRequest{Signature: "boom"}, true},
		{"bad severity", &CaptureRequest{Signature: "boom", Language: "go", Severity: "fatal"}, true},
		{"blank context key", &CaptureRequest{Signature: "boom", Language: "go", Context: map[string]string{" ": "x"}}, true},
		{"ok", &CaptureRequest{Signature: "boom", Language: "go", Severity: SeverityHigh}, false},
		{"ok with context", &CaptureRequest{Signature: "boom", Language: "go", Context: map[string]string{"cmd": "go test"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCaptureRequest_DefaultSeverity(t *testing.T) {
	req := &CaptureRequest{Signature: "boom", Language: "go"}
	require.NoError(t, req.Validate())
	assert.Equal(t, SeverityMedium, req.Severity)
}

func TestAddSolutionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     *AddSolutionRequest
		wantErr bool
	}{
		{"missing pattern", &AddSolutionRequest{Description: "fix"}, true},
		{"missing text", &AddSolutionRequest{PatternID: "p"}, true},
		{"rating too high", &AddSolutionRequest{PatternID: "p", Description: "fix", Effectiveness: 6}, true},
		{"negative minutes", &AddSolutionRequest{PatternID: "p", Description: "fix", MinutesToResolve: -1}, true},
		{"derived rating", &AddSolutionRequest{PatternID: "p", Description: "fix", Succeeded: true}, false},
		{"explicit rating", &AddSolutionRequest{PatternID: "p", Title: "fix", Effectiveness: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFeedbackRequest_Validate(t *testing.T) {
	yes := true

	assert.ErrorIs(t, (&FeedbackRequest{}).Validate(), ErrValidation)
	assert.ErrorIs(t, (&FeedbackRequest{SolutionID: "s"}).Validate(), ErrValidation)
	assert.ErrorIs(t, (&FeedbackRequest{SolutionID: "s", Rating: 9}).Validate(), ErrValidation)
	assert.NoError(t, (&FeedbackRequest{SolutionID: "s", Effective: &yes}).Validate())
	assert.NoError(t, (&FeedbackRequest{SolutionID: "s", Rating: 4}).Validate())
}

func TestSeverity_Max(t *testing.T) {
	assert.Equal(t, SeverityHigh, SeverityLow.Max(SeverityHigh))
	assert.Equal(t, SeverityCritical, SeverityCritical.Max(SeverityMedium))
	assert.Equal(t, SeverityMedium, SeverityMedium.Max(""))
}

func TestSyncRequests_Validate(t *testing.T) {
	p := &PatternSyncRequest{InstanceID: "i", Language: "go", Pattern: "x", OccurrenceCount: 1}
	require.NoError(t, p.Validate())
	assert.Equal(t, SeverityMedium, p.Severity)

	p.OccurrenceCount = 0
	assert.ErrorIs(t, p.Validate(), ErrValidation)

	s := &SolutionSyncRequest{InstanceID: "i", LocalSolutionID: "l", PatternID: "c", Effectiveness: 4, TimesApplied: 2}
	require.NoError(t, s.Validate())
	s.Effectiveness = 0.5
	assert.ErrorIs(t, s.Validate(), ErrValidation)

	f := &FeedbackSyncRequest{EventID: "e", SolutionID: "s", Rating: 5}
	require.NoError(t, f.Validate())
	f.Rating = 0
	assert.ErrorIs(t, f.Validate(), ErrValidation)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrSyncTransient))
	assert.True(t, IsTransient(errors.Join(errors.New("dial"), ErrStoreUnavailable)))
	assert.False(t, IsTransient(ErrValidation))
	assert.False(t, IsTransient(ErrSyncConflict))
}

func TestCaptureRequest_ContextLimit(t *testing.T) {
	ctx := make(map[string]string, MaxContextEntries+1)
	for i := 0; i <= MaxContextEntries; i++ {
		ctx[string(rune('a'+i%26))+string(rune('a'+i/26))] = "v"
	}
	req := &CaptureRequest{Signature: "boom", Language: "go", Context: ctx}
	assert.ErrorIs(t, req.Validate(), ErrValidation)
}

func TestSeedPack_Validate(t *testing.T) {
	valid := func() *SeedPack {
		return &SeedPack{
			Framework: "django",
			Language:  "python",
			Patterns: []SeedPattern{{
				Signature: "django.db.utils.OperationalError: no such table: app_user",
				Solutions: []SeedSolution{{Title: "Run migrations", Effectiveness: 4}},
			}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*SeedPack)
	}{
		{"missing framework", func(p *SeedPack) { p.Framework = "" }},
		{"missing signature", func(p *SeedPack) { p.Patterns[0].Signature = " " }},
		{"missing language", func(p *SeedPack) { p.Language = "" }},
		{"bad severity", func(p *SeedPack) { p.Patterns[0].Severity = "fatal" }},
		{"empty solution", func(p *SeedPack) { p.Patterns[0].Solutions[0] = SeedSolution{} }},
		{"rating out of range", func(p *SeedPack) { p.Patterns[0].Solutions[0].Effectiveness = 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			assert.ErrorIs(t, p.Validate(), ErrValidation)
		})
	}

	t.Run("fills severity", func(t *testing.T) {
		p := valid()
		p.Patterns = append(p.Patterns, SeedPattern{Signature: "x", Language: "go", Severity: "HIGH"})
		require.NoError(t, p.Validate())
		assert.Equal(t, SeverityMedium, p.Patterns[0].Severity)
		assert.Equal(t, SeverityHigh, p.Patterns[1].Severity)
	})
}
