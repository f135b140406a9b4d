package mcp

import (
	"time"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
	"github.com/fyrsmithlabs/errorkb/internal/syncer"
)

// Tool outputs use flat views with string timestamps so their schemas stay
// plain JSON objects.

type patternView struct {
	ID              string   `json:"id" jsonschema:"Local pattern ID"`
	Pattern         string   `json:"pattern" jsonschema:"Generalized signature"`
	Signature       string   `json:"signature" jsonschema:"First raw signature seen"`
	Language        string   `json:"language"`
	Category        string   `json:"category,omitempty"`
	Description     string   `json:"description,omitempty"`
	Severity        string   `json:"severity"`
	OccurrenceCount int64    `json:"occurrence_count"`
	FirstSeen       string   `json:"first_seen"`
	LastSeen        string   `json:"last_seen"`
	Synced          bool     `json:"synced"`
	CentralID       string   `json:"central_id,omitempty"`
	Technologies    []string `json:"technologies,omitempty"`
	SolutionCount   int      `json:"solution_count"`
}

func toPatternView(p *pattern.ErrorPattern) patternView {
	return patternView{
		ID:              p.ID,
		Pattern:         p.Pattern,
		Signature:       p.Signature,
		Language:        p.Language,
		Category:        p.Category,
		Description:     p.Description,
		Severity:        string(p.Severity),
		OccurrenceCount: p.OccurrenceCount,
		FirstSeen:       formatTime(p.FirstSeen),
		LastSeen:        formatTime(p.LastSeen),
		Synced:          p.Synced,
		CentralID:       p.CentralID,
		Technologies:    p.Technologies,
		SolutionCount:   p.SolutionCount,
	}
}

type solutionView struct {
	ID               string   `json:"id" jsonschema:"Local solution ID"`
	PatternID        string   `json:"pattern_id"`
	Title            string   `json:"title,omitempty"`
	Description      string   `json:"description"`
	CodeChange       string   `json:"code_change,omitempty"`
	Steps            []string `json:"steps,omitempty"`
	MinutesToResolve int      `json:"minutes_to_resolve,omitempty"`
	Effectiveness    float64  `json:"effectiveness" jsonschema:"Average rating from 1 to 5"`
	TimesApplied     int64    `json:"times_applied"`
	Synced           bool     `json:"synced"`
}

func toSolutionView(s *pattern.Solution) solutionView {
	return solutionView{
		ID:               s.ID,
		PatternID:        s.PatternID,
		Title:            s.Title,
		Description:      s.Description,
		CodeChange:       s.CodeChange,
		Steps:            s.Steps,
		MinutesToResolve: s.MinutesToResolve,
		Effectiveness:    s.Effectiveness,
		TimesApplied:     s.TimesApplied,
		Synced:           s.Synced,
	}
}

type matchView struct {
	Pattern   patternView    `json:"pattern"`
	Score     float64        `json:"score" jsonschema:"Similarity from 0 to 1"`
	Solutions []solutionView `json:"solutions" jsonschema:"Known fixes, most effective first"`
}

type eventView struct {
	Seq        int64             `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type" jsonschema:"error, solution, feedback, or seed"`
	PatternID  string            `json:"pattern_id,omitempty"`
	SolutionID string            `json:"solution_id,omitempty"`
	Content    string            `json:"content,omitempty"`
	Rating     int               `json:"rating,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	CreatedAt  string            `json:"created_at"`
}

func toEventView(ev *pattern.Event) eventView {
	return eventView{
		Seq:        ev.Seq,
		ID:         ev.ID,
		Type:       string(ev.Type),
		PatternID:  ev.PatternID,
		SolutionID: ev.SolutionID,
		Content:    ev.Content,
		Rating:     ev.Rating,
		Context:    ev.Context,
		CreatedAt:  formatTime(ev.CreatedAt),
	}
}

type statsView struct {
	ErrorEvents          int64   `json:"error_events"`
	SolutionEvents       int64   `json:"solution_events"`
	FeedbackEvents       int64   `json:"feedback_events"`
	QualityRatio         float64 `json:"quality_ratio" jsonschema:"Captured errors per recorded solution"`
	AverageEffectiveness float64 `json:"average_effectiveness" jsonschema:"Mean solution rating from 1 to 5, 0 when none"`
	DailyVelocity        int64   `json:"daily_velocity" jsonschema:"Events in the last 24 hours"`
	ErrorsLast24h        int64   `json:"errors_last_24h"`
}

func toStatsView(st *pattern.Stats) statsView {
	return statsView(*st)
}

type syncView struct {
	CycleID         string   `json:"cycle_id"`
	PatternsSynced  int      `json:"patterns_synced"`
	PatternsFailed  int      `json:"patterns_failed"`
	SolutionsSynced int      `json:"solutions_synced"`
	SolutionsFailed int      `json:"solutions_failed"`
	FeedbackSynced  int      `json:"feedback_synced"`
	FeedbackFailed  int      `json:"feedback_failed"`
	Abandoned       int      `json:"abandoned" jsonschema:"Patterns left for the next cycle"`
	Errors          []string `json:"errors,omitempty"`
	DurationMs      int64    `json:"duration_ms"`
}

func toSyncView(sum syncer.Summary) syncView {
	return syncView{
		CycleID:         sum.CycleID,
		PatternsSynced:  sum.PatternsSynced,
		PatternsFailed:  sum.PatternsFailed,
		SolutionsSynced: sum.SolutionsSynced,
		SolutionsFailed: sum.SolutionsFailed,
		FeedbackSynced:  sum.FeedbackSynced,
		FeedbackFailed:  sum.FeedbackFailed,
		Abandoned:       sum.Abandoned,
		Errors:          sum.Errors,
		DurationMs:      sum.Duration.Milliseconds(),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
