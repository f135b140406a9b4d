package pattern

import (
	"time"
)

// Severity ranks how disruptive an error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if severityRank[other] > severityRank[s] {
		return other
	}
	return s
}

// ErrorPattern is a generalized error signature and its occurrence history.
type ErrorPattern struct {
	// ID is derived from Pattern and Language.
	ID string `json:"id"`

	// Signature is the raw error text of the first capture, capped in length.
	Signature string `json:"signature"`

	// Pattern is the generalized signature.
	Pattern string `json:"pattern"`

	Category    string   `json:"category,omitempty"`
	Language    string   `json:"language"`
	Description string   `json:"description,omitempty"`
	Severity    Severity `json:"severity"`

	// OccurrenceCount never decreases.
	OccurrenceCount int64 `json:"occurrence_count"`

	// SyncedOccurrences is the portion of OccurrenceCount already
	// contributed to the central store.
	SyncedOccurrences int64 `json:"synced_occurrences"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	Synced bool `json:"synced"`

	// CentralID is empty until the first successful sync, then immutable.
	CentralID string `json:"central_id,omitempty"`

	Technologies []string `json:"technologies,omitempty"`

	// SolutionCount is derived, not stored.
	SolutionCount int `json:"solution_count"`
}

// Solution is a fix recorded against a pattern.
type Solution struct {
	ID          string   `json:"id"`
	PatternID   string   `json:"pattern_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	CodeChange  string   `json:"code_change,omitempty"`
	Steps       []string `json:"steps,omitempty"`

	// MinutesToResolve is optional; zero means unknown.
	MinutesToResolve int `json:"minutes_to_resolve,omitempty"`

	// Effectiveness is the running average rating in [1,5].
	Effectiveness float64 `json:"effectiveness"`

	// TimesApplied is the number of ratings folded into Effectiveness.
	TimesApplied int64 `json:"times_applied"`

	AppliedBy string    `json:"applied_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Synced    bool      `json:"synced"`
	CentralID string    `json:"central_id,omitempty"`
}

// FeedbackEvent is one raw rating applied to a solution.
type FeedbackEvent struct {
	ID         string    `json:"id"`
	SolutionID string    `json:"solution_id"`
	Effective  *bool     `json:"effective,omitempty"`
	Rating     int       `json:"rating"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Synced     bool      `json:"synced"`

	// SolutionCentralID is filled by queries that join the solution.
	SolutionCentralID string `json:"solution_central_id,omitempty"`
}

// EntityType names the kind of record a SyncRecord audits.
type EntityType string

const (
	EntityPattern  EntityType = "pattern"
	EntitySolution EntityType = "solution"
	EntityFeedback EntityType = "feedback"
)

// SyncStatus is the outcome recorded for one sync attempt.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncFailed  SyncStatus = "failed"
	SyncPending SyncStatus = "pending"
)

// SyncRecord is an append-only audit row for one sync attempt.
type SyncRecord struct {
	ID           int64      `json:"id,omitempty"`
	InstanceID   string     `json:"instance_id,omitempty"`
	EntityType   EntityType `json:"entity_type"`
	LocalID      string     `json:"local_id"`
	CentralID    string     `json:"central_id,omitempty"`
	Status       SyncStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Summary counts store contents by sync state.
type Summary struct {
	TotalPatterns     int64            `json:"total_patterns"`
	SyncedPatterns    int64            `json:"synced_patterns"`
	UnsyncedPatterns  int64            `json:"unsynced_patterns"`
	TotalSolutions    int64            `json:"total_solutions"`
	SyncedSolutions   int64            `json:"synced_solutions"`
	UnsyncedSolutions int64            `json:"unsynced_solutions"`
	Languages         map[string]int64 `json:"languages,omitempty"`
}

// EventType classifies an entry of the local activity stream.
type EventType string

const (
	EventError    EventType = "error"
	EventSolution EventType = "solution"
	EventFeedback EventType = "feedback"
	EventSeed     EventType = "seed"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventError, EventSolution, EventFeedback, EventSeed:
		return true
	}
	return false
}

// Event is one append-only entry of the local activity stream. Every
// capture, solution, feedback rating, and seed import appends one.
type Event struct {
	// Seq orders events by insertion.
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	PatternID  string    `json:"pattern_id,omitempty"`
	SolutionID string    `json:"solution_id,omitempty"`
	Content    string    `json:"content,omitempty"`

	// Rating is set on solution and feedback events.
	Rating int `json:"rating,omitempty"`

	// Context is caller-supplied metadata, for example the command or file
	// that produced an error.
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Stats describes activity in a store.
type Stats struct {
	ErrorEvents    int64 `json:"error_events"`
	SolutionEvents int64 `json:"solution_events"`
	FeedbackEvents int64 `json:"feedback_events"`

	// QualityRatio is captured errors per recorded solution.
	QualityRatio float64 `json:"quality_ratio"`

	// AverageEffectiveness is the mean effectiveness of all solutions, or 0
	// when there are none.
	AverageEffectiveness float64 `json:"average_effectiveness"`

	// DailyVelocity counts events of any type in the last 24 hours.
	DailyVelocity int64 `json:"daily_velocity"`
	ErrorsLast24h int64 `json:"errors_last_24h"`
}

// SeedPack is a curated set of patterns and fixes for one framework.
type SeedPack struct {
	Framework    string        `koanf:"framework" json:"framework"`
	Language     string        `koanf:"language" json:"language,omitempty"`
	Technologies []string      `koanf:"technologies" json:"technologies,omitempty"`
	Patterns     []SeedPattern `koanf:"patterns" json:"patterns"`
}

// SeedPattern is one error pattern of a SeedPack. Language defaults to the
// pack language.
type SeedPattern struct {
	Signature    string         `koanf:"signature" json:"signature"`
	Language     string         `koanf:"language" json:"language,omitempty"`
	Category     string         `koanf:"category" json:"category,omitempty"`
	Description  string         `koanf:"description" json:"description,omitempty"`
	Severity     Severity       `koanf:"severity" json:"severity,omitempty"`
	Technologies []string       `koanf:"technologies" json:"technologies,omitempty"`
	Solutions    []SeedSolution `koanf:"solutions" json:"solutions,omitempty"`
}

// SeedSolution is a known fix shipped with a SeedPattern.
type SeedSolution struct {
	Title       string   `koanf:"title" json:"title,omitempty"`
	Description string   `koanf:"description" json:"description,omitempty"`
	CodeChange  string   `koanf:"code_change" json:"code_change,omitempty"`
	Steps       []string `koanf:"steps" json:"steps,omitempty"`

	// Effectiveness is the initial rating; zero means 3.
	Effectiveness int `koanf:"effectiveness" json:"effectiveness,omitempty"`
}

// SeedResult reports what a seed import changed.
type SeedResult struct {
	Framework        string `json:"framework"`
	PatternsAdded    int    `json:"patterns_added"`
	PatternsExisting int    `json:"patterns_existing"`
	SolutionsAdded   int    `json:"solutions_added"`
}

// SearchResult is a pattern returned by a store search.
type SearchResult struct {
	ErrorPattern

	// Score is the trigram similarity to the query; 1 for substring hits.
	Score float64 `json:"score"`
}

// Match is a ranked pattern together with its known fixes, best first.
type Match struct {
	Pattern   ErrorPattern `json:"pattern"`
	Score     float64      `json:"score"`
	Solutions []Solution   `json:"solutions"`
}
