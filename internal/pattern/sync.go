package pattern

import (
	"fmt"
	"time"
)

// PatternSyncRequest asks the central store to find or create the pattern
// keyed by (Language, Pattern) and fold in the local occurrences.
type PatternSyncRequest struct {
	// InstanceID identifies the contributing local store.
	InstanceID string `json:"instance_id"`

	Language string `json:"language"`
	Pattern  string `json:"pattern"`

	Signature    string   `json:"signature"`
	Category     string   `json:"category,omitempty"`
	Description  string   `json:"description,omitempty"`
	Severity     Severity `json:"severity"`
	Technologies []string `json:"technologies,omitempty"`

	// OccurrenceCount is the local absolute total, not a delta. The central
	// store subtracts what this instance already contributed.
	OccurrenceCount int64 `json:"occurrence_count"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Validate checks required fields.
func (r *PatternSyncRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: pattern sync request is nil", ErrValidation)
	}
	if r.InstanceID == "" {
		return fmt.Errorf("%w: instance id is required", ErrValidation)
	}
	if r.Language == "" || r.Pattern == "" {
		return fmt.Errorf("%w: language and pattern are required", ErrValidation)
	}
	if r.OccurrenceCount < 1 {
		return fmt.Errorf("%w: occurrence count must be positive", ErrValidation)
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, r.Severity)
	}
	return nil
}

// PatternSyncResult is the central record a local pattern maps to.
type PatternSyncResult struct {
	CentralID       string `json:"central_id"`
	Created         bool   `json:"created"`
	OccurrenceCount int64  `json:"occurrence_count"`
}

// SolutionSyncRequest asks the central store to find or create a solution
// under a central pattern.
type SolutionSyncRequest struct {
	InstanceID      string `json:"instance_id"`
	LocalSolutionID string `json:"local_solution_id"`

	// PatternID is the central pattern id.
	PatternID string `json:"pattern_id"`

	Title            string   `json:"title"`
	Description      string   `json:"description"`
	CodeChange       string   `json:"code_change,omitempty"`
	Steps            []string `json:"steps,omitempty"`
	MinutesToResolve int      `json:"minutes_to_resolve,omitempty"`
	Effectiveness    float64  `json:"effectiveness"`
	TimesApplied     int64    `json:"times_applied"`
	AppliedBy        string   `json:"applied_by,omitempty"`
}

// Validate checks required fields.
func (r *SolutionSyncRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: solution sync request is nil", ErrValidation)
	}
	if r.InstanceID == "" || r.LocalSolutionID == "" {
		return fmt.Errorf("%w: instance id and local solution id are required", ErrValidation)
	}
	if r.PatternID == "" {
		return fmt.Errorf("%w: central pattern id is required", ErrValidation)
	}
	if r.TimesApplied < 1 {
		return fmt.Errorf("%w: times applied must be positive", ErrValidation)
	}
	if r.Effectiveness < 1 || r.Effectiveness > 5 {
		return fmt.Errorf("%w: effectiveness must be between 1 and 5, got %v", ErrValidation, r.Effectiveness)
	}
	return nil
}

// SolutionSyncResult is the central solution a local solution maps to.
type SolutionSyncResult struct {
	CentralID string `json:"central_id"`
	Created   bool   `json:"created"`
	Merged    bool   `json:"merged"`
}

// FeedbackSyncRequest forwards one feedback event to the central store.
type FeedbackSyncRequest struct {
	// EventID makes forwarding idempotent.
	EventID string `json:"event_id"`

	// SolutionID is the central solution id.
	SolutionID string `json:"solution_id"`

	Effective *bool  `json:"effective,omitempty"`
	Rating    int    `json:"rating"`
	Notes     string `json:"notes,omitempty"`
}

// Validate checks required fields.
func (r *FeedbackSyncRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: feedback sync request is nil", ErrValidation)
	}
	if r.EventID == "" || r.SolutionID == "" {
		return fmt.Errorf("%w: event id and solution id are required", ErrValidation)
	}
	if r.Rating < 1 || r.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5, got %d", ErrValidation, r.Rating)
	}
	return nil
}
