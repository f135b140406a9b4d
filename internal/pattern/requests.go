package pattern

import (
	"fmt"
	"strings"
	"time"
)

// CaptureRequest describes one error occurrence.
type CaptureRequest struct {
	Signature    string
	Category     string
	Language     string
	Description  string
	Severity     Severity
	Technologies []string

	// Context is free-form metadata kept on the capture's event, not on the
	// pattern.
	Context map[string]string

	// ObservedAt defaults to the store clock.
	ObservedAt time.Time
}

// MaxContextEntries bounds CaptureRequest.Context.
const MaxContextEntries = 32

// Validate checks required fields.
func (r *CaptureRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: capture request is nil", ErrValidation)
	}
	if strings.TrimSpace(r.Signature) == "" {
		return fmt.Errorf("%w: signature is required", ErrValidation)
	}
	if strings.TrimSpace(r.Language) == "" {
		return fmt.Errorf("%w: language is required", ErrValidation)
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, r.Severity)
	}
	if len(r.Context) > MaxContextEntries {
		return fmt.Errorf("%w: at most %d context entries, got %d", ErrValidation, MaxContextEntries, len(r.Context))
	}
	for k := range r.Context {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: context keys must not be empty", ErrValidation)
		}
	}
	return nil
}

// Validate checks that the pack names a framework and every pattern has a
// signature, a language, and well-formed solutions. It fills default
// severities.
func (p *SeedPack) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: seed pack is nil", ErrValidation)
	}
	if strings.TrimSpace(p.Framework) == "" {
		return fmt.Errorf("%w: seed pack framework is required", ErrValidation)
	}
	for i := range p.Patterns {
		sp := &p.Patterns[i]
		if strings.TrimSpace(sp.Signature) == "" {
			return fmt.Errorf("%w: seed pattern %d: signature is required", ErrValidation, i)
		}
		if strings.TrimSpace(sp.Language) == "" && strings.TrimSpace(p.Language) == "" {
			return fmt.Errorf("%w: seed pattern %d: language is required", ErrValidation, i)
		}
		if sp.Severity == "" {
			sp.Severity = SeverityMedium
		}
		sp.Severity = Severity(strings.ToLower(string(sp.Severity)))
		if !sp.Severity.Valid() {
			return fmt.Errorf("%w: seed pattern %d: unknown severity %q", ErrValidation, i, sp.Severity)
		}
		for j, sol := range sp.Solutions {
			if strings.TrimSpace(sol.Title) == "" && strings.TrimSpace(sol.Description) == "" {
				return fmt.Errorf("%w: seed pattern %d solution %d: title or description is required", ErrValidation, i, j)
			}
			if sol.Effectiveness != 0 && (sol.Effectiveness < 1 || sol.Effectiveness > 5) {
				return fmt.Errorf("%w: seed pattern %d solution %d: effectiveness must be between 1 and 5", ErrValidation, i, j)
			}
		}
	}
	return nil
}

// AddSolutionRequest records a fix against an existing pattern.
type AddSolutionRequest struct {
	PatternID        string
	Title            string
	Description      string
	CodeSnippet      string
	Steps            []string
	MinutesToResolve int
	Succeeded        bool

	// Effectiveness is an explicit initial rating in [1,5]. Zero derives
	// the rating from Succeeded.
	Effectiveness int

	AppliedBy string
}

// Validate checks required fields.
func (r *AddSolutionRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: solution request is nil", ErrValidation)
	}
	if r.PatternID == "" {
		return fmt.Errorf("%w: pattern id is required", ErrValidation)
	}
	if strings.TrimSpace(r.Description) == "" && strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: title or description is required", ErrValidation)
	}
	if r.Effectiveness != 0 && (r.Effectiveness < 1 || r.Effectiveness > 5) {
		return fmt.Errorf("%w: effectiveness must be between 1 and 5, got %d", ErrValidation, r.Effectiveness)
	}
	if r.MinutesToResolve < 0 {
		return fmt.Errorf("%w: minutes to resolve must not be negative", ErrValidation)
	}
	return nil
}

// FeedbackRequest reports whether a solution worked when applied again.
type FeedbackRequest struct {
	SolutionID string

	// Effective maps to rating 5 (true) or 1 (false) when Rating is zero.
	Effective *bool
	Rating    int
	Notes     string
}

// Validate checks required fields.
func (r *FeedbackRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: feedback request is nil", ErrValidation)
	}
	if r.SolutionID == "" {
		return fmt.Errorf("%w: solution id is required", ErrValidation)
	}
	if r.Rating == 0 && r.Effective == nil {
		return fmt.Errorf("%w: rating or effective is required", ErrValidation)
	}
	if r.Rating != 0 && (r.Rating < 1 || r.Rating > 5) {
		return fmt.Errorf("%w: rating must be between 1 and 5, got %d", ErrValidation, r.Rating)
	}
	return nil
}
