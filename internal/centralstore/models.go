package centralstore

import (
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/errorkb/internal/effectiveness"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

// Pattern is the shared record for one (language, generalized pattern) key.
type Pattern struct {
	ID              string `gorm:"primaryKey;size:36"`
	Language        string `gorm:"not null;size:64;uniqueIndex:idx_central_patterns_key,priority:1"`
	Pattern         string `gorm:"not null;size:2048;uniqueIndex:idx_central_patterns_key,priority:2"`
	Signature       string `gorm:"type:text"`
	Category        string `gorm:"size:128"`
	Description     string `gorm:"type:text"`
	Severity        string `gorm:"not null;size:16"`
	OccurrenceCount int64  `gorm:"not null;default:0"`
	FirstSeen       time.Time
	LastSeen        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Pattern) TableName() string { return "central_patterns" }

// PatternTechnology tags a central pattern.
type PatternTechnology struct {
	PatternID  string `gorm:"primaryKey;size:36"`
	Technology string `gorm:"primaryKey;size:128"`
}

func (PatternTechnology) TableName() string { return "central_pattern_technologies" }

// Contribution is how many occurrences one local store has added to a
// pattern. It makes repeated pattern syncs idempotent.
type Contribution struct {
	PatternID   string `gorm:"primaryKey;size:36"`
	InstanceID  string `gorm:"primaryKey;size:36"`
	Contributed int64  `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

func (Contribution) TableName() string { return "central_contributions" }

// Solution is a shared fix. EffectivenessTotal and TimesApplied are the
// exact aggregate; Effectiveness is their ratio kept for readers.
type Solution struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	PatternID          string  `gorm:"not null;size:36;index"`
	Title              string  `gorm:"size:512"`
	Description        string  `gorm:"type:text"`
	CodeChange         string  `gorm:"type:text"`
	StepsJSON          string  `gorm:"type:text"`
	MinutesToResolve   int     `gorm:"not null;default:0"`
	EffectivenessTotal float64 `gorm:"not null"`
	TimesApplied       int64   `gorm:"not null"`
	Effectiveness      float64 `gorm:"not null"`
	AppliedBy          string  `gorm:"size:256"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Solution) TableName() string { return "central_solutions" }

func (s *Solution) stat() effectiveness.Stat {
	return effectiveness.Stat{Total: s.EffectivenessTotal, Count: s.TimesApplied}
}

func (s *Solution) setStat(st effectiveness.Stat) {
	s.EffectivenessTotal = st.Total
	s.TimesApplied = st.Count
	s.Effectiveness = st.Average()
}

// SolutionContribution maps a local solution to the central solution it was
// created as or merged into.
type SolutionContribution struct {
	InstanceID      string `gorm:"primaryKey;size:36"`
	LocalSolutionID string `gorm:"primaryKey;size:36"`
	SolutionID      string `gorm:"not null;size:36;index"`
	Merged          bool
	CreatedAt       time.Time
}

func (SolutionContribution) TableName() string { return "central_solution_contributions" }

// Feedback is a forwarded feedback event, keyed by its local event id.
type Feedback struct {
	EventID    string `gorm:"primaryKey;size:36"`
	SolutionID string `gorm:"not null;size:36;index"`
	Effective  *bool
	Rating     int    `gorm:"not null"`
	Notes      string `gorm:"type:text"`
	CreatedAt  time.Time
}

func (Feedback) TableName() string { return "central_feedback" }

// SyncRecord is the central copy of the sync audit log.
type SyncRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	InstanceID   string `gorm:"size:36;index"`
	EntityType   string `gorm:"not null;size:16"`
	LocalID      string `gorm:"not null;size:64"`
	CentralID    string `gorm:"size:36"`
	Status       string `gorm:"not null;size:16"`
	ErrorMessage string `gorm:"type:text"`
	CreatedAt    time.Time
}

func (SyncRecord) TableName() string { return "central_sync_records" }

func allModels() []any {
	return []any{
		&Pattern{}, &PatternTechnology{}, &Contribution{},
		&Solution{}, &SolutionContribution{}, &Feedback{}, &SyncRecord{},
	}
}

func (p *Pattern) toDomain(techs []string, solutionCount int) pattern.ErrorPattern {
	return pattern.ErrorPattern{
		ID:              p.ID,
		Signature:       p.Signature,
		Pattern:         p.Pattern,
		Category:        p.Category,
		Language:        p.Language,
		Description:     p.Description,
		Severity:        pattern.Severity(p.Severity),
		OccurrenceCount: p.OccurrenceCount,
		FirstSeen:       p.FirstSeen.UTC(),
		LastSeen:        p.LastSeen.UTC(),
		Synced:          true,
		CentralID:       p.ID,
		Technologies:    techs,
		SolutionCount:   solutionCount,
	}
}

func (s *Solution) toDomain() pattern.Solution {
	var steps []string
	if s.StepsJSON != "" {
		_ = json.Unmarshal([]byte(s.StepsJSON), &steps)
	}
	return pattern.Solution{
		ID:               s.ID,
		PatternID:        s.PatternID,
		Title:            s.Title,
		Description:      s.Description,
		CodeChange:       s.CodeChange,
		Steps:            steps,
		MinutesToResolve: s.MinutesToResolve,
		Effectiveness:    s.Effectiveness,
		TimesApplied:     s.TimesApplied,
		AppliedBy:        s.AppliedBy,
		CreatedAt:        s.CreatedAt.UTC(),
		Synced:           true,
		CentralID:        s.ID,
	}
}
