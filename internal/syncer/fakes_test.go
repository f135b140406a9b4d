package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 0
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.RateLimit = 0
	return cfg
}

// memLocal is an in-memory Local.
type memLocal struct {
	mu        sync.Mutex
	instance  string
	patterns  map[string]*pattern.ErrorPattern
	solutions []*pattern.Solution
	feedback  []*pattern.FeedbackEvent
	records   []pattern.SyncRecord
}

func newMemLocal() *memLocal {
	return &memLocal{instance: "inst-test", patterns: make(map[string]*pattern.ErrorPattern)}
}

func (m *memLocal) addPattern(id string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[id] = &pattern.ErrorPattern{
		ID:              id,
		Pattern:         "error in " + id,
		Language:        "go",
		Severity:        pattern.SeverityMedium,
		OccurrenceCount: count,
	}
}

// bindCentral links a local pattern to a central id, as a previous sync would.
func (m *memLocal) bindCentral(id, centralID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[id].CentralID = centralID
}

func (m *memLocal) addSolution(id, patternID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.solutions = append(m.solutions, &pattern.Solution{
		ID:            id,
		PatternID:     patternID,
		Description:   "fix for " + patternID,
		Effectiveness: 5,
		TimesApplied:  1,
	})
}

func (m *memLocal) addFeedback(id, solutionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback = append(m.feedback, &pattern.FeedbackEvent{ID: id, SolutionID: solutionID, Rating: 3})
}

func (m *memLocal) pattern(id string) pattern.ErrorPattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.patterns[id]
}

func (m *memLocal) recordsWith(status pattern.SyncStatus) []pattern.SyncRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pattern.SyncRecord
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func (m *memLocal) InstanceID() string { return m.instance }

func (m *memLocal) GetUnsyncedPatterns(ctx context.Context) ([]pattern.ErrorPattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pattern.ErrorPattern
	for _, p := range m.patterns {
		if !p.Synced {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurrenceCount != out[j].OccurrenceCount {
			return out[i].OccurrenceCount > out[j].OccurrenceCount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memLocal) GetUnsyncedSolutions(ctx context.Context) ([]pattern.Solution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pattern.Solution
	for _, s := range m.solutions {
		if !s.Synced {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memLocal) GetUnsyncedSolutionsForPattern(ctx context.Context, patternID string) ([]pattern.Solution, error) {
	all, _ := m.GetUnsyncedSolutions(ctx)
	var out []pattern.Solution
	for _, s := range all {
		if s.PatternID == patternID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memLocal) GetUnsyncedFeedback(ctx context.Context) ([]pattern.FeedbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pattern.FeedbackEvent
	for _, f := range m.feedback {
		if f.Synced {
			continue
		}
		for _, s := range m.solutions {
			if s.ID == f.SolutionID && s.CentralID != "" {
				ev := *f
				ev.SolutionCentralID = s.CentralID
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func (m *memLocal) GetPattern(ctx context.Context, id string) (*pattern.ErrorPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[id]
	if !ok {
		return nil, pattern.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memLocal) MarkPatternSynced(ctx context.Context, localID, centralID string, contributed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[localID]
	if !ok {
		return pattern.ErrNotFound
	}
	if p.CentralID != "" && p.CentralID != centralID {
		return pattern.ErrSyncConflict
	}
	p.CentralID = centralID
	p.SyncedOccurrences = contributed
	p.Synced = p.OccurrenceCount <= contributed
	return nil
}

func (m *memLocal) MarkSolutionSynced(ctx context.Context, localID, centralID string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.solutions {
		if s.ID == localID {
			s.CentralID = centralID
			s.Synced = true
			return nil
		}
	}
	return pattern.ErrNotFound
}

func (m *memLocal) MarkFeedbackSynced(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.feedback {
		if f.ID == eventID {
			f.Synced = true
			return nil
		}
	}
	return pattern.ErrNotFound
}

func (m *memLocal) AppendSyncRecord(ctx context.Context, rec *pattern.SyncRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

// fakeCentral is an in-memory Central with fault injection.
type fakeCentral struct {
	mu          sync.Mutex
	patterns    map[string]string
	counts      map[string]int64
	contributed map[string]int64
	solutions   map[string]string
	feedback    map[string]int
	records     []pattern.SyncRecord

	// transientLeft transient failures are returned before calls succeed.
	transientLeft int
	permanent     error
	patternCalls  int
	onPattern     func(call int)
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{
		patterns:    make(map[string]string),
		counts:      make(map[string]int64),
		contributed: make(map[string]int64),
		solutions:   make(map[string]string),
		feedback:    make(map[string]int),
	}
}

func (c *fakeCentral) fault() error {
	if c.permanent != nil {
		return c.permanent
	}
	if c.transientLeft > 0 {
		c.transientLeft--
		return fmt.Errorf("%w: connection refused", pattern.ErrSyncTransient)
	}
	return nil
}

func (c *fakeCentral) FindOrCreatePattern(ctx context.Context, req *pattern.PatternSyncRequest) (*pattern.PatternSyncResult, error) {
	c.mu.Lock()
	c.patternCalls++
	call, hook := c.patternCalls, c.onPattern
	c.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", pattern.ErrSyncTransient, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(); err != nil {
		return nil, err
	}
	key := req.Language + "|" + req.Pattern
	id, ok := c.patterns[key]
	if !ok {
		id = uuid.NewString()
		c.patterns[key] = id
	}
	ledger := id + "|" + req.InstanceID
	if delta := req.OccurrenceCount - c.contributed[ledger]; delta > 0 {
		c.counts[id] += delta
		c.contributed[ledger] = req.OccurrenceCount
	}
	return &pattern.PatternSyncResult{CentralID: id, Created: !ok, OccurrenceCount: c.counts[id]}, nil
}

func (c *fakeCentral) FindOrCreateSolution(ctx context.Context, req *pattern.SolutionSyncRequest) (*pattern.SolutionSyncResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(); err != nil {
		return nil, err
	}
	key := req.InstanceID + "|" + req.LocalSolutionID
	if id, ok := c.solutions[key]; ok {
		return &pattern.SolutionSyncResult{CentralID: id}, nil
	}
	id := uuid.NewString()
	c.solutions[key] = id
	return &pattern.SolutionSyncResult{CentralID: id, Created: true}, nil
}

func (c *fakeCentral) RecordFeedback(ctx context.Context, req *pattern.FeedbackSyncRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fault(); err != nil {
		return err
	}
	c.feedback[req.EventID]++
	return nil
}

func (c *fakeCentral) AppendSyncRecord(ctx context.Context, rec *pattern.SyncRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, *rec)
	return nil
}

func (c *fakeCentral) count(lang, pat string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[c.patterns[lang+"|"+pat]]
}

func (c *fakeCentral) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patternCalls
}
