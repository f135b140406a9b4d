package mcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/localstore"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

// addTool registers a typed handler with metrics and the discovery index.
func addTool[In, Out any](s *Server, meta *ToolMetadata, handle func(context.Context, In) (Out, error)) {
	s.registry.Register(meta)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.track(ctx, meta.Name)
		out, err := handle(ctx, in)
		done(err)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", meta.Name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return nil, out, nil
	})
}

func (s *Server) registerTools() {
	addTool(s, &ToolMetadata{
		Name:        "error_capture",
		Description: "Record an error occurrence. Repeats of the same generalized error increment its count instead of creating a new pattern.",
		Category:    CategoryCapture,
		Keywords:    []string{"error", "record", "occurrence", "exception"},
	}, s.handleCapture)

	addTool(s, &ToolMetadata{
		Name:        "solution_add",
		Description: "Attach a fix to a captured error pattern",
		Category:    CategoryCapture,
		Keywords:    []string{"fix", "resolution", "solution"},
	}, s.handleSolutionAdd)

	addTool(s, &ToolMetadata{
		Name:        "solution_feedback",
		Description: "Rate a solution after applying it again. Updates its running effectiveness.",
		Category:    CategoryCapture,
		Keywords:    []string{"rating", "effectiveness", "feedback"},
	}, s.handleSolutionFeedback)

	addTool(s, &ToolMetadata{
		Name:        "pattern_search",
		Description: "Search captured patterns by text or similarity",
		Category:    CategoryLookup,
		Keywords:    []string{"find", "lookup", "query"},
	}, s.handlePatternSearch)

	addTool(s, &ToolMetadata{
		Name:        "pattern_match",
		Description: "Match raw error text against known patterns and return their fixes, best first",
		Category:    CategoryLookup,
		Keywords:    []string{"similar", "fix", "trigram", "suggest"},
	}, s.handlePatternMatch)

	addTool(s, &ToolMetadata{
		Name:        "kb_summary",
		Description: "Count local patterns and solutions by sync state and language",
		Category:    CategorySync,
		Keywords:    []string{"stats", "status", "count"},
	}, s.handleSummary)

	addTool(s, &ToolMetadata{
		Name:        "kb_stats",
		Description: "Report errors per recorded solution, average solution effectiveness, and activity in the last 24 hours",
		Category:    CategoryLookup,
		Keywords:    []string{"velocity", "quality", "metrics"},
	}, s.handleStats)

	addTool(s, &ToolMetadata{
		Name:        "kb_events",
		Description: "List the most recent captures, solutions, ratings, and imports, newest first",
		Category:    CategoryLookup,
		Keywords:    []string{"history", "activity", "recent", "log"},
	}, s.handleEvents)

	addTool(s, &ToolMetadata{
		Name:        "kb_seed",
		Description: "Import a framework seed pack of known errors and their solutions. Existing patterns are left unchanged.",
		Category:    CategoryCapture,
		Keywords:    []string{"import", "framework", "bootstrap"},
	}, s.handleSeed)

	addTool(s, &ToolMetadata{
		Name:        "kb_sync",
		Description: "Push unsynced patterns, solutions, and feedback to the central store now",
		Category:    CategorySync,
		Keywords:    []string{"central", "upload", "share"},
	}, s.handleSync)

	addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Search the available tools by name, description, or keyword. Accepts a regular expression.",
		Category:    CategorySearch,
	}, s.handleToolSearch)
}

type errorCaptureInput struct {
	Signature    string            `json:"signature" jsonschema:"Raw error text as printed"`
	Language     string            `json:"language" jsonschema:"Programming language, e.g. go or python"`
	Category     string            `json:"category,omitempty" jsonschema:"Error category, e.g. runtime or build"`
	Description  string            `json:"description,omitempty" jsonschema:"What was happening when the error occurred"`
	Severity     string            `json:"severity,omitempty" jsonschema:"low, medium, high, or critical (default medium)"`
	Technologies []string          `json:"technologies,omitempty" jsonschema:"Frameworks or libraries involved"`
	Context      map[string]string `json:"context,omitempty" jsonschema:"Free-form metadata kept with this occurrence, e.g. command or file"`
}

type errorCaptureOutput struct {
	Pattern patternView `json:"pattern"`
}

func (s *Server) handleCapture(ctx context.Context, in errorCaptureInput) (errorCaptureOutput, error) {
	p, err := s.store.Capture(ctx, &pattern.CaptureRequest{
		Signature:    in.Signature,
		Category:     in.Category,
		Language:     in.Language,
		Description:  in.Description,
		Severity:     pattern.Severity(strings.ToLower(in.Severity)),
		Technologies: in.Technologies,
		Context:      in.Context,
	})
	if err != nil {
		return errorCaptureOutput{}, err
	}
	return errorCaptureOutput{Pattern: toPatternView(p)}, nil
}

type solutionAddInput struct {
	PatternID        string   `json:"pattern_id" jsonschema:"ID returned by error_capture"`
	Title            string   `json:"title,omitempty" jsonschema:"Short name for the fix"`
	Description      string   `json:"description" jsonschema:"What was changed and why it works"`
	CodeSnippet      string   `json:"code_snippet,omitempty" jsonschema:"Code change, diff format preferred"`
	Steps            []string `json:"steps,omitempty" jsonschema:"Ordered steps to apply the fix"`
	MinutesToResolve int      `json:"minutes_to_resolve,omitempty" jsonschema:"Time the fix took"`
	Succeeded        bool     `json:"succeeded,omitempty" jsonschema:"Whether the fix worked (rated 5 if true, 1 if false)"`
	Effectiveness    int      `json:"effectiveness,omitempty" jsonschema:"Explicit initial rating from 1 to 5"`
	AppliedBy        string   `json:"applied_by,omitempty" jsonschema:"Who applied the fix"`
}

type solutionOutput struct {
	Solution solutionView `json:"solution"`
}

func (s *Server) handleSolutionAdd(ctx context.Context, in solutionAddInput) (solutionOutput, error) {
	sol, err := s.store.AddSolution(ctx, &pattern.AddSolutionRequest{
		PatternID:        in.PatternID,
		Title:            in.Title,
		Description:      in.Description,
		CodeSnippet:      in.CodeSnippet,
		Steps:            in.Steps,
		MinutesToResolve: in.MinutesToResolve,
		Succeeded:        in.Succeeded,
		Effectiveness:    in.Effectiveness,
		AppliedBy:        in.AppliedBy,
	})
	if err != nil {
		return solutionOutput{}, err
	}
	return solutionOutput{Solution: toSolutionView(sol)}, nil
}

type solutionFeedbackInput struct {
	SolutionID string `json:"solution_id" jsonschema:"ID returned by solution_add or pattern_match"`
	Effective  *bool  `json:"effective,omitempty" jsonschema:"Whether the fix worked this time"`
	Rating     int    `json:"rating,omitempty" jsonschema:"Rating from 1 to 5, overrides effective"`
	Notes      string `json:"notes,omitempty"`
}

func (s *Server) handleSolutionFeedback(ctx context.Context, in solutionFeedbackInput) (solutionOutput, error) {
	sol, err := s.store.RecordFeedback(ctx, &pattern.FeedbackRequest{
		SolutionID: in.SolutionID,
		Effective:  in.Effective,
		Rating:     in.Rating,
		Notes:      in.Notes,
	})
	if err != nil {
		return solutionOutput{}, err
	}
	return solutionOutput{Solution: toSolutionView(sol)}, nil
}

type patternSearchInput struct {
	Query string `json:"query" jsonschema:"Text or error message to search for"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum results"`
}

type searchHit struct {
	Pattern patternView `json:"pattern"`
	Score   float64     `json:"score"`
}

type patternSearchOutput struct {
	Results []searchHit `json:"results"`
	Count   int         `json:"count"`
}

func (s *Server) handlePatternSearch(ctx context.Context, in patternSearchInput) (patternSearchOutput, error) {
	results, err := s.store.Search(ctx, in.Query, s.limit(in.Limit))
	if err != nil {
		return patternSearchOutput{}, err
	}
	out := patternSearchOutput{Results: make([]searchHit, 0, len(results)), Count: len(results)}
	for i := range results {
		out.Results = append(out.Results, searchHit{
			Pattern: toPatternView(&results[i].ErrorPattern),
			Score:   results[i].Score,
		})
	}
	return out, nil
}

type patternMatchInput struct {
	Error    string `json:"error" jsonschema:"Raw error text to match"`
	Language string `json:"language,omitempty" jsonschema:"Restrict matches to this language"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum matches"`
}

type patternMatchOutput struct {
	Matches []matchView `json:"matches"`
	Count   int         `json:"count"`
}

func (s *Server) handlePatternMatch(ctx context.Context, in patternMatchInput) (patternMatchOutput, error) {
	matches, err := s.store.Match(ctx, in.Error, in.Language, s.limit(in.Limit))
	if err != nil {
		return patternMatchOutput{}, err
	}
	out := patternMatchOutput{Matches: make([]matchView, 0, len(matches)), Count: len(matches)}
	for i := range matches {
		m := &matches[i]
		view := matchView{
			Pattern:   toPatternView(&m.Pattern),
			Score:     m.Score,
			Solutions: make([]solutionView, 0, len(m.Solutions)),
		}
		for j := range m.Solutions {
			view.Solutions = append(view.Solutions, toSolutionView(&m.Solutions[j]))
		}
		out.Matches = append(out.Matches, view)
	}
	return out, nil
}

type kbSummaryInput struct{}

type kbSummaryOutput struct {
	TotalPatterns     int64            `json:"total_patterns"`
	SyncedPatterns    int64            `json:"synced_patterns"`
	UnsyncedPatterns  int64            `json:"unsynced_patterns"`
	TotalSolutions    int64            `json:"total_solutions"`
	SyncedSolutions   int64            `json:"synced_solutions"`
	UnsyncedSolutions int64            `json:"unsynced_solutions"`
	Languages         map[string]int64 `json:"languages,omitempty" jsonschema:"Pattern count per language"`
	SyncEnabled       bool             `json:"sync_enabled"`
}

func (s *Server) handleSummary(ctx context.Context, _ kbSummaryInput) (kbSummaryOutput, error) {
	sum, err := s.store.GetSummary(ctx)
	if err != nil {
		return kbSummaryOutput{}, err
	}
	return kbSummaryOutput{
		TotalPatterns:     sum.TotalPatterns,
		SyncedPatterns:    sum.SyncedPatterns,
		UnsyncedPatterns:  sum.UnsyncedPatterns,
		TotalSolutions:    sum.TotalSolutions,
		SyncedSolutions:   sum.SyncedSolutions,
		UnsyncedSolutions: sum.UnsyncedSolutions,
		Languages:         sum.Languages,
		SyncEnabled:       s.syncer != nil,
	}, nil
}

type kbStatsInput struct{}

func (s *Server) handleStats(ctx context.Context, _ kbStatsInput) (statsView, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return statsView{}, err
	}
	return toStatsView(st), nil
}

type kbEventsInput struct {
	Type  string `json:"type,omitempty" jsonschema:"error, solution, feedback, or seed (default all)"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum events (default 10)"`
}

type kbEventsOutput struct {
	Events []eventView `json:"events"`
	Count  int         `json:"count"`
}

func (s *Server) handleEvents(ctx context.Context, in kbEventsInput) (kbEventsOutput, error) {
	events, err := s.store.RecentEvents(ctx, in.Limit, pattern.EventType(strings.ToLower(in.Type)))
	if err != nil {
		return kbEventsOutput{}, err
	}
	out := kbEventsOutput{Events: make([]eventView, 0, len(events)), Count: len(events)}
	for i := range events {
		out.Events = append(out.Events, toEventView(&events[i]))
	}
	return out, nil
}

type kbSeedInput struct {
	Framework string `json:"framework,omitempty" jsonschema:"Name of a pack in the seeds directory, e.g. django"`
	Path      string `json:"path,omitempty" jsonschema:"Path to a YAML or JSON seed pack"`
	Content   string `json:"content,omitempty" jsonschema:"Seed pack as inline YAML or JSON"`
}

func (s *Server) handleSeed(ctx context.Context, in kbSeedInput) (pattern.SeedResult, error) {
	set := 0
	for _, v := range []string{in.Framework, in.Path, in.Content} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return pattern.SeedResult{}, fmt.Errorf("%w: exactly one of framework, path, or content is required", pattern.ErrValidation)
	}

	var r io.Reader = strings.NewReader(in.Content)
	if in.Content == "" {
		path := in.Path
		if in.Framework != "" {
			var err error
			if path, err = localstore.SeedPath(s.config.SeedsDir, in.Framework); err != nil {
				return pattern.SeedResult{}, err
			}
		}
		f, err := os.Open(path)
		if err != nil {
			return pattern.SeedResult{}, fmt.Errorf("%w: opening seed pack: %v", pattern.ErrNotFound, err)
		}
		defer f.Close()
		r = f
	}

	pack, err := localstore.ReadSeedPack(r)
	if err != nil {
		return pattern.SeedResult{}, err
	}
	res, err := s.store.Seed(ctx, pack)
	if err != nil {
		return pattern.SeedResult{}, err
	}
	return *res, nil
}

type kbSyncInput struct{}

func (s *Server) handleSync(ctx context.Context, _ kbSyncInput) (syncView, error) {
	if s.syncer == nil {
		return syncView{}, ErrSyncDisabled
	}
	sum, err := s.syncer.RunOnce(ctx)
	if err != nil {
		return syncView{}, fmt.Errorf("sync cycle %s: %w", sum.CycleID, err)
	}
	s.logger.Info("sync cycle finished from MCP",
		zap.String("cycle_id", sum.CycleID),
		zap.Int("patterns_synced", sum.PatternsSynced),
		zap.Int("abandoned", sum.Abandoned))
	return toSyncView(sum), nil
}

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Name, keyword, or regular expression"`
	Category string `json:"category,omitempty" jsonschema:"capture, lookup, sync, or search"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results (default 5)"`
}

type toolSearchOutput struct {
	Tools []ToolMatch `json:"tools"`
	Count int         `json:"count"`
}

func (s *Server) handleToolSearch(_ context.Context, in toolSearchInput) (toolSearchOutput, error) {
	if in.Query == "" {
		return toolSearchOutput{}, fmt.Errorf("%w: query is required", pattern.ErrValidation)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	hits := s.registry.Search(in.Query, ToolCategory(in.Category))
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []ToolMatch{}
	}
	return toolSearchOutput{Tools: hits, Count: len(hits)}, nil
}
