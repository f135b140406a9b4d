package mcp

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ToolCategory groups tools by the store area they touch.
type ToolCategory string

const (
	// CategoryCapture is for tools that write patterns, solutions, or feedback.
	CategoryCapture ToolCategory = "capture"
	// CategoryLookup is for read-only search and match tools.
	CategoryLookup ToolCategory = "lookup"
	// CategorySync is for summary and sync tools.
	CategorySync ToolCategory = "sync"
	// CategorySearch is for tool discovery (tool_search itself).
	CategorySearch ToolCategory = "search"
)

// ToolMetadata describes a registered tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Keywords    []string     `json:"keywords,omitempty"`
}

// ToolRegistry indexes registered tools for tool_search.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds or replaces a tool. Tools without a name are ignored.
func (r *ToolRegistry) Register(tool *ToolMetadata) {
	if tool == nil || tool.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Get returns the metadata for name.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ListNames returns all tool names, sorted.
func (r *ToolRegistry) ListNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ToolMatch is one tool_search hit.
type ToolMatch struct {
	Tool *ToolMetadata `json:"tool"`

	// Score is 3 for an exact name, 2 for a name hit, 1 for a description
	// or keyword hit.
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

// Search matches query case-insensitively against names, descriptions, and
// keywords. A query that compiles as a regular expression is also matched
// as one. An empty category searches all categories.
func (r *ToolRegistry) Search(query string, category ToolCategory) []ToolMatch {
	if query == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(query)
	re, err := regexp.Compile("(?i)" + query)
	if err != nil {
		re = nil
	}
	matches := func(s string) bool {
		return strings.Contains(strings.ToLower(s), needle) || (re != nil && re.MatchString(s))
	}

	var out []ToolMatch
	for _, tool := range r.tools {
		if category != "" && tool.Category != category {
			continue
		}
		switch {
		case strings.ToLower(tool.Name) == needle:
			out = append(out, ToolMatch{Tool: tool, Score: 3, MatchReason: "exact name match"})
		case matches(tool.Name):
			out = append(out, ToolMatch{Tool: tool, Score: 2, MatchReason: "name match"})
		case matches(tool.Description):
			out = append(out, ToolMatch{Tool: tool, Score: 1, MatchReason: "description match"})
		default:
			for _, kw := range tool.Keywords {
				if matches(kw) {
					out = append(out, ToolMatch{Tool: tool, Score: 1, MatchReason: "keyword match"})
					break
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Tool.Name < out[j].Tool.Name
	})
	return out
}
