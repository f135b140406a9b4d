package http

import "github.com/fyrsmithlabs/errorkb/internal/pattern"

// Error codes carried in ErrorResponse so the client can restore the
// sentinel error.
const (
	CodeNotFound     = "not_found"
	CodeValidation   = "validation"
	CodeConflict     = "conflict"
	CodeUnavailable  = "unavailable"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}

// PatternResponse is the response body for GET /api/v1/patterns/:id.
type PatternResponse struct {
	Pattern   pattern.ErrorPattern `json:"pattern"`
	Solutions []pattern.Solution   `json:"solutions"`
}

// SearchResponse is the response body for GET /api/v1/patterns/search.
type SearchResponse struct {
	Query   string          `json:"query"`
	Matches []pattern.Match `json:"matches"`
}
