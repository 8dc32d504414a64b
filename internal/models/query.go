package models

import "strings"

const (
	// DefaultK is the number of chunks returned when the caller does not ask for a count.
	DefaultK = 5
	// MaxK caps the number of chunks a single retrieval may return.
	MaxK = 100
)

// RetrieveQuery is a retrieval request within one scope.
type RetrieveQuery struct {
	ScopeID string `json:"scope_id"`
	Query   string `json:"query"`
	K       int    `json:"k,omitempty"`
}

// Validate ensures the query has a scope and non-blank text, and clamps K into [1, maxK].
// defaultK and maxK fall back to DefaultK and MaxK when not positive.
func (q *RetrieveQuery) Validate(defaultK, maxK int) error {
	if defaultK <= 0 {
		defaultK = DefaultK
	}
	if maxK <= 0 {
		maxK = MaxK
	}
	if strings.TrimSpace(q.ScopeID) == "" {
		return &ValidationError{Field: "scope_id", Reason: "cannot be empty"}
	}
	if strings.TrimSpace(q.Query) == "" {
		return &ValidationError{Field: "query", Reason: "cannot be empty"}
	}
	if q.K <= 0 {
		q.K = defaultK
	}
	if q.K > maxK {
		q.K = maxK
	}
	return nil
}
