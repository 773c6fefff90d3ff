package storage

import (
	"errors"
	"strings"

	"github.com/scrypster/quanta/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTransient indicates a failure the caller may retry: a timed-out
	// operation or a backend rejected by an open circuit.
	ErrTransient = errors.New("transient storage failure")
)

// ListOptions provides filtering and bounding options for list operations.
type ListOptions struct {
	// Limit is the maximum number of rows to return (default: 100, max: 10000).
	Limit int

	// ContentType filters by content type. Empty string means no filter.
	ContentType string

	// State filters by quantum state. Empty string means no filter.
	State types.QuantumState

	// MinRelevance filters to quanta with relevance_score >= this value.
	// Zero value means no minimum.
	MinRelevance float64

	// ExcludeID omits a single quantum from the results.
	ExcludeID string
}

// Normalize applies defaults and bounds.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 100
	}

	if o.Limit > 10000 {
		o.Limit = 10000
	}

	if o.MinRelevance < 0 {
		o.MinRelevance = 0
	}

	if o.MinRelevance > 1 {
		o.MinRelevance = 1
	}
}

// CandidateOptions narrows the search candidate set.
type CandidateOptions struct {
	ListOptions

	// Terms are lowercase query terms. A row is a candidate when its content
	// contains any term or its embeddings have any term as a key.
	Terms []string
}

// Normalize applies defaults, lowercases terms and drops empty ones.
func (o *CandidateOptions) Normalize() {
	o.ListOptions.Normalize()

	terms := o.Terms[:0:0]
	seen := make(map[string]bool, len(o.Terms))
	for _, t := range o.Terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	o.Terms = terms
}

// EscapeLike escapes LIKE wildcards in s using backslash as the escape
// character. Callers must add ESCAPE '\' to the LIKE clause.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
