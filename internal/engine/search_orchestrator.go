package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/pkg/types"
)

// scoreBatchSize is the number of candidates scored between cancellation
// checks.
const scoreBatchSize = 256

// queryTokens is the tokenised form of a search query.
type queryTokens struct {
	// lower is the trimmed, lowercased query.
	lower string

	// words are all distinct query words, used for content matching.
	words []string

	// terms are the words used for candidate narrowing and context matching:
	// words of three or more runes, or every word when none is that long.
	terms []string
}

// SearchOrchestrator ranks records against a query. It reads candidates from
// the working set snapshot it is given and from the backend; it never
// mutates records.
type SearchOrchestrator struct {
	store          storage.QuantumStore
	candidateLimit int
	queryCache     *lru.Cache[string, queryTokens]
}

// NewSearchOrchestrator creates a new search orchestrator.
func NewSearchOrchestrator(store storage.QuantumStore, candidateLimit, queryCacheSize int) (*SearchOrchestrator, error) {
	cache, err := lru.New[string, queryTokens](queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &SearchOrchestrator{
		store:          store,
		candidateLimit: candidateLimit,
		queryCache:     cache,
	}, nil
}

// tokens returns the tokenised query, from cache when possible.
func (s *SearchOrchestrator) tokens(query string) queryTokens {
	lower := strings.ToLower(strings.TrimSpace(query))
	if qt, ok := s.queryCache.Get(lower); ok {
		return qt
	}

	qt := queryTokens{lower: lower}
	seen := make(map[string]bool)
	for _, w := range Tokenize(lower) {
		if seen[w] {
			continue
		}
		seen[w] = true
		qt.words = append(qt.words, w)
		if utf8.RuneCountInString(w) >= minTermRunes {
			qt.terms = append(qt.terms, w)
		}
	}
	if len(qt.terms) == 0 {
		qt.terms = qt.words
	}

	s.queryCache.Add(lower, qt)
	return qt
}

// scored is a candidate with its score, before the access update.
type scored struct {
	quantum    *types.Quantum
	components ScoreComponents
	score      float64
	fromCache  bool
}

// Rank scores the candidates for opts and returns at most opts.Limit of them
// ordered by score descending then last access descending. cached is a
// snapshot of the working set whose entries are never mutated.
func (s *SearchOrchestrator) Rank(ctx context.Context, opts SearchOptions, cached []*types.Quantum) ([]scored, error) {
	qt := s.tokens(opts.Query)
	if len(qt.words) == 0 {
		return nil, nil
	}

	listOpts := storage.ListOptions{
		Limit:        s.candidateLimit,
		ContentType:  opts.ContentType,
		State:        opts.State,
		MinRelevance: opts.MinRelevance,
	}

	seen := make(map[string]bool)
	var candidates []scored
	for _, q := range cached {
		if matchesFilters(q, listOpts) && isCandidate(q, qt.terms) {
			seen[q.ID] = true
			candidates = append(candidates, scored{quantum: q, fromCache: true})
		}
	}

	fromStore, err := s.store.Candidates(ctx, storage.CandidateOptions{ListOptions: listOpts, Terms: qt.terms})
	if err != nil {
		return nil, storageErr("candidates", err)
	}
	for _, q := range fromStore {
		if seen[q.ID] {
			continue
		}
		seen[q.ID] = true
		candidates = append(candidates, scored{quantum: q})
	}

	results := make([]scored, 0, len(candidates))
	for start := 0; start < len(candidates); start += scoreBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + scoreBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		for _, c := range candidates[start:end] {
			c.components = ScoreComponents{
				ContentMatch: contentMatch(strings.ToLower(c.quantum.Content), qt.lower, qt.words),
				ContextMatch: contextMatch(c.quantum.ContextEmbeddings, qt.terms),
				Relevance:    c.quantum.RelevanceScore,
			}
			c.score = searchScore(c.components)
			if c.score <= minSearchScore {
				continue
			}
			results = append(results, c)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		ti, tj := results[i].quantum.LastAccessedAt, results[j].quantum.LastAccessedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return results[i].quantum.ID < results[j].quantum.ID
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// matchesFilters applies the typed list filters to an in-memory record.
func matchesFilters(q *types.Quantum, opts storage.ListOptions) bool {
	if opts.ContentType != "" && q.ContentType != opts.ContentType {
		return false
	}
	if opts.State != "" && q.State != opts.State {
		return false
	}
	if q.RelevanceScore < opts.MinRelevance {
		return false
	}
	return true
}

// isCandidate reports whether the content contains a term or the embeddings
// have a term as a key.
func isCandidate(q *types.Quantum, terms []string) bool {
	lower := strings.ToLower(q.Content)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
		if _, ok := q.ContextEmbeddings[t]; ok {
			return true
		}
	}
	return false
}

// normalizeSearchOptions validates opts and applies defaults.
func normalizeSearchOptions(opts *SearchOptions) error {
	if strings.TrimSpace(opts.Query) == "" {
		return validationf("query is required")
	}
	if opts.MinRelevance < 0 || opts.MinRelevance > 1 || opts.MinRelevance != opts.MinRelevance {
		return validationf("min relevance %f outside [0,1]", opts.MinRelevance)
	}
	if opts.State != "" && !types.IsValidQuantumState(opts.State) {
		return validationf("unknown state %q", opts.State)
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	return nil
}
