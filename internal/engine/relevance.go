package engine

import (
	"math"
	"strings"
	"time"

	"github.com/scrypster/quanta/pkg/types"
)

// Relevance and search weights. These are tunable heuristics, not learned
// values.
const (
	baseRelevance      = 0.5
	maxLengthBonus     = 0.2
	lengthBonusDivisor = 1000.0
	tagBonusPerTag     = 0.05
	maxTagBonus        = 0.15

	reinforceBoost = 1.1
	accessBoost    = 1.02

	contentMatchWeight = 0.4
	contextMatchWeight = 0.3
	relevanceWeight    = 0.3
	minSearchScore     = 0.1

	compositeRelevanceWeight = 0.6
	compositeAccessWeight    = 0.2
	compositeRecencyWeight   = 0.2
	compositeAccessCap       = 100.0
)

// InitialRelevance scores a new record:
//
//	(0.5 + min(len/1000, 0.2) + min(0.05*tags, 0.15)) * multiplier(contentType)
//
// clamped to [0,1]. Length is measured in runes.
func InitialRelevance(content, contentType string, tagCount int) float64 {
	lengthBonus := math.Min(float64(len([]rune(content)))/lengthBonusDivisor, maxLengthBonus)
	tagBonus := math.Min(tagBonusPerTag*float64(tagCount), maxTagBonus)
	score := (baseRelevance + lengthBonus + tagBonus) * types.ContentTypeMultiplier(contentType)
	return types.ClampRelevance(score)
}

// CompositeScore ranks a working-set record for consolidation:
//
//	0.6*relevance + 0.2*min(access/100, 1) + 0.2/max(daysIdle, 1)
func CompositeScore(q *types.Quantum, now time.Time) float64 {
	days := now.Sub(q.LastAccessedAt).Hours() / 24
	if days < 1 {
		days = 1
	}
	access := math.Min(float64(q.AccessCount)/compositeAccessCap, 1)
	return compositeRelevanceWeight*q.RelevanceScore +
		compositeAccessWeight*access +
		compositeRecencyWeight/days
}

// contentMatch is 1.0 when the whole query occurs in the content, otherwise
// the fraction of query words present as whole words.
func contentMatch(contentLower, queryLower string, queryWords []string) float64 {
	if queryLower != "" && strings.Contains(contentLower, queryLower) {
		return 1.0
	}
	if len(queryWords) == 0 {
		return 0
	}
	words := make(map[string]struct{})
	for _, w := range Tokenize(contentLower) {
		words[w] = struct{}{}
	}
	present := 0
	for _, w := range queryWords {
		if _, ok := words[w]; ok {
			present++
		}
	}
	return float64(present) / float64(len(queryWords))
}

// contextMatch is the share of embedding weight carried by terms that
// contain at least one query term.
func contextMatch(embeddings map[string]float64, queryTerms []string) float64 {
	if len(embeddings) == 0 || len(queryTerms) == 0 {
		return 0
	}
	var total, matched float64
	for _, term := range sortedByWeight(embeddings) {
		w := embeddings[term]
		total += w
		for _, qt := range queryTerms {
			if strings.Contains(term, qt) {
				matched += w
				break
			}
		}
	}
	if total == 0 {
		return 0
	}
	return math.Min(matched/total, 1)
}

// searchScore combines the components into a total in [0,1].
func searchScore(c ScoreComponents) float64 {
	return types.ClampRelevance(contentMatchWeight*c.ContentMatch +
		contextMatchWeight*c.ContextMatch +
		relevanceWeight*c.Relevance)
}
