// Package engine provides the core Quanta memory engine: embedding
// extraction, relevance scoring, similarity search, the in-memory working set
// with consolidation, the relationship graph and opportunistic clusters.
//
// A MemoryEngine owns one storage backend. All record mutations go through
// the engine so that the working set and the persistent table stay in step.
package engine

import (
	"fmt"
	"time"

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/pkg/types"
)

// Config holds configuration for the memory engine.
type Config struct {
	// MaxCacheSize is the number of records kept in the working set after a
	// consolidation (default: 1000).
	MaxCacheSize int

	// RelevanceThreshold is the relevance below which evicted records decay
	// and new records start volatile (default: 0.3).
	RelevanceThreshold float64

	// ConsolidationInterval is the number of stores between automatic
	// consolidation requests (default: 100). Zero disables store-triggered
	// consolidation.
	ConsolidationInterval int

	// DecayRate is the fraction of relevance removed from evicted low-value
	// records (default: 0.2, i.e. relevance *= 0.8).
	DecayRate float64

	// ConsolidationPeriod triggers consolidation on a timer when > 0
	// (default: 0, disabled).
	ConsolidationPeriod time.Duration

	// ConsolidationBatchSize is the number of records processed per batch
	// during consolidation and cleanup (default: 200).
	ConsolidationBatchSize int

	// BatchesPerSecond paces consolidation and cleanup batches (default: 20).
	BatchesPerSecond float64

	// SearchCandidateLimit bounds the rows fetched from the backend per
	// search (default: 500).
	SearchCandidateLimit int

	// QueryCacheSize is the number of tokenised queries kept (default: 256).
	QueryCacheSize int

	// AssociationTopK is the maximum number of automatic "related" edges
	// created per store (default: 5).
	AssociationTopK int

	// AssociationThreshold is the minimum similarity for an automatic edge
	// (default: 0.3).
	AssociationThreshold float64

	// AssociationCandidates is the number of top-relevance records from the
	// backend compared on store, in addition to the working set (default: 100).
	AssociationCandidates int

	// ClusterThreshold is the similarity a record needs to join an existing
	// cluster (default: 0.7).
	ClusterThreshold float64

	// Lifecycle holds the state machine thresholds.
	Lifecycle LifecycleConfig

	// Guard configures the per-call timeout and circuit breaker around the
	// backend.
	Guard storage.GuardConfig

	// ShutdownTimeout is the maximum time to wait for the consolidation
	// worker on shutdown (default: 30s).
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize:           1000,
		RelevanceThreshold:     0.3,
		ConsolidationInterval:  100,
		DecayRate:              0.2,
		ConsolidationBatchSize: 200,
		BatchesPerSecond:       20,
		SearchCandidateLimit:   500,
		QueryCacheSize:         256,
		AssociationTopK:        5,
		AssociationThreshold:   0.3,
		AssociationCandidates:  100,
		ClusterThreshold:       0.7,
		Lifecycle:              DefaultLifecycleConfig(),
		Guard:                  storage.DefaultGuardConfig(),
		ShutdownTimeout:        30 * time.Second,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.MaxCacheSize < 1 {
		return fmt.Errorf("MaxCacheSize must be >= 1, got %d", c.MaxCacheSize)
	}

	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("RelevanceThreshold must be in [0,1], got %f", c.RelevanceThreshold)
	}

	if c.ConsolidationInterval < 0 {
		return fmt.Errorf("ConsolidationInterval must be >= 0, got %d", c.ConsolidationInterval)
	}

	if c.DecayRate < 0 || c.DecayRate > 1 {
		return fmt.Errorf("DecayRate must be in [0,1], got %f", c.DecayRate)
	}

	if c.ConsolidationPeriod < 0 {
		return fmt.Errorf("ConsolidationPeriod must be >= 0, got %v", c.ConsolidationPeriod)
	}

	if c.ConsolidationBatchSize < 1 {
		return fmt.Errorf("ConsolidationBatchSize must be >= 1, got %d", c.ConsolidationBatchSize)
	}

	if c.BatchesPerSecond <= 0 {
		return fmt.Errorf("BatchesPerSecond must be > 0, got %f", c.BatchesPerSecond)
	}

	if c.SearchCandidateLimit < 1 {
		return fmt.Errorf("SearchCandidateLimit must be >= 1, got %d", c.SearchCandidateLimit)
	}

	if c.QueryCacheSize < 1 {
		return fmt.Errorf("QueryCacheSize must be >= 1, got %d", c.QueryCacheSize)
	}

	if c.AssociationTopK < 0 {
		return fmt.Errorf("AssociationTopK must be >= 0, got %d", c.AssociationTopK)
	}

	if c.AssociationThreshold < 0 || c.AssociationThreshold > 1 {
		return fmt.Errorf("AssociationThreshold must be in [0,1], got %f", c.AssociationThreshold)
	}

	if c.AssociationCandidates < 0 {
		return fmt.Errorf("AssociationCandidates must be >= 0, got %d", c.AssociationCandidates)
	}

	if c.ClusterThreshold < 0 || c.ClusterThreshold > 1 {
		return fmt.Errorf("ClusterThreshold must be in [0,1], got %f", c.ClusterThreshold)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}

	return c.Lifecycle.Validate()
}

// StoreRequest describes a record to store.
type StoreRequest struct {
	// Content is the free-form text body. Required.
	Content string

	// ContentType is the categorical tag. Defaults to "general".
	ContentType string

	// Tags are short labels. They are trimmed, lowercased and deduplicated.
	Tags []string

	// Context contributes "context_<key>" embedding terms and the context
	// hash. String and numeric values are used; others are ignored.
	Context map[string]interface{}

	// Metadata is stored verbatim.
	Metadata map[string]interface{}
}

// SearchOptions configures search behavior.
type SearchOptions struct {
	// Query is the search query string. Required.
	Query string

	// ContentType filters results by content type (optional).
	ContentType string

	// State filters results by lifecycle state (optional).
	State types.QuantumState

	// MinRelevance filters to records with relevance >= this value (0.0 to 1.0).
	MinRelevance float64

	// Limit is the maximum number of results to return (default: 10, max: 100).
	Limit int
}

// SearchResult represents a record with its search score.
type SearchResult struct {
	// Quantum is the matched record, after its access update.
	Quantum *types.Quantum

	// Score is the overall search score (0.0 to 1.0).
	Score float64

	// Components breaks down the score into individual factors.
	Components ScoreComponents

	// FromCache reports whether the record was served from the working set.
	FromCache bool
}

// ScoreComponents breaks down a search score into individual factors.
type ScoreComponents struct {
	// ContentMatch is 1.0 for a substring match, else the fraction of query
	// words present in the content.
	ContentMatch float64

	// ContextMatch is the share of embedding weight on terms containing a
	// query word.
	ContextMatch float64

	// Relevance is the record's relevance score before the access update.
	Relevance float64
}

// ConsolidationReport summarises one consolidation pass.
type ConsolidationReport struct {
	Examined     int `json:"examined"`
	Kept         int `json:"kept"`
	Evicted      int `json:"evicted"`
	Decayed      int `json:"decayed"`
	StateChanges int `json:"state_changes"`
	Failed       int `json:"failed"`
}

// Stats is a read-only snapshot of engine counters.
type Stats struct {
	TotalRecords            int     `json:"total_records"`
	CachedRecords           int     `json:"cached_records"`
	CacheHitRate            float64 `json:"cache_hit_rate"`
	AverageRelevance        float64 `json:"average_relevance"`
	ConsolidationsPerformed int     `json:"consolidations_performed"`
	StoresPerformed         int     `json:"stores_performed"`
	SearchesPerformed       int     `json:"searches_performed"`
	Clusters                int     `json:"clusters"`
}
