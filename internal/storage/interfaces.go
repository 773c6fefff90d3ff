// Package storage provides composable storage interfaces for the Quanta
// memory store.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. Backends only provide
// durable rows and indexed lookups; scoring, caching and lifecycle decisions
// live in the engine.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/quanta/pkg/types"
)

// QuantumStore provides persistence for quanta.
type QuantumStore interface {
	// Put creates or replaces a quantum (upsert semantics keyed by ID).
	Put(ctx context.Context, q *types.Quantum) error

	// Get retrieves a quantum by ID.
	// Returns ErrNotFound if the quantum doesn't exist.
	Get(ctx context.Context, id string) (*types.Quantum, error)

	// Delete permanently removes a quantum, every relationship that
	// references it, its access log rows, and its id from the associated
	// sets of its neighbours. Deleting an absent quantum is not an error.
	Delete(ctx context.Context, id string) error

	// List returns quanta ordered by relevance (descending) then last access
	// (descending), filtered by opts.
	List(ctx context.Context, opts ListOptions) ([]*types.Quantum, error)

	// Candidates returns quanta matching the filters whose content contains
	// at least one of the terms as a substring or whose embeddings contain
	// at least one of the terms as a key.
	Candidates(ctx context.Context, opts CandidateOptions) ([]*types.Quantum, error)

	// ApplyAccess records one access: access_count is incremented by exactly
	// one and the given relevance, reinforcement level, state and timestamp
	// are written. Returns ErrNotFound if the quantum doesn't exist.
	ApplyAccess(ctx context.Context, id string, update AccessUpdate) error

	// UpdateRelevance overwrites the relevance score of a quantum.
	// Returns ErrNotFound if the quantum doesn't exist.
	UpdateRelevance(ctx context.Context, id string, score float64) error

	// UpdateState overwrites the lifecycle state of a quantum.
	// Returns ErrNotFound if the quantum doesn't exist.
	UpdateState(ctx context.Context, id string, state types.QuantumState) error

	// LowRelevanceIDs returns the ids of quanta with relevance_score below
	// threshold and access_count below maxAccessCount.
	LowRelevanceIDs(ctx context.Context, threshold float64, maxAccessCount int) ([]string, error)

	// Count returns the total number of stored quanta.
	Count(ctx context.Context) (int, error)

	// AverageRelevance returns the mean relevance_score over all quanta,
	// or 0 when the store is empty.
	AverageRelevance(ctx context.Context) (float64, error)

	// Close releases any resources held by the store.
	Close() error
}

// RelationshipStore manages the edges between quanta.
type RelationshipStore interface {
	// Link upserts an undirected edge of the given type between
	// rel.SourceID and rel.TargetID and adds each endpoint to the other's
	// associated set, atomically. If an edge of the same type already
	// connects the pair (in either direction) its strength is replaced.
	// Returns ErrNotFound if either endpoint doesn't exist.
	Link(ctx context.Context, rel *types.Relationship) error

	// Related returns the neighbours of id over both edge directions,
	// optionally restricted to relTypes, ordered by edge strength
	// descending then neighbour relevance descending.
	Related(ctx context.Context, id string, relTypes []string) ([]types.RelatedQuantum, error)

	// Relationships returns the raw edges touching id.
	Relationships(ctx context.Context, id string) ([]*types.Relationship, error)
}

// ClusterStore persists opportunistic clusters.
type ClusterStore interface {
	// SaveCluster creates or replaces a cluster.
	SaveCluster(ctx context.Context, c *types.Cluster) error

	// ListClusters returns all clusters ordered by formation time.
	ListClusters(ctx context.Context) ([]*types.Cluster, error)

	// DeleteCluster removes a cluster. Deleting an absent cluster is not an error.
	DeleteCluster(ctx context.Context, id string) error
}

// AccessLog records quantum accesses for pattern analysis.
type AccessLog interface {
	// LogAccess appends an access event.
	LogAccess(ctx context.Context, ev types.AccessEvent) error

	// RecentAccesses returns up to limit events for a quantum, newest first.
	RecentAccesses(ctx context.Context, quantumID string, limit int) ([]types.AccessEvent, error)
}

// Backend is the full persistent table the engine depends on.
type Backend interface {
	QuantumStore
	RelationshipStore
	ClusterStore
	AccessLog
}

// AccessUpdate carries the values written by QuantumStore.ApplyAccess.
type AccessUpdate struct {
	// RelevanceScore is the new relevance score (already clamped to [0,1]).
	RelevanceScore float64

	// ReinforcementLevel is the new reinforcement level.
	ReinforcementLevel int

	// State is the new lifecycle state.
	State types.QuantumState

	// AccessedAt becomes last_accessed_at.
	AccessedAt time.Time
}
