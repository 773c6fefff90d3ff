package engine

import (
	"context"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/pkg/types"
)

// Link creates or updates an undirected edge between two records and adds
// each to the other's associated set. Strength is fixed when set and does
// not decay.
func (e *MemoryEngine) Link(ctx context.Context, sourceID, targetID, relType string, strength float64) (*types.Relationship, error) {
	if sourceID == "" || targetID == "" {
		return nil, validationf("source and target ids are required")
	}
	if sourceID == targetID {
		return nil, validationf("cannot link %s to itself", sourceID)
	}
	if strength < 0 || strength > 1 || math.IsNaN(strength) {
		return nil, validationf("strength %f outside [0,1]", strength)
	}
	relType = strings.TrimSpace(relType)
	if relType == "" {
		relType = types.RelationshipRelated
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkStartedLocked(); err != nil {
		return nil, err
	}

	rel := &types.Relationship{
		SourceID: sourceID,
		TargetID: targetID,
		Type:     relType,
		Strength: strength,
	}
	if err := e.linkLocked(ctx, rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// Related returns the records connected to id by any edge, optionally
// restricted to relTypes, ordered by edge strength then relevance. It does
// not count as an access.
func (e *MemoryEngine) Related(ctx context.Context, id string, relTypes ...string) ([]types.RelatedQuantum, error) {
	if id == "" {
		return nil, validationf("id is required")
	}

	e.mu.Lock()
	if err := e.checkStartedLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	_, err := e.lookupLocked(ctx, id)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	related, err := e.backend.Related(ctx, id, relTypes)
	if err != nil {
		return nil, storageErr("related", err)
	}
	return related, nil
}

// linkLocked persists rel and mirrors the association into cached records.
func (e *MemoryEngine) linkLocked(ctx context.Context, rel *types.Relationship) error {
	if err := e.backend.Link(ctx, rel); err != nil {
		return storageErr("link", err)
	}
	e.addAssociationLocked(rel.SourceID, rel.TargetID)
	e.addAssociationLocked(rel.TargetID, rel.SourceID)
	return nil
}

func (e *MemoryEngine) addAssociationLocked(id, other string) {
	cur, ok := e.workingSet[id]
	if !ok || cur.HasAssociation(other) {
		return
	}
	updated := cur.Clone()
	updated.AddAssociation(other)
	e.workingSet[id] = updated
}

type association struct {
	id         string
	similarity float64
}

// associateLocked links q to its most similar existing records. Candidates
// are the working set plus the top AssociationCandidates records by
// relevance. Failures are logged; the store itself has already succeeded.
func (e *MemoryEngine) associateLocked(ctx context.Context, q *types.Quantum) {
	if e.config.AssociationTopK == 0 || len(q.ContextEmbeddings) == 0 {
		return
	}

	pool := make(map[string]*types.Quantum, len(e.workingSet))
	for id, other := range e.workingSet {
		if id != q.ID {
			pool[id] = other
		}
	}
	if e.config.AssociationCandidates > 0 {
		top, err := e.backend.List(ctx, storage.ListOptions{
			Limit:     e.config.AssociationCandidates,
			ExcludeID: q.ID,
		})
		if err != nil {
			log.Printf("engine: association candidates for %s unavailable: %v", q.ID, err)
		}
		for _, other := range top {
			if _, ok := pool[other.ID]; !ok {
				pool[other.ID] = other
			}
		}
	}

	var matches []association
	for id, other := range pool {
		sim := Similarity(q.ContextEmbeddings, other.ContextEmbeddings)
		if sim > 0 && sim >= e.config.AssociationThreshold {
			matches = append(matches, association{id: id, similarity: sim})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].similarity != matches[j].similarity {
			return matches[i].similarity > matches[j].similarity
		}
		return matches[i].id < matches[j].id
	})
	if len(matches) > e.config.AssociationTopK {
		matches = matches[:e.config.AssociationTopK]
	}

	for _, m := range matches {
		rel := &types.Relationship{
			SourceID: q.ID,
			TargetID: m.id,
			Type:     types.RelationshipRelated,
			Strength: m.similarity,
		}
		if err := e.linkLocked(ctx, rel); err != nil {
			log.Printf("engine: failed to associate %s with %s: %v", q.ID, m.id, err)
		}
	}
}
