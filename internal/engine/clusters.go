package engine

import (
	"context"
	"errors"
	"log"
	"math"
	"strings"

	"github.com/scrypster/quanta/pkg/types"
)

const (
	// clusterRecentMembers is the number of most recent members a new record
	// is compared against.
	clusterRecentMembers = 5

	// clusterTypeBonus is added when a cluster's theme starts with the
	// record's content type.
	clusterTypeBonus = 0.1

	// clusterThemeTerms is the number of leading terms in a new theme.
	clusterThemeTerms = 3
)

// Clusters returns copies of all clusters in formation order.
func (e *MemoryEngine) Clusters(ctx context.Context) ([]*types.Cluster, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkStartedLocked(); err != nil {
		return nil, err
	}

	out := make([]*types.Cluster, len(e.clusters))
	for i, c := range e.clusters {
		cp := *c
		cp.MemberIDs = append([]string(nil), c.MemberIDs...)
		out[i] = &cp
	}
	return out, nil
}

// clusterLocked places q in the best matching cluster or seeds a new one.
func (e *MemoryEngine) clusterLocked(ctx context.Context, q *types.Quantum) {
	now := e.now()
	e.clusterEmbeddings.Add(q.ID, q.ContextEmbeddings)

	best, bestSim := -1, 0.0
	for i, c := range e.clusters {
		var total float64
		n := 0
		for _, member := range c.RecentMembers(clusterRecentMembers) {
			emb, ok := e.memberEmbeddingsLocked(ctx, member)
			if !ok {
				continue
			}
			total += Similarity(q.ContextEmbeddings, emb)
			n++
		}
		if n == 0 {
			continue
		}

		sim := total / float64(n)
		if themeHasType(c.Theme, q.ContentType) {
			sim += clusterTypeBonus
		}
		sim = math.Min(sim, 1)
		if sim > bestSim {
			best, bestSim = i, sim
		}
	}

	if best >= 0 && bestSim > e.config.ClusterThreshold {
		c := e.clusters[best]
		c.MemberIDs = append(c.MemberIDs, q.ID)
		c.Strength = (c.Strength + bestSim) / 2
		c.LastReinforcedAt = now
		if err := e.backend.SaveCluster(ctx, c); err != nil {
			log.Printf("engine: failed to save cluster %s: %v", c.ID, err)
		}
		return
	}

	c := &types.Cluster{
		Theme:            clusterTheme(q),
		MemberIDs:        []string{q.ID},
		Strength:         1.0,
		FormedAt:         now,
		LastReinforcedAt: now,
	}
	if err := e.backend.SaveCluster(ctx, c); err != nil {
		log.Printf("engine: failed to form cluster for %s: %v", q.ID, err)
		return
	}
	e.clusters = append(e.clusters, c)
}

// memberEmbeddingsLocked returns the embeddings of a cluster member.
// Embeddings never change after creation, so the most recently used ones
// are memoised in a cache bounded by MaxCacheSize.
func (e *MemoryEngine) memberEmbeddingsLocked(ctx context.Context, id string) (map[string]float64, bool) {
	if q, ok := e.workingSet[id]; ok {
		return q.ContextEmbeddings, true
	}
	if emb, ok := e.clusterEmbeddings.Get(id); ok {
		return emb, true
	}
	q, err := e.backend.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("engine: failed to load cluster member %s: %v", id, err)
		}
		return nil, false
	}
	e.clusterEmbeddings.Add(id, q.ContextEmbeddings)
	return q.ContextEmbeddings, true
}

// removeFromClustersLocked drops id from every cluster, deleting clusters
// left empty.
func (e *MemoryEngine) removeFromClustersLocked(ctx context.Context, id string) {
	kept := e.clusters[:0]
	for _, c := range e.clusters {
		if !c.RemoveMember(id) {
			kept = append(kept, c)
			continue
		}
		if len(c.MemberIDs) == 0 {
			if err := e.backend.DeleteCluster(ctx, c.ID); err != nil {
				log.Printf("engine: failed to delete empty cluster %s: %v", c.ID, err)
			}
			continue
		}
		if err := e.backend.SaveCluster(ctx, c); err != nil {
			log.Printf("engine: failed to save cluster %s: %v", c.ID, err)
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(e.clusters); i++ {
		e.clusters[i] = nil
	}
	e.clusters = kept
}

// clusterTheme names a new cluster after the record's content type and its
// heaviest content terms, e.g. "error_log_disk.full.write".
func clusterTheme(q *types.Quantum) string {
	var terms []string
	for _, term := range sortedByWeight(q.ContextEmbeddings) {
		if strings.HasPrefix(term, contextTermPrefix) {
			continue
		}
		terms = append(terms, term)
		if len(terms) == clusterThemeTerms {
			break
		}
	}
	if len(terms) == 0 {
		return q.ContentType
	}
	return q.ContentType + "_" + strings.Join(terms, ".")
}

func themeHasType(theme, contentType string) bool {
	return theme == contentType || strings.HasPrefix(theme, contentType+"_")
}
