package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/pkg/types"
)

// MemoryEngine is the store instance. It owns one backend, an in-memory
// working set of high-value records, the cluster list and the background
// consolidation worker.
//
// One mutex guards the working set, clusters, counters and every
// read-modify-write of a record. Working-set entries are never mutated in
// place: updates replace the entry with a modified clone, so snapshots taken
// under the lock can be read without it.
type MemoryEngine struct {
	// Configuration
	config Config

	// Storage layer (guarded by timeout and circuit breaker)
	backend storage.Backend
	guard   *storage.Guard

	// Intelligence layer
	searchOrchestrator *SearchOrchestrator
	lifecycle          *LifecycleManager
	limiter            *rate.Limiter

	// State management
	mu           sync.Mutex
	started      bool
	shuttingDown bool

	workingSet        map[string]*types.Quantum
	clusters          []*types.Cluster
	clusterEmbeddings *lru.Cache[string, map[string]float64]

	storesSinceConsolidation int
	counters                 counters

	// consolidateMu serialises consolidation passes.
	consolidateMu sync.Mutex

	// Background consolidation worker
	consolidationRequests chan struct{}
	workerWaitGroup       sync.WaitGroup
	workerCtx             context.Context
	workerCancel          context.CancelFunc

	now func() time.Time
}

type counters struct {
	stores         int
	searches       int
	consolidations int
	cacheHits      int
	cacheMisses    int
}

// NewMemoryEngine creates a new memory engine over backend. Every backend
// call is wrapped in a storage.Guard built from cfg.Guard.
// Use DefaultConfig() for sensible defaults.
func NewMemoryEngine(backend storage.Backend, cfg Config) (*MemoryEngine, error) {
	if backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	guard := storage.NewGuard(backend, cfg.Guard)

	search, err := NewSearchOrchestrator(guard, cfg.SearchCandidateLimit, cfg.QueryCacheSize)
	if err != nil {
		return nil, err
	}

	// Member embeddings are kept for at most as many records as the
	// working set holds.
	embeddings, err := lru.New[string, map[string]float64](cfg.MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster embedding cache: %w", err)
	}

	return &MemoryEngine{
		config:             cfg,
		backend:            guard,
		guard:              guard,
		searchOrchestrator: search,
		lifecycle:          NewLifecycleManager(cfg.Lifecycle),
		limiter:            rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), 1),
		workingSet:         make(map[string]*types.Quantum),
		clusterEmbeddings:  embeddings,
		now:                time.Now,
	}, nil
}

// Start loads the working set and clusters from the backend and starts the
// consolidation worker. This must be called before any other operation.
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	log.Println("engine: starting...")

	warm, err := e.backend.List(ctx, storage.ListOptions{Limit: e.config.MaxCacheSize})
	if err != nil {
		return storageErr("load working set", err)
	}
	clusters, err := e.backend.ListClusters(ctx)
	if err != nil {
		return storageErr("load clusters", err)
	}

	e.workingSet = make(map[string]*types.Quantum, len(warm))
	for _, q := range warm {
		e.workingSet[q.ID] = q
	}
	e.clusters = clusters
	e.clusterEmbeddings.Purge()
	e.storesSinceConsolidation = 0

	e.workerCtx, e.workerCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.consolidationRequests = make(chan struct{}, 1)
	e.workerWaitGroup.Add(1)
	go e.consolidationWorker(e.workerCtx)

	e.started = true
	log.Printf("engine: started with %d cached records and %d clusters", len(e.workingSet), len(e.clusters))

	return nil
}

// Shutdown stops the consolidation worker, cancelling a pass in progress.
// Committed work is kept. The backend is not closed.
func (e *MemoryEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.shuttingDown {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.shuttingDown = true
	cancel := e.workerCancel
	e.mu.Unlock()

	log.Println("engine: shutting down...")

	if cancel != nil {
		cancel()
	}
	err := e.stopWorker(ctx)

	e.mu.Lock()
	e.started = false
	e.shuttingDown = false
	e.mu.Unlock()

	log.Println("engine: shut down")
	return err
}

// Store validates and persists a new record and returns its id. Storing the
// same content and content type again reinforces the existing record
// instead of creating a duplicate, so Store is safe to retry.
func (e *MemoryEngine) Store(ctx context.Context, req StoreRequest) (string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return "", validationf("content is required")
	}

	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = types.ContentTypeGeneral
	}
	tags := types.NormalizeTags(req.Tags)
	id := types.GenerateQuantumID(req.Content, contentType)
	note := contextNote(req.Context)

	// Pure derivations run before taking the lock.
	embeddings := ExtractEmbeddings(req.Content, req.Context)
	relevance := InitialRelevance(req.Content, contentType, len(tags))
	contextHash := ContextHash(req.Context)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkStartedLocked(); err != nil {
		return "", err
	}

	existing, err := e.lookupLocked(ctx, id)
	switch {
	case err == nil:
		if _, err := e.reinforceLocked(ctx, existing, types.AccessStore, note); err != nil {
			return "", err
		}
		e.afterStoreLocked()
		return id, nil
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	now := e.now()
	q := &types.Quantum{
		ID:                id,
		Content:           req.Content,
		ContentType:       contentType,
		Tags:              tags,
		RelevanceScore:    relevance,
		CreatedAt:         now,
		LastAccessedAt:    now,
		ContextEmbeddings: embeddings,
		State:             e.lifecycle.InitialState(relevance, e.config.RelevanceThreshold),
		ContextHash:       contextHash,
		Metadata:          req.Metadata,
	}

	if err := e.backend.Put(ctx, q); err != nil {
		return "", storageErr("put", err)
	}
	e.workingSet[id] = q
	e.logAccessLocked(ctx, q, types.AccessStore, note)

	e.associateLocked(ctx, q)
	e.clusterLocked(ctx, q)

	e.afterStoreLocked()
	return id, nil
}

// Get returns a copy of the record with the given id without counting it as
// an access.
func (e *MemoryEngine) Get(ctx context.Context, id string) (*types.Quantum, error) {
	if id == "" {
		return nil, validationf("id is required")
	}

	e.mu.Lock()
	if err := e.checkStartedLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	cached, ok := e.workingSet[id]
	e.mu.Unlock()

	if ok {
		return cached.Clone(), nil
	}

	q, err := e.backend.Get(ctx, id)
	if err != nil {
		return nil, storageErr("get", err)
	}
	return q, nil
}

// Delete removes a record, its edges and its cluster memberships. Deleting
// an absent record is not an error.
func (e *MemoryEngine) Delete(ctx context.Context, id string) error {
	if id == "" {
		return validationf("id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkStartedLocked(); err != nil {
		return err
	}
	return e.deleteLocked(ctx, id)
}

// Reinforce records an explicit reinforcement: access count and
// reinforcement level go up by one and relevance by 10% (capped at 1).
func (e *MemoryEngine) Reinforce(ctx context.Context, id, note string) (*types.Quantum, error) {
	if id == "" {
		return nil, validationf("id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkStartedLocked(); err != nil {
		return nil, err
	}

	cur, err := e.lookupLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := e.reinforceLocked(ctx, cur, types.AccessReinforce, note)
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Search ranks records against a query. Scoring runs outside the engine
// lock; every returned record then receives exactly one access update.
func (e *MemoryEngine) Search(ctx context.Context, opts SearchOptions) ([]SearchResult, error) {
	if err := normalizeSearchOptions(&opts); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if err := e.checkStartedLocked(); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	ranked, err := e.searchOrchestrator.Rank(ctx, opts, snapshot)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	results := make([]SearchResult, 0, len(ranked))
	for _, r := range ranked {
		// Start from the current version: consolidation may have evicted
		// and decayed the record while ranking ran unlocked.
		cur, err := e.lookupLocked(ctx, r.quantum.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}

		updated := cur.Clone()
		updated.AccessCount++
		updated.RelevanceScore = types.ClampRelevance(cur.RelevanceScore * accessBoost)
		updated.LastAccessedAt = now
		updated.State = e.lifecycle.OnAccess(updated)

		if err := e.applyAccessLocked(ctx, updated); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Deleted after ranking.
				delete(e.workingSet, cur.ID)
				continue
			}
			return nil, err
		}
		e.logAccessLocked(ctx, updated, types.AccessSearch, opts.Query)

		if r.fromCache {
			e.counters.cacheHits++
		} else {
			e.counters.cacheMisses++
		}

		results = append(results, SearchResult{
			Quantum:    updated.Clone(),
			Score:      r.score,
			Components: r.components,
			FromCache:  r.fromCache,
		})
	}

	e.counters.searches++
	if len(e.workingSet) >= 2*e.config.MaxCacheSize {
		e.requestConsolidation()
	}

	return results, nil
}

// AccessHistory returns up to limit recent access events for a record,
// newest first.
func (e *MemoryEngine) AccessHistory(ctx context.Context, id string, limit int) ([]types.AccessEvent, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	events, err := e.backend.RecentAccesses(ctx, id, limit)
	if err != nil {
		return nil, storageErr("recent accesses", err)
	}
	return events, nil
}

// Stats returns a snapshot of engine counters and backend aggregates.
func (e *MemoryEngine) Stats(ctx context.Context) (Stats, error) {
	e.mu.Lock()
	if err := e.checkStartedLocked(); err != nil {
		e.mu.Unlock()
		return Stats{}, err
	}
	stats := Stats{
		CachedRecords:           len(e.workingSet),
		ConsolidationsPerformed: e.counters.consolidations,
		StoresPerformed:         e.counters.stores,
		SearchesPerformed:       e.counters.searches,
		Clusters:                len(e.clusters),
	}
	if lookups := e.counters.cacheHits + e.counters.cacheMisses; lookups > 0 {
		stats.CacheHitRate = float64(e.counters.cacheHits) / float64(lookups)
	}
	e.mu.Unlock()

	total, err := e.backend.Count(ctx)
	if err != nil {
		return Stats{}, storageErr("count", err)
	}
	avg, err := e.backend.AverageRelevance(ctx)
	if err != nil {
		return Stats{}, storageErr("average relevance", err)
	}
	stats.TotalRecords = total
	stats.AverageRelevance = avg

	return stats, nil
}

// BreakerState reports the backend circuit state ("closed", "half-open" or
// "open").
func (e *MemoryEngine) BreakerState() string {
	return e.guard.State()
}

func (e *MemoryEngine) checkStarted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkStartedLocked()
}

func (e *MemoryEngine) checkStartedLocked() error {
	if !e.started || e.shuttingDown {
		return ErrNotStarted
	}
	return nil
}

// lookupLocked returns the current version of a record, preferring the
// working set.
func (e *MemoryEngine) lookupLocked(ctx context.Context, id string) (*types.Quantum, error) {
	if q, ok := e.workingSet[id]; ok {
		return q, nil
	}
	q, err := e.backend.Get(ctx, id)
	if err != nil {
		return nil, storageErr("get", err)
	}
	return q, nil
}

// reinforceLocked applies a reinforcement to cur and returns the new version.
func (e *MemoryEngine) reinforceLocked(ctx context.Context, cur *types.Quantum, kind, note string) (*types.Quantum, error) {
	updated := cur.Clone()
	updated.AccessCount++
	updated.ReinforcementLevel++
	updated.RelevanceScore = types.ClampRelevance(cur.RelevanceScore * reinforceBoost)
	updated.LastAccessedAt = e.now()
	updated.State = e.lifecycle.OnAccess(updated)

	if err := e.applyAccessLocked(ctx, updated); err != nil {
		return nil, err
	}
	e.logAccessLocked(ctx, updated, kind, note)
	return updated, nil
}

// applyAccessLocked persists an access update and caches the new version.
func (e *MemoryEngine) applyAccessLocked(ctx context.Context, updated *types.Quantum) error {
	err := e.backend.ApplyAccess(ctx, updated.ID, storage.AccessUpdate{
		RelevanceScore:     updated.RelevanceScore,
		ReinforcementLevel: updated.ReinforcementLevel,
		State:              updated.State,
		AccessedAt:         updated.LastAccessedAt,
	})
	if err != nil {
		return storageErr("apply access", err)
	}
	e.workingSet[updated.ID] = updated
	return nil
}

// logAccessLocked appends to the access log. Failures are logged only.
func (e *MemoryEngine) logAccessLocked(ctx context.Context, q *types.Quantum, kind, note string) {
	err := e.backend.LogAccess(ctx, types.AccessEvent{
		QuantumID:         q.ID,
		Kind:              kind,
		Context:           note,
		RelevanceAtAccess: q.RelevanceScore,
		At:                q.LastAccessedAt,
	})
	if err != nil {
		log.Printf("engine: failed to log %s access for %s: %v", kind, q.ID, err)
	}
}

// deleteLocked removes id from the backend, the working set, neighbour
// association sets and clusters.
func (e *MemoryEngine) deleteLocked(ctx context.Context, id string) error {
	if err := e.backend.Delete(ctx, id); err != nil {
		return storageErr("delete", err)
	}

	delete(e.workingSet, id)
	e.clusterEmbeddings.Remove(id)
	for nid, n := range e.workingSet {
		if n.HasAssociation(id) {
			updated := n.Clone()
			updated.RemoveAssociation(id)
			e.workingSet[nid] = updated
		}
	}

	e.removeFromClustersLocked(ctx, id)
	return nil
}

// afterStoreLocked counts a store and requests consolidation every
// ConsolidationInterval stores.
func (e *MemoryEngine) afterStoreLocked() {
	e.counters.stores++
	if e.config.ConsolidationInterval == 0 {
		return
	}
	e.storesSinceConsolidation++
	if e.storesSinceConsolidation >= e.config.ConsolidationInterval {
		e.storesSinceConsolidation = 0
		e.requestConsolidation()
	}
}

// snapshotLocked returns the current working-set entries.
func (e *MemoryEngine) snapshotLocked() []*types.Quantum {
	out := make([]*types.Quantum, 0, len(e.workingSet))
	for _, q := range e.workingSet {
		out = append(out, q)
	}
	return out
}

// contextNote renders a store-time context for the access log.
func contextNote(context map[string]interface{}) string {
	if len(context) == 0 {
		return ""
	}
	b, err := json.Marshal(context)
	if err != nil {
		return ""
	}
	return string(b)
}
