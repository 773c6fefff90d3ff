package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/quanta/internal/storage"
	"github.com/scrypster/quanta/internal/storage/sqlite"
	"github.com/scrypster/quanta/pkg/types"
)

func TestEngine_ConsolidateEvictsAndDecays(t *testing.T) {
	e, store := newTestEngine(t, func(c *Config) {
		c.MaxCacheSize = 2
		c.RelevanceThreshold = 0.9
		c.DecayRate = 0.5
	})
	ctx := context.Background()

	keep1, err := e.Store(ctx, StoreRequest{Content: "alpha", ContentType: types.ContentTypeUserPreference})
	require.NoError(t, err)
	keep2, err := e.Store(ctx, StoreRequest{Content: "bravo", ContentType: types.ContentTypeSuccessPattern})
	require.NoError(t, err)
	evict1, err := e.Store(ctx, StoreRequest{Content: "charlie"})
	require.NoError(t, err)
	evict2, err := e.Store(ctx, StoreRequest{Content: "delta"})
	require.NoError(t, err)

	report, err := e.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Examined)
	assert.Equal(t, 2, report.Kept)
	assert.Equal(t, 2, report.Evicted)
	assert.Equal(t, 2, report.Decayed)
	assert.Equal(t, 0, report.Failed)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CachedRecords)
	assert.Equal(t, 4, stats.TotalRecords)
	assert.Equal(t, 1, stats.ConsolidationsPerformed)

	e.mu.Lock()
	_, ok1 := e.workingSet[keep1]
	_, ok2 := e.workingSet[keep2]
	e.mu.Unlock()
	assert.True(t, ok1)
	assert.True(t, ok2)

	decayed, err := store.Get(ctx, evict1)
	require.NoError(t, err)
	assert.InDelta(t, InitialRelevance("charlie", types.ContentTypeGeneral, 0)*0.5, decayed.RelevanceScore, 1e-9)

	// Evicted records stay retrievable through the engine.
	q, err := e.Get(ctx, evict2)
	require.NoError(t, err)
	assert.InDelta(t, InitialRelevance("delta", types.ContentTypeGeneral, 0)*0.5, q.RelevanceScore, 1e-9)
}

func TestEngine_ConsolidateKeepsHighRelevanceUndecayed(t *testing.T) {
	e, store := newTestEngine(t, func(c *Config) {
		c.MaxCacheSize = 1
		c.RelevanceThreshold = 0.3
	})
	ctx := context.Background()

	_, err := e.Store(ctx, StoreRequest{Content: "kept preference", ContentType: types.ContentTypeUserPreference})
	require.NoError(t, err)
	evicted, err := e.Store(ctx, StoreRequest{Content: "evicted note"})
	require.NoError(t, err)

	report, err := e.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, 0, report.Decayed)

	q, err := store.Get(ctx, evicted)
	require.NoError(t, err)
	assert.InDelta(t, InitialRelevance("evicted note", types.ContentTypeGeneral, 0), q.RelevanceScore, 1e-9)
}

func TestEngine_ConsolidateAppliesIdleTransitions(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	clock := time.Now()
	e.now = func() time.Time { return clock }

	id, err := e.Store(ctx, StoreRequest{Content: "idle record"})
	require.NoError(t, err)

	clock = clock.Add(8 * 24 * time.Hour)
	report, err := e.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StateChanges)

	q, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateFading, q.State)

	clock = clock.Add(31 * 24 * time.Hour)
	_, err = e.Consolidate(ctx)
	require.NoError(t, err)
	q, err = e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateDormant, q.State)

	// Access wakes a dormant record one tier at a time.
	results, err := e.Search(ctx, SearchOptions{Query: "idle record"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.StateFading, results[0].Quantum.State)

	results, err = e.Search(ctx, SearchOptions{Query: "idle record"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, types.StateActive, results[0].Quantum.State)
}

func TestEngine_ConsolidateHonoursCancellation(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.Store(context.Background(), StoreRequest{Content: "pending work"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Consolidate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_CleanupLowRelevance(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	stale := putRecord(t, store, "stale note", 0.1, 0)
	used := putRecord(t, store, "stale but used note", 0.1, 5)
	valuable := putRecord(t, store, "valuable note", 0.9, 0)

	e, err := NewMemoryEngine(store, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() {
		_ = e.Shutdown(context.Background())
		_ = store.Close()
	})

	deleted, err := e.CleanupLowRelevance(ctx, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = e.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Get(ctx, used.ID)
	assert.NoError(t, err)
	_, err = e.Get(ctx, valuable.ID)
	assert.NoError(t, err)

	deleted, err = e.CleanupLowRelevance(ctx, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestRequestConsolidationCoalesces(t *testing.T) {
	e := &MemoryEngine{consolidationRequests: make(chan struct{}, 1)}
	assert.True(t, e.requestConsolidation())
	assert.False(t, e.requestConsolidation())
}

// gatedCandidates holds every candidate query until release is closed.
type gatedCandidates struct {
	*sqlite.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCandidates) Candidates(ctx context.Context, opts storage.CandidateOptions) ([]*types.Quantum, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Store.Candidates(ctx, opts)
}

func TestEngine_SearchKeepsDecayFromConcurrentConsolidation(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	gated := &gatedCandidates{Store: store, entered: make(chan struct{}, 1), release: make(chan struct{})}

	putRecord(t, store, "bravo steady one", 0.9, 0)
	putRecord(t, store, "charlie steady two", 0.9, 0)
	low := putRecord(t, store, "alpha low signal", 0.1, 0)

	cfg := DefaultConfig()
	cfg.ConsolidationInterval = 0
	cfg.MaxCacheSize = 2
	e, err := NewMemoryEngine(gated, cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() {
		_ = e.Shutdown(context.Background())
		_ = store.Close()
	})

	// Pull the low record into the working set.
	_, err = e.Reinforce(ctx, low.ID, "")
	require.NoError(t, err)

	type outcome struct {
		results []SearchResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, err := e.Search(ctx, SearchOptions{Query: "alpha"})
		done <- outcome{results, err}
	}()
	<-gated.entered

	report, err := e.Consolidate(ctx)
	if err != nil {
		close(gated.release)
		t.Fatalf("consolidate: %v", err)
	}
	assert.Equal(t, 1, report.Evicted)
	assert.Equal(t, 1, report.Decayed)

	decayed, err := store.Get(ctx, low.ID)
	require.NoError(t, err)
	wantDecayed := 0.1 * reinforceBoost * (1 - cfg.DecayRate)
	assert.InDelta(t, wantDecayed, decayed.RelevanceScore, 1e-9)

	close(gated.release)
	out := <-done
	require.NoError(t, out.err)
	require.Len(t, out.results, 1)
	assert.Equal(t, low.ID, out.results[0].Quantum.ID)
	assert.InDelta(t, wantDecayed*accessBoost, out.results[0].Quantum.RelevanceScore, 1e-9)

	persisted, err := store.Get(ctx, low.ID)
	require.NoError(t, err)
	assert.InDelta(t, wantDecayed*accessBoost, persisted.RelevanceScore, 1e-9)
	assert.Equal(t, 2, persisted.AccessCount)
}
