package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/quanta/internal/storage/sqlite"
	"github.com/scrypster/quanta/pkg/types"
)

// newTestEngine starts an engine over an in-memory SQLite store. mutate, if
// non-nil, adjusts the default config before the engine is built.
func newTestEngine(t *testing.T, mutate func(*Config)) (*MemoryEngine, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err, "failed to create test store")

	cfg := DefaultConfig()
	cfg.ConsolidationInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := NewMemoryEngine(store, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	t.Cleanup(func() {
		_ = e.Shutdown(context.Background())
		_ = store.Close()
	})
	return e, store
}

// putRecord writes a record straight to the backend, bypassing the engine.
func putRecord(t *testing.T, store *sqlite.Store, content string, relevance float64, accessCount int) *types.Quantum {
	t.Helper()
	now := time.Now().UTC()
	q := &types.Quantum{
		ID:                types.GenerateQuantumID(content, types.ContentTypeGeneral),
		Content:           content,
		ContentType:       types.ContentTypeGeneral,
		RelevanceScore:    relevance,
		AccessCount:       accessCount,
		CreatedAt:         now,
		LastAccessedAt:    now,
		ContextEmbeddings: ExtractEmbeddings(content, nil),
		State:             types.StateActive,
	}
	require.NoError(t, store.Put(context.Background(), q))
	return q
}

func TestEngine_StoreAndSearch(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	finished, err := e.Store(ctx, StoreRequest{
		Content:     "task finished successfully",
		ContentType: types.ContentTypeTaskResult,
	})
	require.NoError(t, err)
	failed, err := e.Store(ctx, StoreRequest{
		Content:     "task failed with error",
		ContentType: types.ContentTypeErrorLog,
	})
	require.NoError(t, err)
	_, err = e.Store(ctx, StoreRequest{
		Content:     "user prefers dark mode",
		ContentType: types.ContentTypeUserPreference,
	})
	require.NoError(t, err)

	results, err := e.Search(ctx, SearchOptions{Query: "task finished", Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, finished, results[0].Quantum.ID)
	assert.Equal(t, failed, results[1].Quantum.ID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, 1.0, results[0].Components.ContentMatch)
	assert.InDelta(t, 0.5, results[1].Components.ContentMatch, 1e-9)

	wantRelevance := InitialRelevance("task finished successfully", types.ContentTypeTaskResult, 0)
	assert.InDelta(t, wantRelevance, results[0].Components.Relevance, 1e-9)
	assert.InDelta(t, wantRelevance*accessBoost, results[0].Quantum.RelevanceScore, 1e-9)

	for _, r := range results {
		assert.Equal(t, 1, r.Quantum.AccessCount)
		assert.True(t, r.FromCache)

		persisted, err := store.Get(ctx, r.Quantum.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, persisted.AccessCount)
		assert.InDelta(t, r.Quantum.RelevanceScore, persisted.RelevanceScore, 1e-9)
	}

	history, err := e.AccessHistory(ctx, finished, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, types.AccessSearch, history[0].Kind)
	assert.Equal(t, "task finished", history[0].Context)
	assert.Equal(t, types.AccessStore, history[1].Kind)
}

func TestEngine_StoreDefaults(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.Store(ctx, StoreRequest{
		Content: "Deploy pipeline finished",
		Tags:    []string{" Deploy ", "deploy", "CI"},
		Context: map[string]interface{}{"source": "cli"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.GenerateQuantumID("Deploy pipeline finished", types.ContentTypeGeneral), id)

	q, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ContentTypeGeneral, q.ContentType)
	assert.Equal(t, []string{"deploy", "ci"}, q.Tags)
	assert.Equal(t, 0, q.AccessCount)
	assert.Equal(t, types.StateActive, q.State)
	assert.NotEmpty(t, q.ContextHash)
	assert.Contains(t, q.ContextEmbeddings, "context_source")
	assert.InDelta(t, InitialRelevance("Deploy pipeline finished", types.ContentTypeGeneral, 2), q.RelevanceScore, 1e-9)
}

func TestEngine_StoreLowRelevanceStartsVolatile(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) { c.RelevanceThreshold = 0.9 })

	id, err := e.Store(context.Background(), StoreRequest{Content: "barely worth keeping"})
	require.NoError(t, err)

	q, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StateVolatile, q.State)
}

func TestEngine_StoreIsIdempotent(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	req := StoreRequest{Content: "retry-safe record", ContentType: types.ContentTypeSystemConfig}
	first, err := e.Store(ctx, req)
	require.NoError(t, err)
	second, err := e.Store(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	q, err := e.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, q.ReinforcementLevel)
	assert.Equal(t, 1, q.AccessCount)
	assert.InDelta(t, InitialRelevance(req.Content, req.ContentType, 0)*reinforceBoost, q.RelevanceScore, 1e-9)
}

func TestEngine_GetDoesNotCountAsAccess(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.Store(ctx, StoreRequest{Content: "peek at me"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		q, err := e.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, q.AccessCount)
	}

	_, err = e.Get(ctx, "qm_none_0000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_GetReturnsCopy(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.Store(ctx, StoreRequest{Content: "immutable entry", Tags: []string{"one"}})
	require.NoError(t, err)

	q, err := e.Get(ctx, id)
	require.NoError(t, err)
	q.Tags[0] = "mutated"
	q.RelevanceScore = 0

	again, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, again.Tags)
	assert.NotZero(t, again.RelevanceScore)
}

func TestEngine_SearchOrdersByRelevanceOnTies(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	high := putRecord(t, store, "alpha report one", 0.9, 0)
	low := putRecord(t, store, "alpha report two", 0.4, 0)

	e, err := NewMemoryEngine(store, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		_ = e.Shutdown(context.Background())
		_ = store.Close()
	})

	results, err := e.Search(context.Background(), SearchOptions{Query: "alpha report"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, high.ID, results[0].Quantum.ID)
	assert.Equal(t, low.ID, results[1].Quantum.ID)
	assert.Equal(t, results[0].Components.ContentMatch, results[1].Components.ContentMatch)
	assert.Equal(t, results[0].Components.ContextMatch, results[1].Components.ContextMatch)
}

func TestEngine_SearchFilters(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Store(ctx, StoreRequest{Content: "disk quota exceeded", ContentType: types.ContentTypeErrorLog})
	require.NoError(t, err)
	general, err := e.Store(ctx, StoreRequest{Content: "disk cleanup scheduled"})
	require.NoError(t, err)

	results, err := e.Search(ctx, SearchOptions{Query: "disk", ContentType: types.ContentTypeGeneral})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, general, results[0].Quantum.ID)

	results, err = e.Search(ctx, SearchOptions{Query: "disk", MinRelevance: 0.99})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = e.Search(ctx, SearchOptions{Query: "nothing matches this"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_SearchReadsRecordsOutsideWorkingSet(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	putRecord(t, store, "cold storage archive", 0.9, 0)
	warm := putRecord(t, store, "warm storage archive", 0.95, 0)

	cfg := DefaultConfig()
	cfg.MaxCacheSize = 1
	e, err := NewMemoryEngine(store, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		_ = e.Shutdown(context.Background())
		_ = store.Close()
	})

	results, err := e.Search(context.Background(), SearchOptions{Query: "storage archive"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, warm.ID, results[0].Quantum.ID)
	assert.True(t, results[0].FromCache)
	assert.False(t, results[1].FromCache)

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, stats.CacheHitRate, 1e-9)
}

func TestEngine_Reinforce(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.Store(ctx, StoreRequest{Content: "worth remembering"})
	require.NoError(t, err)
	before, err := e.Get(ctx, id)
	require.NoError(t, err)

	q, err := e.Reinforce(ctx, id, "confirmed by operator")
	require.NoError(t, err)
	assert.Equal(t, 1, q.ReinforcementLevel)
	assert.Equal(t, 1, q.AccessCount)
	assert.InDelta(t, before.RelevanceScore*reinforceBoost, q.RelevanceScore, 1e-9)

	persisted, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, persisted.ReinforcementLevel)
	assert.Equal(t, 1, persisted.AccessCount)

	_, err = e.Reinforce(ctx, "qm_none_0000000000000000", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_RelevanceNeverExceedsOne(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.Store(ctx, StoreRequest{Content: "always prefer tabs", ContentType: types.ContentTypeUserPreference})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		q, err := e.Reinforce(ctx, id, "")
		require.NoError(t, err)
		assert.LessOrEqual(t, q.RelevanceScore, 1.0)
	}
}

func TestEngine_ReinforcementPromotesOneTierAtATime(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Lifecycle.ReinforcedAccessCount = 3
		c.Lifecycle.CrystallizedReinforcement = 5
	})
	ctx := context.Background()

	id, err := e.Store(ctx, StoreRequest{Content: "repeated lesson"})
	require.NoError(t, err)

	prev := types.StateActive
	var seen []types.QuantumState
	for i := 0; i < 6; i++ {
		q, err := e.Reinforce(ctx, id, "")
		require.NoError(t, err)
		assert.True(t, types.IsValidStateTransition(prev, q.State), "%s -> %s", prev, q.State)
		if q.State != prev {
			seen = append(seen, q.State)
		}
		prev = q.State
	}
	assert.Equal(t, []types.QuantumState{types.StateReinforced, types.StateCrystallized}, seen)
}

func TestEngine_Delete(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	id, err := e.Store(ctx, StoreRequest{Content: "short lived"})
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, id))
	_, err = e.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error.
	assert.NoError(t, e.Delete(ctx, id))
}

func TestEngine_Validation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Store(ctx, StoreRequest{Content: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Search(ctx, SearchOptions{Query: ""})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Search(ctx, SearchOptions{Query: "x", MinRelevance: 1.5})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Search(ctx, SearchOptions{Query: "x", State: "melting"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Get(ctx, "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.CleanupLowRelevance(ctx, -0.1)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Link(ctx, "a", "a", "", 0.5)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Link(ctx, "a", "b", "", 1.5)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEngine_NotStarted(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	e, err := NewMemoryEngine(store, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Store(ctx, StoreRequest{Content: "too early"})
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.Search(ctx, SearchOptions{Query: "too early"})
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, e.Shutdown(ctx), ErrNotStarted)

	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx), "second start must fail")
	require.NoError(t, e.Shutdown(ctx))

	_, err = e.Store(ctx, StoreRequest{Content: "too late"})
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = e.Stats(ctx)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEngine_RestartReloadsWorkingSet(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	e, err := NewMemoryEngine(store, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	_, err = e.Store(ctx, StoreRequest{Content: "survives restart"})
	require.NoError(t, err)
	require.NoError(t, e.Shutdown(ctx))

	require.NoError(t, e.Start(ctx))
	defer func() { _ = e.Shutdown(ctx) }()

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CachedRecords)
	assert.Equal(t, 1, stats.Clusters)
}

func TestEngine_Stats(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Store(ctx, StoreRequest{Content: "first record"})
	require.NoError(t, err)
	_, err = e.Store(ctx, StoreRequest{Content: "second record"})
	require.NoError(t, err)
	_, err = e.Search(ctx, SearchOptions{Query: "record"})
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 2, stats.CachedRecords)
	assert.Equal(t, 2, stats.StoresPerformed)
	assert.Equal(t, 1, stats.SearchesPerformed)
	assert.Equal(t, 1.0, stats.CacheHitRate)
	assert.Greater(t, stats.AverageRelevance, 0.0)
	assert.Equal(t, "closed", e.BreakerState())
}

func TestEngine_StoreTriggersConsolidation(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.ConsolidationInterval = 2
		c.MaxCacheSize = 1
	})
	ctx := context.Background()

	_, err := e.Store(ctx, StoreRequest{Content: "first trigger record"})
	require.NoError(t, err)
	_, err = e.Store(ctx, StoreRequest{Content: "second trigger record"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		stats, err := e.Stats(ctx)
		return err == nil && stats.ConsolidationsPerformed == 1 && stats.CachedRecords == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewMemoryEngine_RejectsBadConfig(t *testing.T) {
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = NewMemoryEngine(nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxCacheSize = 0
	_, err = NewMemoryEngine(store, cfg)
	assert.Error(t, err)
}

func TestEngine_TaskScenario(t *testing.T) {
	e, store := newTestEngine(t, nil)
	ctx := context.Background()

	initialized, err := e.Store(ctx, StoreRequest{
		Content:     "system initialized",
		ContentType: "system_status",
		Tags:        []string{"init"},
	})
	require.NoError(t, err)
	withErrors, err := e.Store(ctx, StoreRequest{
		Content:     "task finished with errors",
		ContentType: types.ContentTypeErrorLog,
		Tags:        []string{"error"},
	})
	require.NoError(t, err)
	successful, err := e.Store(ctx, StoreRequest{
		Content:     "task finished successfully",
		ContentType: types.ContentTypeTaskResult,
		Tags:        []string{"success"},
	})
	require.NoError(t, err)

	results, err := e.Search(ctx, SearchOptions{Query: "task finished", Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, successful, results[0].Quantum.ID)
	assert.Equal(t, withErrors, results[1].Quantum.ID)
	for _, r := range results {
		assert.NotEqual(t, initialized, r.Quantum.ID)
		assert.Equal(t, 1, r.Quantum.AccessCount)

		persisted, err := store.Get(ctx, r.Quantum.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, persisted.AccessCount)
	}

	untouched, err := e.Get(ctx, initialized)
	require.NoError(t, err)
	assert.Equal(t, 0, untouched.AccessCount)
	assert.Equal(t, []string{"init"}, untouched.Tags)
}
