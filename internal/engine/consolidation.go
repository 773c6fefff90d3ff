package engine

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/scrypster/quanta/pkg/types"
)

// cleanupMaxAccessCount protects records that have been used: cleanup only
// deletes records accessed fewer times than this.
const cleanupMaxAccessCount = 2

// Consolidate re-ranks the working set by composite score, keeps the top
// MaxCacheSize records and evicts the rest. Evicted records below
// RelevanceThreshold have their persisted relevance decayed by DecayRate.
// Kept records get an inactivity lifecycle step.
//
// Work is done in batches paced by a rate limiter. Cancelling ctx stops the
// pass between batches; completed batches stay committed.
func (e *MemoryEngine) Consolidate(ctx context.Context) (ConsolidationReport, error) {
	if err := e.checkStarted(); err != nil {
		return ConsolidationReport{}, err
	}
	return e.consolidate(ctx)
}

type consolidationItem struct {
	id    string
	evict bool
}

func (e *MemoryEngine) consolidate(ctx context.Context) (ConsolidationReport, error) {
	e.consolidateMu.Lock()
	defer e.consolidateMu.Unlock()

	var report ConsolidationReport

	e.mu.Lock()
	now := e.now()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	scores := make(map[string]float64, len(snapshot))
	for _, q := range snapshot {
		scores[q.ID] = CompositeScore(q, now)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		si, sj := scores[snapshot[i].ID], scores[snapshot[j].ID]
		if si != sj {
			return si > sj
		}
		return snapshot[i].ID < snapshot[j].ID
	})
	report.Examined = len(snapshot)

	items := make([]consolidationItem, len(snapshot))
	for i, q := range snapshot {
		items[i] = consolidationItem{id: q.ID, evict: i >= e.config.MaxCacheSize}
	}

	batch := e.config.ConsolidationBatchSize
	for start := 0; start < len(items); start += batch {
		if err := e.limiter.Wait(ctx); err != nil {
			return report, err
		}
		end := start + batch
		if end > len(items) {
			end = len(items)
		}
		if err := e.consolidateBatch(ctx, items[start:end], now, &report); err != nil {
			return report, err
		}
	}

	e.mu.Lock()
	e.counters.consolidations++
	e.mu.Unlock()

	log.Printf("engine: consolidation examined=%d kept=%d evicted=%d decayed=%d state_changes=%d failed=%d",
		report.Examined, report.Kept, report.Evicted, report.Decayed, report.StateChanges, report.Failed)

	return report, nil
}

// consolidateBatch applies one batch of keep/evict decisions under the lock.
// Per-record failures are logged and skipped; only cancellation aborts.
func (e *MemoryEngine) consolidateBatch(ctx context.Context, items []consolidationItem, now time.Time, report *ConsolidationReport) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, item := range items {
		cur, ok := e.workingSet[item.id]
		if !ok {
			continue
		}

		if item.evict {
			delete(e.workingSet, item.id)
			report.Evicted++
			if cur.RelevanceScore >= e.config.RelevanceThreshold {
				continue
			}
			decayed := types.ClampRelevance(cur.RelevanceScore * (1 - e.config.DecayRate))
			if err := e.backend.UpdateRelevance(ctx, item.id, decayed); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !errors.Is(err, ErrNotFound) {
					log.Printf("engine: failed to decay %s: %v", item.id, err)
					report.Failed++
				}
				continue
			}
			report.Decayed++
			continue
		}

		report.Kept++
		next := e.lifecycle.OnIdle(cur, now)
		if next == cur.State {
			continue
		}
		if err := e.backend.UpdateState(ctx, item.id, next); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("engine: failed to update state of %s: %v", item.id, err)
			report.Failed++
			continue
		}
		updated := cur.Clone()
		updated.State = next
		e.workingSet[item.id] = updated
		report.StateChanges++
	}
	return nil
}

// CleanupLowRelevance permanently deletes records with relevance below
// threshold that have been accessed fewer than two times, and returns the
// number deleted.
func (e *MemoryEngine) CleanupLowRelevance(ctx context.Context, threshold float64) (int, error) {
	if threshold < 0 || threshold > 1 || threshold != threshold {
		return 0, validationf("threshold %f outside [0,1]", threshold)
	}
	if err := e.checkStarted(); err != nil {
		return 0, err
	}

	ids, err := e.backend.LowRelevanceIDs(ctx, threshold, cleanupMaxAccessCount)
	if err != nil {
		return 0, storageErr("low relevance ids", err)
	}

	deleted := 0
	batch := e.config.ConsolidationBatchSize
	for start := 0; start < len(ids); start += batch {
		if err := e.limiter.Wait(ctx); err != nil {
			return deleted, err
		}
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}

		n, err := e.cleanupBatch(ctx, ids[start:end], threshold)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}

	log.Printf("engine: cleanup below %.3f deleted %d of %d candidates", threshold, deleted, len(ids))
	return deleted, nil
}

func (e *MemoryEngine) cleanupBatch(ctx context.Context, ids []string, threshold float64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		// Skip records that were used since the candidate query.
		if cur, ok := e.workingSet[id]; ok &&
			(cur.RelevanceScore >= threshold || cur.AccessCount >= cleanupMaxAccessCount) {
			continue
		}
		if err := e.deleteLocked(ctx, id); err != nil {
			if ctx.Err() != nil {
				return deleted, ctx.Err()
			}
			log.Printf("engine: failed to delete %s during cleanup: %v", id, err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// consolidationWorker runs consolidation passes on request and, when
// ConsolidationPeriod is set, on a timer. It stops when ctx is cancelled.
func (e *MemoryEngine) consolidationWorker(ctx context.Context) {
	defer e.workerWaitGroup.Done()

	var tick <-chan time.Time
	if e.config.ConsolidationPeriod > 0 {
		ticker := time.NewTicker(e.config.ConsolidationPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.consolidationRequests:
		case <-tick:
		}

		if _, err := e.consolidate(ctx); err != nil && ctx.Err() == nil {
			log.Printf("engine: background consolidation failed: %v", err)
		}
	}
}

// requestConsolidation asks the worker for a pass without blocking. A
// request already pending absorbs this one.
func (e *MemoryEngine) requestConsolidation() bool {
	select {
	case e.consolidationRequests <- struct{}{}:
		return true
	default:
		return false
	}
}

// stopWorker waits for the worker to exit after its context was cancelled.
func (e *MemoryEngine) stopWorker(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.workerWaitGroup.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if e.config.ShutdownTimeout > 0 {
		timeout = time.After(e.config.ShutdownTimeout)
	}

	select {
	case <-done:
		return nil
	case <-timeout:
		log.Printf("engine: WARNING: shutdown timeout reached, consolidation worker still running")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
