package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scrypster/quanta/pkg/types"
)

// GuardConfig holds the configuration for a Guard.
type GuardConfig struct {
	// Timeout bounds every backend call. Default: 5 seconds.
	Timeout time.Duration

	// MaxFailures is the number of consecutive failures required to trip the
	// circuit. Default: 5
	MaxFailures uint32

	// OpenTimeout is the duration the circuit stays open before transitioning
	// to half-open. Default: 10 seconds
	OpenTimeout time.Duration

	// HalfOpenMaxRequests is the number of requests allowed through while
	// half-open. Default: 1
	HalfOpenMaxRequests uint32
}

// DefaultGuardConfig returns a GuardConfig with sensible defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:             5 * time.Second,
		MaxFailures:         5,
		OpenTimeout:         10 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Guard wraps a Backend so that no call blocks indefinitely and a failing
// backend is not hammered.
//
// Every call runs under context.WithTimeout(cfg.Timeout) through a gobreaker
// circuit breaker. Timeouts and calls rejected by an open circuit are
// returned wrapped in ErrTransient. ErrNotFound and ErrInvalidInput are
// answers, not failures, and never count against the breaker.
type Guard struct {
	backend Backend
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

var _ Backend = (*Guard)(nil)

// NewGuard wraps backend with the given configuration. Zero fields in cfg
// take their defaults.
func NewGuard(backend Backend, cfg GuardConfig) *Guard {
	def := DefaultGuardConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	settings := gobreaker.Settings{
		Name:        "storage",
		MaxRequests: cfg.HalfOpenMaxRequests,
		Interval:    0, // Don't clear counts periodically
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("storage: circuit %s %s -> %s", name, from, to)
		},
	}

	return &Guard{
		backend: backend,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.Timeout,
	}
}

// Unwrap returns the guarded backend.
func (g *Guard) Unwrap() Backend {
	return g.backend
}

// State returns the current circuit state ("closed", "half-open" or "open").
func (g *Guard) State() string {
	return g.breaker.State().String()
}

// guarded runs fn under the guard's timeout and circuit breaker.
func guarded[T any](g *Guard, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (interface{}, error) {
		v, err := fn(callCtx)
		if err == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			// The backend ignored the deadline; treat the late answer as a timeout.
			err = callCtx.Err()
		}
		return v, err
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return zero, fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return zero, fmt.Errorf("%w: %s timed out after %s", ErrTransient, op, g.timeout)
		}
		return zero, err
	}

	if out == nil {
		return zero, nil
	}
	return out.(T), nil
}

// exec is guarded for calls that only return an error.
func (g *Guard) exec(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := guarded(g, ctx, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Put implements QuantumStore.
func (g *Guard) Put(ctx context.Context, q *types.Quantum) error {
	return g.exec(ctx, "put", func(ctx context.Context) error { return g.backend.Put(ctx, q) })
}

// Get implements QuantumStore.
func (g *Guard) Get(ctx context.Context, id string) (*types.Quantum, error) {
	return guarded(g, ctx, "get", func(ctx context.Context) (*types.Quantum, error) {
		return g.backend.Get(ctx, id)
	})
}

// Delete implements QuantumStore.
func (g *Guard) Delete(ctx context.Context, id string) error {
	return g.exec(ctx, "delete", func(ctx context.Context) error { return g.backend.Delete(ctx, id) })
}

// List implements QuantumStore.
func (g *Guard) List(ctx context.Context, opts ListOptions) ([]*types.Quantum, error) {
	return guarded(g, ctx, "list", func(ctx context.Context) ([]*types.Quantum, error) {
		return g.backend.List(ctx, opts)
	})
}

// Candidates implements QuantumStore.
func (g *Guard) Candidates(ctx context.Context, opts CandidateOptions) ([]*types.Quantum, error) {
	return guarded(g, ctx, "candidates", func(ctx context.Context) ([]*types.Quantum, error) {
		return g.backend.Candidates(ctx, opts)
	})
}

// ApplyAccess implements QuantumStore.
func (g *Guard) ApplyAccess(ctx context.Context, id string, update AccessUpdate) error {
	return g.exec(ctx, "apply access", func(ctx context.Context) error {
		return g.backend.ApplyAccess(ctx, id, update)
	})
}

// UpdateRelevance implements QuantumStore.
func (g *Guard) UpdateRelevance(ctx context.Context, id string, score float64) error {
	return g.exec(ctx, "update relevance", func(ctx context.Context) error {
		return g.backend.UpdateRelevance(ctx, id, score)
	})
}

// UpdateState implements QuantumStore.
func (g *Guard) UpdateState(ctx context.Context, id string, state types.QuantumState) error {
	return g.exec(ctx, "update state", func(ctx context.Context) error {
		return g.backend.UpdateState(ctx, id, state)
	})
}

// LowRelevanceIDs implements QuantumStore.
func (g *Guard) LowRelevanceIDs(ctx context.Context, threshold float64, maxAccessCount int) ([]string, error) {
	return guarded(g, ctx, "low relevance ids", func(ctx context.Context) ([]string, error) {
		return g.backend.LowRelevanceIDs(ctx, threshold, maxAccessCount)
	})
}

// Count implements QuantumStore.
func (g *Guard) Count(ctx context.Context) (int, error) {
	return guarded(g, ctx, "count", g.backend.Count)
}

// AverageRelevance implements QuantumStore.
func (g *Guard) AverageRelevance(ctx context.Context) (float64, error) {
	return guarded(g, ctx, "average relevance", g.backend.AverageRelevance)
}

// Close closes the guarded backend.
func (g *Guard) Close() error {
	return g.backend.Close()
}

// Link implements RelationshipStore.
func (g *Guard) Link(ctx context.Context, rel *types.Relationship) error {
	return g.exec(ctx, "link", func(ctx context.Context) error { return g.backend.Link(ctx, rel) })
}

// Related implements RelationshipStore.
func (g *Guard) Related(ctx context.Context, id string, relTypes []string) ([]types.RelatedQuantum, error) {
	return guarded(g, ctx, "related", func(ctx context.Context) ([]types.RelatedQuantum, error) {
		return g.backend.Related(ctx, id, relTypes)
	})
}

// Relationships implements RelationshipStore.
func (g *Guard) Relationships(ctx context.Context, id string) ([]*types.Relationship, error) {
	return guarded(g, ctx, "relationships", func(ctx context.Context) ([]*types.Relationship, error) {
		return g.backend.Relationships(ctx, id)
	})
}

// SaveCluster implements ClusterStore.
func (g *Guard) SaveCluster(ctx context.Context, c *types.Cluster) error {
	return g.exec(ctx, "save cluster", func(ctx context.Context) error { return g.backend.SaveCluster(ctx, c) })
}

// ListClusters implements ClusterStore.
func (g *Guard) ListClusters(ctx context.Context) ([]*types.Cluster, error) {
	return guarded(g, ctx, "list clusters", g.backend.ListClusters)
}

// DeleteCluster implements ClusterStore.
func (g *Guard) DeleteCluster(ctx context.Context, id string) error {
	return g.exec(ctx, "delete cluster", func(ctx context.Context) error { return g.backend.DeleteCluster(ctx, id) })
}

// LogAccess implements AccessLog.
func (g *Guard) LogAccess(ctx context.Context, ev types.AccessEvent) error {
	return g.exec(ctx, "log access", func(ctx context.Context) error { return g.backend.LogAccess(ctx, ev) })
}

// RecentAccesses implements AccessLog.
func (g *Guard) RecentAccesses(ctx context.Context, quantumID string, limit int) ([]types.AccessEvent, error) {
	return guarded(g, ctx, "recent accesses", func(ctx context.Context) ([]types.AccessEvent, error) {
		return g.backend.RecentAccesses(ctx, quantumID, limit)
	})
}
