package engine

import (
	"fmt"
	"time"

	"github.com/scrypster/quanta/pkg/types"
)

// LifecycleConfig holds the state machine thresholds.
type LifecycleConfig struct {
	// ReinforcedAccessCount promotes active records to reinforced (default: 10).
	ReinforcedAccessCount int

	// CrystallizedReinforcement promotes reinforced records to crystallized
	// (default: 50).
	CrystallizedReinforcement int

	// FadingAfter is the idle time after which active and volatile records
	// start fading (default: 7 days).
	FadingAfter time.Duration

	// DormantAfter is the idle time after which fading records go dormant and
	// reinforced records drop back to active (default: 30 days).
	DormantAfter time.Duration
}

// DefaultLifecycleConfig returns the default thresholds.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		ReinforcedAccessCount:     10,
		CrystallizedReinforcement: 50,
		FadingAfter:               7 * 24 * time.Hour,
		DormantAfter:              30 * 24 * time.Hour,
	}
}

// Validate checks if the config is valid.
func (c *LifecycleConfig) Validate() error {
	if c.ReinforcedAccessCount < 1 {
		return fmt.Errorf("ReinforcedAccessCount must be >= 1, got %d", c.ReinforcedAccessCount)
	}
	if c.CrystallizedReinforcement < 1 {
		return fmt.Errorf("CrystallizedReinforcement must be >= 1, got %d", c.CrystallizedReinforcement)
	}
	if c.FadingAfter <= 0 {
		return fmt.Errorf("FadingAfter must be > 0, got %v", c.FadingAfter)
	}
	if c.DormantAfter < c.FadingAfter {
		return fmt.Errorf("DormantAfter (%v) must be >= FadingAfter (%v)", c.DormantAfter, c.FadingAfter)
	}
	return nil
}

// LifecycleManager decides quantum state transitions.
//
// Tiers, lowest first: dormant, fading, active/volatile, reinforced,
// crystallized. Every decision moves a record at most one tier. Decisions are
// pure functions of access count, reinforcement level and idle time.
type LifecycleManager struct {
	cfg LifecycleConfig
}

// NewLifecycleManager returns a LifecycleManager with the given thresholds.
func NewLifecycleManager(cfg LifecycleConfig) *LifecycleManager {
	return &LifecycleManager{cfg: cfg}
}

// InitialState returns the state of a newly stored record.
func (m *LifecycleManager) InitialState(relevance, threshold float64) types.QuantumState {
	if relevance < threshold {
		return types.StateVolatile
	}
	return types.StateActive
}

// OnAccess returns the state after q has been accessed. q must already carry
// the post-access counters.
func (m *LifecycleManager) OnAccess(q *types.Quantum) types.QuantumState {
	switch q.State {
	case types.StateDormant:
		return types.StateFading
	case types.StateFading, types.StateVolatile:
		return types.StateActive
	case types.StateReinforced:
		if q.ReinforcementLevel >= m.cfg.CrystallizedReinforcement {
			return types.StateCrystallized
		}
		return types.StateReinforced
	case types.StateCrystallized:
		return types.StateCrystallized
	default:
		if q.AccessCount >= m.cfg.ReinforcedAccessCount {
			return types.StateReinforced
		}
		return types.StateActive
	}
}

// OnIdle returns the state of q after inactivity up to now.
func (m *LifecycleManager) OnIdle(q *types.Quantum, now time.Time) types.QuantumState {
	idle := now.Sub(q.LastAccessedAt)

	switch q.State {
	case types.StateActive, types.StateVolatile, "":
		if idle >= m.cfg.FadingAfter {
			return types.StateFading
		}
	case types.StateFading:
		if idle >= m.cfg.DormantAfter {
			return types.StateDormant
		}
	case types.StateReinforced:
		if idle >= m.cfg.DormantAfter {
			return types.StateActive
		}
	}

	if q.State == "" {
		return types.StateActive
	}
	return q.State
}
