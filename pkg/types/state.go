package types

// QuantumState models the decay/reinforcement lifecycle of a quantum.
type QuantumState string

// Quantum state constants
const (
	StateActive       QuantumState = "active"       // Normal, recently used
	StateDormant      QuantumState = "dormant"      // Unused for a long time
	StateReinforced   QuantumState = "reinforced"   // Accessed repeatedly
	StateFading       QuantumState = "fading"       // Unused for a while
	StateCrystallized QuantumState = "crystallized" // Reinforced over the long term, does not fade
	StateVolatile     QuantumState = "volatile"     // Created with low relevance, not yet confirmed by use
)

// ValidQuantumStates contains all valid quantum state values.
var ValidQuantumStates = []QuantumState{
	StateActive,
	StateDormant,
	StateReinforced,
	StateFading,
	StateCrystallized,
	StateVolatile,
}

// IsValidQuantumState checks if the given state is a valid quantum state.
// Empty string is considered valid (means state not set).
func IsValidQuantumState(state QuantumState) bool {
	if state == "" {
		return true
	}

	for _, valid := range ValidQuantumStates {
		if state == valid {
			return true
		}
	}
	return false
}

// Tier orders states from least to most established. Active and volatile
// share a tier.
//
//	dormant(0) < fading(1) < active, volatile(2) < reinforced(3) < crystallized(4)
//
// Unknown states report the active tier.
func (s QuantumState) Tier() int {
	switch s {
	case StateDormant:
		return 0
	case StateFading:
		return 1
	case StateReinforced:
		return 3
	case StateCrystallized:
		return 4
	default:
		return 2
	}
}

// IsValidStateTransition reports whether moving from current to next moves at
// most one tier. Staying in the same state is always valid.
func IsValidStateTransition(current, next QuantumState) bool {
	if next == "" || !IsValidQuantumState(next) {
		return false
	}
	if current == next {
		return true
	}
	diff := next.Tier() - current.Tier()
	return diff >= -1 && diff <= 1
}
