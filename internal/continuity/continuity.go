// Package continuity defines the contract with the platform facility that
// keeps protocol timers advancing while the process is suspended.
package continuity

import "time"

// Manager is implemented by the platform integration. The protocol machine
// asks for execution windows ahead of long phases and registers a callback
// that fires when the remaining budget runs low, so state can be
// checkpointed before suspension.
type Manager interface {
	// RequestExecutionWindow asks for at least the estimated duration and
	// returns the budget actually granted.
	RequestExecutionWindow(estimated time.Duration) time.Duration

	// OnLowBudget registers a callback invoked shortly before the granted
	// window expires. Callbacks must return quickly.
	OnLowBudget(fn func())
}

// Noop grants every request in full and never signals low budget. Used when
// the process runs in the foreground for its whole lifetime.
type Noop struct{}

func (Noop) RequestExecutionWindow(estimated time.Duration) time.Duration { return estimated }

func (Noop) OnLowBudget(func()) {}
