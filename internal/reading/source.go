// Package reading abstracts the pulse-oximetry sample stream. The real
// device transport lives behind the same interface as the deterministic
// simulator used for development and tests.
package reading

import "time"

// Sample is one raw SpO2/heart-rate measurement from the source.
type Sample struct {
	Timestamp time.Time
	SpO2      int
	HeartRate int
}

// Source delivers timestamped samples at a steady cadence (~1 Hz).
type Source interface {
	// OnReading registers a handler called for every sample. Handlers run
	// on the source's delivery goroutine and must complete in O(1).
	OnReading(fn func(Sample))

	// IsConnected reports whether the source is currently delivering.
	IsConnected() bool
}
