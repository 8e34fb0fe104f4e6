package models

import "time"

// PhaseType distinguishes the two breathing intervals within a cycle.
type PhaseType string

const (
	PhaseTypeHypoxic   PhaseType = "hypoxic"
	PhaseTypeHyperoxic PhaseType = "hyperoxic"
)

// Phase is one hypoxic or hyperoxic interval within a cycle. Aggregates are
// maintained as running values while the phase is open and finalized when the
// state machine transitions out.
type Phase struct {
	ID             string
	SessionLocalID string
	PhaseType      PhaseType
	CycleNumber    int
	AltitudeLevel  int
	StartTime      time.Time
	DurationTarget time.Duration
	DurationActual time.Duration
	MinSpO2        int
	MaxSpO2        int
	AvgSpO2        float64
	SampleCount    int
	CreatedAt      time.Time
}
