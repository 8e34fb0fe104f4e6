package models

import "time"

// Checkpoint captures the protocol state machine's timer position so a
// session can resume after process suspension with no loss beyond the
// wall-clock drift of the suspension itself.
type Checkpoint struct {
	SessionLocalID string
	State          string
	CycleNumber    int
	PhaseType      PhaseType
	PhaseElapsed   time.Duration
	AltitudeLevel  int
	SavedAt        time.Time
}
