package models

import (
	"fmt"
	"time"
)

// EventType represents the kind of adaptive event recorded during a session.
type EventType string

const (
	EventTypeSessionStarted EventType = "session_started"
	EventTypeSessionEnded   EventType = "session_ended"
	EventTypeMaskLift       EventType = "mask_lift"
	EventTypeDialAdjustment EventType = "dial_adjustment"
	EventTypeEmergencyAbort EventType = "emergency_abort"
)

// MaskLiftContext carries the details of a mask-lift confirmation.
type MaskLiftContext struct {
	AutoConfirmed bool          `json:"auto_confirmed"`
	WaitedFor     time.Duration `json:"waited_for_ns"`
}

// DialAdjustmentContext records a requested altitude change and what was
// actually applied after clamping to the configured range.
type DialAdjustmentContext struct {
	Reason         string `json:"reason"`
	PreviousLevel  int    `json:"previous_level"`
	RequestedLevel int    `json:"requested_level"`
	AppliedLevel   int    `json:"applied_level"`
}

// EmergencyAbortContext carries the last-known metrics at abort time.
type EmergencyAbortContext struct {
	Trigger        string `json:"trigger"`
	LastSpO2       int    `json:"last_spo2"`
	LastHeartRate  int    `json:"last_heart_rate"`
	SustainedTicks int    `json:"sustained_ticks"`
}

// SessionEndedContext records why a session ended.
type SessionEndedContext struct {
	Reason          string `json:"reason"`
	CompletedCycles int    `json:"completed_cycles"`
}

// EventContext is a tagged union: exactly one field matching the event type
// must be set. Stored as JSON alongside the event row.
type EventContext struct {
	MaskLift       *MaskLiftContext       `json:"mask_lift,omitempty"`
	DialAdjustment *DialAdjustmentContext `json:"dial_adjustment,omitempty"`
	EmergencyAbort *EmergencyAbortContext `json:"emergency_abort,omitempty"`
	SessionEnded   *SessionEndedContext   `json:"session_ended,omitempty"`
}

// AdaptiveEvent is a discrete occurrence during a session. Append-only;
// never mutated after creation.
type AdaptiveEvent struct {
	ID                   string
	SessionLocalID       string
	EventType            EventType
	Timestamp            time.Time
	PhaseNumber          int
	AltitudeLevelAtEvent int
	SpO2AtEvent          int
	Context              EventContext
	CreatedAt            time.Time
}

// Validate checks that the context payload matches the event type.
func (e *AdaptiveEvent) Validate() error {
	switch e.EventType {
	case EventTypeMaskLift:
		if e.Context.MaskLift == nil {
			return fmt.Errorf("event %s requires mask_lift context", e.EventType)
		}
	case EventTypeDialAdjustment:
		if e.Context.DialAdjustment == nil {
			return fmt.Errorf("event %s requires dial_adjustment context", e.EventType)
		}
	case EventTypeEmergencyAbort:
		if e.Context.EmergencyAbort == nil {
			return fmt.Errorf("event %s requires emergency_abort context", e.EventType)
		}
	case EventTypeSessionEnded:
		if e.Context.SessionEnded == nil {
			return fmt.Errorf("event %s requires session_ended context", e.EventType)
		}
	case EventTypeSessionStarted:
		// no payload
	default:
		return fmt.Errorf("unknown event type: %s", e.EventType)
	}
	return nil
}
