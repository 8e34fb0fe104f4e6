package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlausibleReading(t *testing.T) {
	tests := []struct {
		name  string
		spo2  int
		hr    int
		valid bool
	}{
		{"healthy", 96, 68, true},
		{"low but plausible", 50, 25, true},
		{"upper bounds", 100, 250, true},
		{"spo2 below floor", 49, 70, false},
		{"spo2 above ceiling", 101, 70, false},
		{"hr too low", 95, 24, false},
		{"hr too high", 95, 251, false},
		{"sensor dropout", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, PlausibleReading(tt.spo2, tt.hr))
		})
	}
}

func TestAdaptiveEventValidate(t *testing.T) {
	now := time.Now()

	ok := &AdaptiveEvent{
		EventType: EventTypeMaskLift,
		Timestamp: now,
		Context:   EventContext{MaskLift: &MaskLiftContext{WaitedFor: time.Second}},
	}
	assert.NoError(t, ok.Validate())

	// session_started carries no payload
	started := &AdaptiveEvent{EventType: EventTypeSessionStarted, Timestamp: now}
	assert.NoError(t, started.Validate())

	missing := &AdaptiveEvent{EventType: EventTypeEmergencyAbort, Timestamp: now}
	assert.ErrorContains(t, missing.Validate(), "emergency_abort context")

	unknown := &AdaptiveEvent{EventType: EventType("reboot"), Timestamp: now}
	assert.ErrorContains(t, unknown.Validate(), "unknown event type")
}

func TestSessionEnded(t *testing.T) {
	s := &Session{Status: SessionStatusActive}
	assert.False(t, s.Ended())
	s.Status = SessionStatusCompleted
	assert.True(t, s.Ended())
	s.Status = SessionStatusAborted
	assert.True(t, s.Ended())
}
