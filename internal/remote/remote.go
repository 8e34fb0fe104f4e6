// Package remote talks to the canonical session store. All writes are
// upserts keyed by natural keys, so repeated delivery after a timeout is
// harmless.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransient marks failures worth retrying: timeouts, connection resets,
// 5xx responses.
var ErrTransient = errors.New("transient network error")

// ConflictError means the remote already holds a record with divergent data
// for the same natural key. The remote copy is attached so the caller can
// resolve field-by-field.
type ConflictError struct {
	Key    NaturalKey
	Remote *SessionRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict for %s/%s", e.Key.DeviceID, e.Key.LocalSessionID)
}

// ValidationError means the payload was rejected by the remote schema.
// Never retried.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote rejected payload: %s", e.Detail)
}

// NaturalKey identifies a session across devices and restarts. Upserting by
// it guarantees a retried create after a partial success cannot produce a
// duplicate remote session.
type NaturalKey struct {
	DeviceID       string `json:"device_id"`
	LocalSessionID string `json:"local_session_id"`
}

// SessionRecord is the session payload exchanged with the remote store.
type SessionRecord struct {
	Key                   NaturalKey `json:"key"`
	Status                string     `json:"status"`
	StartedAt             time.Time  `json:"started_at"`
	EndedAt               *time.Time `json:"ended_at,omitempty"`
	EndReason             string     `json:"end_reason,omitempty"`
	StartingAltitudeLevel int        `json:"starting_altitude_level"`
	CurrentAltitudeLevel  int        `json:"current_altitude_level"`
	PlannedCycles         int        `json:"planned_cycles"`
	CompletedCycles       int        `json:"completed_cycles"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// SessionAck is the remote's acknowledgment of a session upsert or lookup.
type SessionAck struct {
	RemoteID  string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadingRecord is one sample row, keyed remotely by (session, timestamp).
type ReadingRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SpO2      int       `json:"spo2"`
	HeartRate int       `json:"heart_rate"`
	IsValid   bool      `json:"is_valid"`
}

// EventRecord is one adaptive event, keyed remotely by
// (session, event_type, timestamp).
type EventRecord struct {
	EventType            string    `json:"event_type"`
	Timestamp            time.Time `json:"timestamp"`
	PhaseNumber          int       `json:"phase_number"`
	AltitudeLevelAtEvent int       `json:"altitude_level_at_event"`
	SpO2AtEvent          int       `json:"spo2_at_event"`
	Context              any       `json:"context"`
}

// PhaseRecord is one closed phase, keyed remotely by
// (session, cycle_number, phase_type).
type PhaseRecord struct {
	PhaseType       string    `json:"phase_type"`
	CycleNumber     int       `json:"cycle_number"`
	AltitudeLevel   int       `json:"altitude_level"`
	StartTime       time.Time `json:"start_time"`
	DurationTargetS float64   `json:"duration_target_s"`
	DurationActualS float64   `json:"duration_actual_s"`
	MinSpO2         int       `json:"min_spo2"`
	MaxSpO2         int       `json:"max_spo2"`
	AvgSpO2         float64   `json:"avg_spo2"`
	SampleCount     int       `json:"sample_count"`
}

// Client is the upsert surface the sync engine drives.
type Client interface {
	// UpsertSession creates or updates the session row for its natural key
	// and returns the canonical id.
	UpsertSession(ctx context.Context, rec SessionRecord) (SessionAck, error)

	// FindSession looks a session up by natural key; found=false means the
	// remote has never seen it.
	FindSession(ctx context.Context, key NaturalKey) (SessionAck, bool, error)

	UpsertReadings(ctx context.Context, remoteSessionID string, batch []ReadingRecord) error
	UpsertEvents(ctx context.Context, remoteSessionID string, batch []EventRecord) error
	UpsertPhases(ctx context.Context, remoteSessionID string, batch []PhaseRecord) error
}
