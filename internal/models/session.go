package models

import "time"

// SessionStatus represents the lifecycle state of a training session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAborted   SessionStatus = "aborted"
)

// SyncState tracks how far a locally recorded entity has progressed
// toward the remote canonical store.
type SyncState string

const (
	SyncStatePending SyncState = "pending"
	SyncStateSyncing SyncState = "syncing"
	SyncStateSynced  SyncState = "synced"
	SyncStateFailed  SyncState = "failed"
)

// Session represents one IHHT training attempt. The local id is generated
// client-side and is authoritative until the remote store assigns a
// canonical id; once assigned, the mapping never changes.
type Session struct {
	ID                    string // local ULID, stable for the session lifetime
	RemoteID              string // server-assigned canonical id, empty until first sync
	DeviceID              string
	Status                SessionStatus
	SyncState             SyncState
	StartedAt             time.Time
	EndedAt               *time.Time
	EndReason             string
	StartingAltitudeLevel int
	CurrentAltitudeLevel  int
	PlannedCycles         int
	CompletedCycles       int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Ended returns true if the session is in a terminal status.
func (s *Session) Ended() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusAborted
}
