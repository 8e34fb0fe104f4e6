package models

import "time"

// EntityType identifies what kind of row a sync task uploads.
type EntityType string

const (
	EntityTypeSession EntityType = "session"
	EntityTypeReading EntityType = "reading"
	EntityTypeEvent   EntityType = "event"
	EntityTypePhase   EntityType = "phase"
)

// TaskState tracks a sync task through its retry lifecycle.
type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateDone    TaskState = "done"
	TaskStateFailed  TaskState = "failed"
)

// SyncTask is one unit of pending upload work. Created when an entity is
// written locally while unsynced; removed only on confirmed remote
// acknowledgment. EntityKey is unique per entity so re-enqueueing is a no-op.
type SyncTask struct {
	ID             string
	SessionLocalID string
	EntityType     EntityType
	EntityKey      string
	Attempts       int
	NextRetryAt    time.Time
	State          TaskState
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
