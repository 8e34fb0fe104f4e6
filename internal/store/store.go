package store

import (
	"context"
	"time"

	"github.com/tgruber/hxt/internal/models"
)

// WriteHook is invoked after every durable write for a session. The sync
// engine uses it to schedule drains; hooks must not block.
type WriteHook func(sessionLocalID string)

// Store defines the device-local persistence interface. It is the single
// authoritative record of a session while offline or mid-session; the sync
// engine only annotates sync bookkeeping and assigns remote identity.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, localID string) (*models.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	SetRemoteSessionID(ctx context.Context, localID, remoteID string) error
	SetSyncState(ctx context.Context, localID string, state models.SyncState) error
	MarkEnded(ctx context.Context, localID string, status models.SessionStatus, reason string, endedAt time.Time) error
	DeleteSession(ctx context.Context, localID string) error

	// Readings and events. Append-only; each write and its sync-task
	// enqueue commit in one transaction.
	AppendReading(ctx context.Context, r *models.Reading) error
	RecordEvent(ctx context.Context, e *models.AdaptiveEvent) error

	// Phases
	OpenPhase(ctx context.Context, p *models.Phase) error
	ClosePhase(ctx context.Context, p *models.Phase) error
	ListPhases(ctx context.Context, sessionLocalID string) ([]*models.Phase, error)

	// Unsynced rows, ordered by creation time. Used exclusively by the sync engine.
	UnsyncedReadings(ctx context.Context, sessionLocalID string, limit int) ([]*models.Reading, error)
	UnsyncedEvents(ctx context.Context, sessionLocalID string, limit int) ([]*models.AdaptiveEvent, error)
	UnsyncedPhases(ctx context.Context, sessionLocalID string) ([]*models.Phase, error)

	// Remote acknowledgments. Each Ack marks the rows synced and removes
	// their tasks in a single transaction.
	AckReadings(ctx context.Context, ids []string, at time.Time) error
	AckEvents(ctx context.Context, ids []string, at time.Time) error
	AckPhases(ctx context.Context, ids []string, at time.Time) error

	ListEvents(ctx context.Context, sessionLocalID string) ([]*models.AdaptiveEvent, error)
	ListReadings(ctx context.Context, sessionLocalID string) ([]*models.Reading, error)
	CountReadings(ctx context.Context, sessionLocalID string) (int, error)

	// Sync tasks. Enqueueing an already-queued entity key is a no-op.
	EnqueueTask(ctx context.Context, t *models.SyncTask) error
	PendingTasks(ctx context.Context, sessionLocalID string) ([]*models.SyncTask, error)
	SessionsWithDueTasks(ctx context.Context, now time.Time) ([]string, error)
	BumpTasks(ctx context.Context, entityKeys []string, nextRetryAt time.Time, lastError string) error
	FailTasks(ctx context.Context, entityKeys []string, lastError string) error
	FailTasksExceeding(ctx context.Context, maxAttempts int) (int64, error)
	MarkTasksDone(ctx context.Context, entityKeys []string) error
	PruneAckedTasks(ctx context.Context, sessionLocalID string) (int64, error)
	FailedTasks(ctx context.Context) ([]*models.SyncTask, error)
	ResetFailedTasks(ctx context.Context, sessionLocalID string) (int64, error)

	// Continuity checkpoints
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LoadCheckpoint(ctx context.Context, sessionLocalID string) (*models.Checkpoint, error)

	// Lifecycle
	OnWrite(hook WriteHook)
	Migrate(ctx context.Context) error
	Close() error
}
