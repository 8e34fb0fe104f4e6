package syncer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgruber/hxt/internal/models"
	"github.com/tgruber/hxt/internal/remote"
	"github.com/tgruber/hxt/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *remote.Fake) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	fake := remote.NewFake()
	cfg := DefaultConfig("device-1")
	cfg.BackoffBase = time.Millisecond
	return New(s, fake, cfg, quietLogger()), s, fake
}

// seedSession records a session with n readings, one dial event, and one
// closed phase, the way a live protocol run would.
func seedSession(t *testing.T, s *store.SQLiteStore, n int) *models.Session {
	t.Helper()
	ctx := context.Background()

	sess := &models.Session{
		DeviceID:              "device-1",
		StartedAt:             time.Now().UTC().Add(-time.Hour),
		StartingAltitudeLevel: 4,
		CurrentAltitudeLevel:  4,
		PlannedCycles:         3,
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	base := sess.StartedAt
	for i := 0; i < n; i++ {
		require.NoError(t, s.AppendReading(ctx, &models.Reading{
			SessionLocalID: sess.ID,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			SpO2:           90 + i%8,
			HeartRate:      70,
			IsValid:        true,
		}))
	}

	require.NoError(t, s.RecordEvent(ctx, &models.AdaptiveEvent{
		SessionLocalID:       sess.ID,
		EventType:            models.EventTypeDialAdjustment,
		Timestamp:            base.Add(30 * time.Second),
		PhaseNumber:          1,
		AltitudeLevelAtEvent: 5,
		SpO2AtEvent:          92,
		Context: models.EventContext{
			DialAdjustment: &models.DialAdjustmentContext{
				Reason: "manual", PreviousLevel: 4, RequestedLevel: 5, AppliedLevel: 5,
			},
		},
	}))

	p := &models.Phase{
		SessionLocalID: sess.ID,
		PhaseType:      models.PhaseTypeHypoxic,
		CycleNumber:    1,
		AltitudeLevel:  4,
		StartTime:      base,
		DurationTarget: 7 * time.Minute,
	}
	require.NoError(t, s.OpenPhase(ctx, p))
	p.DurationActual = 7 * time.Minute
	p.MinSpO2 = 88
	p.MaxSpO2 = 97
	p.AvgSpO2 = 92.3
	p.SampleCount = n
	require.NoError(t, s.ClosePhase(ctx, p))

	return sess
}

func TestSyncSession_UploadsEverythingOnce(t *testing.T) {
	e, s, fake := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 5)

	require.NoError(t, e.SyncSession(ctx, sess.ID))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.RemoteID)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)

	assert.Equal(t, 1, fake.SessionCount())
	assert.Equal(t, 5, fake.ReadingCount(got.RemoteID))
	assert.Equal(t, 1, fake.EventCount(got.RemoteID))
	assert.Equal(t, 1, fake.PhaseCount(got.RemoteID))

	tasks, err := s.PendingTasks(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// A second pass has nothing to do and never touches the remote
	calls := fake.UpsertSessionCalls
	require.NoError(t, e.SyncSession(ctx, sess.ID))
	assert.Equal(t, calls, fake.UpsertSessionCalls)
}

func TestSyncSession_IdentityBeforeDependents(t *testing.T) {
	e, s, fake := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 5)

	fake.Offline = true
	err := e.SyncSession(ctx, sess.ID)
	require.ErrorIs(t, err, remote.ErrTransient)

	// Identity failed, so nothing dependent was attempted
	assert.Equal(t, 0, fake.ReadingBatches)
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RemoteID)
	assert.Equal(t, models.SyncStatePending, got.SyncState, "transient failure keeps the session queued")

	// Attempts were counted against the session task
	tasks, err := s.PendingTasks(ctx, sess.ID)
	require.NoError(t, err)
	var sessionTask *models.SyncTask
	for _, task := range tasks {
		if task.EntityKey == store.SessionKey(sess.ID) {
			sessionTask = task
		}
	}
	require.NotNil(t, sessionTask)
	assert.Equal(t, 1, sessionTask.Attempts)

	// Connectivity returns: the same drain completes in full
	fake.Offline = false
	require.NoError(t, e.SyncSession(ctx, sess.ID))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.RemoteID)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)
	assert.Equal(t, 5, fake.ReadingCount(got.RemoteID))
}

func TestSyncSession_LostAckDoesNotDuplicate(t *testing.T) {
	e, s, fake := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 5)

	// The batch lands remotely but the acknowledgment is lost in transit
	fake.BeforeUpsertReadings = func(batch []remote.ReadingRecord) (bool, error) {
		return true, fmt.Errorf("%w: ack lost", remote.ErrTransient)
	}

	err := e.SyncSession(ctx, sess.ID)
	require.ErrorIs(t, err, remote.ErrTransient)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.RemoteID, "identity resolved before the readings failure")
	assert.Equal(t, 5, fake.ReadingCount(got.RemoteID), "batch was applied remotely")

	// The retry re-sends the same batch; timestamp-keyed upserts absorb it
	require.NoError(t, e.SyncSession(ctx, sess.ID))
	assert.Equal(t, 5, fake.ReadingCount(got.RemoteID), "no duplicates after redelivery")
	assert.Equal(t, 1, fake.SessionCount())

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)
}

func TestSyncSession_BatchesLargeSessions(t *testing.T) {
	e, s, fake := newTestEngine(t)
	e.cfg.BatchSize = 50
	ctx := context.Background()
	sess := seedSession(t, s, 120)

	require.NoError(t, e.SyncSession(ctx, sess.ID))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, fake.ReadingCount(got.RemoteID))
	assert.Equal(t, 3, fake.ReadingBatches, "120 readings in batches of 50")
}

func TestSyncSession_RemoteIDStableAcrossReupload(t *testing.T) {
	e, s, fake := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)

	require.NoError(t, e.SyncSession(ctx, sess.ID))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	firstRemoteID := got.RemoteID

	// Ending the session queues it again; the upsert must land on the same
	// remote row, not create a second one.
	require.NoError(t, s.MarkEnded(ctx, sess.ID, models.SessionStatusCompleted, "completed", time.Now()))
	require.NoError(t, e.SyncSession(ctx, sess.ID))

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, firstRemoteID, got.RemoteID)
	assert.Equal(t, 1, fake.SessionCount())

	rec, ok := fake.Session(remote.NaturalKey{DeviceID: "device-1", LocalSessionID: sess.ID})
	require.True(t, ok)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "completed", rec.EndReason)
}

func TestSyncSession_ValidationFailureSurfaced(t *testing.T) {
	e, s, fake := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)

	fake.BeforeUpsertReadings = func(batch []remote.ReadingRecord) (bool, error) {
		return false, &remote.ValidationError{Detail: "spo2 out of range"}
	}

	err := e.SyncSession(ctx, sess.ID)
	require.Error(t, err)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateFailed, got.SyncState, "permanent rejection is surfaced, not retried")

	failed, err := s.FailedTasks(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 3)
	for _, task := range failed {
		assert.Contains(t, task.LastError, "spo2 out of range")
	}

	// An explicit reset re-queues and the next drain completes
	n, err := s.ResetFailedTasks(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, e.SyncSession(ctx, sess.ID))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateSynced, got.SyncState)
	assert.Equal(t, 3, fake.ReadingCount(got.RemoteID))
}

func TestSyncSession_ExhaustedRetriesFail(t *testing.T) {
	e, s, fake := newTestEngine(t)
	e.cfg.MaxAttempts = 2
	ctx := context.Background()
	sess := seedSession(t, s, 1)

	fake.Offline = true
	for i := 0; i < 3; i++ {
		require.Error(t, e.SyncSession(ctx, sess.ID))
	}

	// The session task exceeded the attempt cap and is parked as failed
	failed, err := s.FailedTasks(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, failed)

	var found bool
	for _, task := range failed {
		if task.EntityKey == store.SessionKey(sess.ID) {
			found = true
			assert.GreaterOrEqual(t, task.Attempts, 2)
		}
	}
	assert.True(t, found, "exhausted session task surfaces in failed set")
}

func TestSyncSession_Concurrent(t *testing.T) {
	e, s, fake := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 40)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.SyncSession(ctx, sess.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.SessionCount())
	assert.Equal(t, 40, fake.ReadingCount(got.RemoteID))
	assert.Equal(t, models.SyncStateSynced, got.SyncState)
}

func TestDrainOnce_SkipsBackedOffSessions(t *testing.T) {
	e, s, fake := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 2)

	// Push every task of the session into the future
	tasks, err := s.PendingTasks(ctx, sess.ID)
	require.NoError(t, err)
	keys := make([]string, len(tasks))
	for i, task := range tasks {
		keys[i] = task.EntityKey
	}
	require.NoError(t, s.BumpTasks(ctx, keys, time.Now().Add(time.Hour), "backing off"))

	require.NoError(t, e.DrainOnce(ctx))
	assert.Equal(t, 0, fake.UpsertSessionCalls, "not due yet")
}

func TestRecoverSessionMapping(t *testing.T) {
	e, s, fake := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 2)

	// The remote row exists from a previous run whose ack never landed
	key := remote.NaturalKey{DeviceID: "device-1", LocalSessionID: sess.ID}
	ack, err := fake.UpsertSession(ctx, remote.SessionRecord{Key: key, Status: "active"})
	require.NoError(t, err)

	remoteID, err := e.RecoverSessionMapping(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, ack.RemoteID, remoteID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, ack.RemoteID, got.RemoteID)

	// The following sync reuses the recovered identity
	require.NoError(t, e.SyncSession(ctx, sess.ID))
	assert.Equal(t, 1, fake.SessionCount())
	assert.Equal(t, 2, fake.ReadingCount(ack.RemoteID))
}

func TestRecoverSessionMapping_NothingRemote(t *testing.T) {
	e, s, _ := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 1)

	remoteID, err := e.RecoverSessionMapping(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, remoteID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RemoteID)
}

func TestRun_DrainsOnKick(t *testing.T) {
	e, s, fake := newTestEngine(t)
	e.cfg.DrainInterval = time.Hour // only the kick can trigger the drain
	e.Bind()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	sess := seedSession(t, s, 3)

	require.Eventually(t, func() bool {
		got, err := s.GetSession(context.Background(), sess.ID)
		if err != nil {
			return false
		}
		return got.SyncState == models.SyncStateSynced && fake.ReadingCount(got.RemoteID) == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSyncSession_ConvergesAfterInterruptedAck(t *testing.T) {
	e, s, fake := newTestEngine(t)
	ctx := context.Background()
	sess := seedSession(t, s, 3)
	require.NoError(t, e.SyncSession(ctx, sess.ID))

	// A crash between the synced mark and the task removal leaves a pending
	// task pointing at an already-acknowledged row.
	r := &models.Reading{
		SessionLocalID: sess.ID,
		Timestamp:      sess.StartedAt.Add(time.Minute),
		SpO2:           93,
		HeartRate:      70,
		IsValid:        true,
	}
	require.NoError(t, s.AppendReading(ctx, r))
	require.NoError(t, s.MarkReadingsSynced(ctx, []string{r.ID}, time.Now().UTC()))

	tasks, err := s.PendingTasks(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "orphan task is pending")

	batches := fake.ReadingBatches
	require.NoError(t, e.SyncSession(ctx, sess.ID))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStateSynced, got.SyncState, "session converges despite the orphan")
	assert.Equal(t, batches, fake.ReadingBatches, "nothing was re-uploaded")

	tasks, err = s.PendingTasks(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMergeRecords_NewerRecordWins(t *testing.T) {
	base := time.Now().UTC()
	ended := base.Add(time.Minute)
	local := remote.SessionRecord{
		Status:               "active",
		CurrentAltitudeLevel: 4,
		CompletedCycles:      1,
		UpdatedAt:            base,
	}
	rem := remote.SessionRecord{
		Status:               "completed",
		EndedAt:              &ended,
		EndReason:            "completed",
		CurrentAltitudeLevel: 6,
		CompletedCycles:      3,
		UpdatedAt:            base.Add(2 * time.Minute),
	}

	merged, winner := mergeRecords(local, rem)
	assert.Equal(t, "remote", winner)
	assert.Equal(t, "completed", merged.Status)
	assert.Equal(t, "completed", merged.EndReason)
	assert.Equal(t, 6, merged.CurrentAltitudeLevel)
	assert.Equal(t, 3, merged.CompletedCycles)

	// The local side wins on equal or newer timestamps
	merged, winner = mergeRecords(rem, local)
	assert.Equal(t, "local", winner)
	assert.Equal(t, rem, merged)

	merged, winner = mergeRecords(local, local)
	assert.Equal(t, "local", winner)
	assert.Equal(t, local, merged)
}
