// Package syncer reconciles the local session store with the remote
// canonical store: exactly-once upload of every locally recorded entity,
// despite intermittent connectivity, restarts, and concurrent attempts.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tgruber/hxt/internal/models"
	"github.com/tgruber/hxt/internal/remote"
	"github.com/tgruber/hxt/internal/store"
)

// Config holds the engine's tuning knobs. All of them come from the user
// config file.
type Config struct {
	DeviceID       string
	BatchSize      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	DrainInterval  time.Duration
}

// DefaultConfig returns the engine defaults before viper overrides.
func DefaultConfig(deviceID string) Config {
	return Config{
		DeviceID:       deviceID,
		BatchSize:      50,
		MaxAttempts:    8,
		BackoffBase:    5 * time.Second,
		BackoffCeiling: 5 * time.Minute,
		DrainInterval:  30 * time.Second,
	}
}

// Engine drains the local store into the remote canonical store. The only
// explicit mutual-exclusion primitive is the per-session lock: at most one
// sync attempt per local session id is in flight at a time.
type Engine struct {
	store  store.Store
	remote remote.Client
	cfg    Config
	log    *slog.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	kick chan struct{}
}

// New creates an engine. Call Bind to receive store change notifications
// and Run to start the background drain loop.
func New(s store.Store, r remote.Client, cfg Config, log *slog.Logger) *Engine {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:  s,
		remote: r,
		cfg:    cfg,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
		kick:   make(chan struct{}, 1),
	}
}

// Bind registers the engine as the store's change-notification hook.
func (e *Engine) Bind() {
	e.store.OnWrite(func(string) {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	})
}

// Run drains due work until the context is cancelled. Sync during an
// active session is best-effort and debounced by DrainInterval; once a
// session ends, its remaining rows are picked up on the next pass and
// retried until acknowledged.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
		case <-ticker.C:
		}
		e.drainDue(ctx)
	}
}

// DrainOnce syncs every session with due work and returns the first error.
func (e *Engine) DrainOnce(ctx context.Context) error {
	ids, err := e.store.SessionsWithDueTasks(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	var firstErr error
	for _, id := range ids {
		if err := e.SyncSession(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) drainDue(ctx context.Context) {
	if err := e.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("sync drain incomplete", slog.String("error", err.Error()))
	}
}

func (e *Engine) sessionLock(localID string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[localID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[localID] = mu
	}
	return mu
}

// SyncSession uploads everything recorded for one session. The hard
// ordering invariant: no reading, event, or phase row leaves the device
// before the session's canonical remote id is durably recorded locally.
func (e *Engine) SyncSession(ctx context.Context, localID string) error {
	mu := e.sessionLock(localID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := e.store.GetSession(ctx, localID)
	if err != nil {
		return err
	}

	tasks, err := e.store.PendingTasks(ctx, localID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	if err := e.store.SetSyncState(ctx, localID, models.SyncStateSyncing); err != nil {
		return err
	}

	if err := e.syncSessionLocked(ctx, sess, tasks); err != nil {
		state := models.SyncStatePending
		if !errors.Is(err, remote.ErrTransient) {
			state = models.SyncStateFailed
		}
		if serr := e.store.SetSyncState(ctx, localID, state); serr != nil {
			e.log.Error("record sync state failed", slog.String("error", serr.Error()))
		}
		return err
	}

	// Re-check: writes may have landed while we were uploading.
	remaining, err := e.store.PendingTasks(ctx, localID)
	if err != nil {
		return err
	}
	state := models.SyncStateSynced
	if len(remaining) > 0 {
		state = models.SyncStatePending
	}
	return e.store.SetSyncState(ctx, localID, state)
}

func (e *Engine) syncSessionLocked(ctx context.Context, sess *models.Session, tasks []*models.SyncTask) error {
	attempts := map[string]int{}
	sessionTaskPending := false
	for _, t := range tasks {
		attempts[t.EntityKey] = t.Attempts
		if t.EntityType == models.EntityTypeSession {
			sessionTaskPending = true
		}
	}

	// Pending tasks whose rows already carry a synced mark have nothing
	// left to upload. Sweep them so the session can converge.
	pruned, err := e.store.PruneAckedTasks(ctx, sess.ID)
	if err != nil {
		return err
	}
	if pruned > 0 {
		e.log.Warn("dropped sync tasks for already-acknowledged rows",
			slog.String("session", sess.ID), slog.Int64("tasks", pruned))
	}

	remoteID, err := e.resolveIdentity(ctx, sess, sessionTaskPending, attempts)
	if err != nil {
		return err
	}

	if err := e.uploadReadings(ctx, sess, remoteID, attempts); err != nil {
		return err
	}
	if err := e.uploadEvents(ctx, sess, remoteID, attempts); err != nil {
		return err
	}
	return e.uploadPhases(ctx, sess, remoteID, attempts)
}

// resolveIdentity maps the local session id to its canonical remote id,
// creating the remote row if it does not exist. The upsert is keyed by
// (deviceID, localSessionID), so a retried create after a prior partial
// success lands on the same remote session.
func (e *Engine) resolveIdentity(ctx context.Context, sess *models.Session, taskPending bool, attempts map[string]int) (string, error) {
	key := remote.NaturalKey{DeviceID: e.cfg.DeviceID, LocalSessionID: sess.ID}
	taskKey := store.SessionKey(sess.ID)

	if sess.RemoteID != "" && !taskPending {
		return sess.RemoteID, nil
	}

	ack, err := e.remote.UpsertSession(ctx, sessionRecord(sess, key))
	if err != nil {
		var conflict *remote.ConflictError
		if errors.As(err, &conflict) {
			ack, err = e.resolveConflict(ctx, sess, key, conflict)
		}
		if err != nil {
			return "", e.deliveryFailed(ctx, []string{taskKey}, attempts, err)
		}
	}

	// Persist the mapping before any dependent upload proceeds.
	if err := e.store.SetRemoteSessionID(ctx, sess.ID, ack.RemoteID); err != nil {
		return "", err
	}
	sess.RemoteID = ack.RemoteID

	if err := e.store.MarkTasksDone(ctx, []string{taskKey}); err != nil {
		return "", err
	}
	e.log.Debug("session identity resolved",
		slog.String("session", sess.ID), slog.String("remote", ack.RemoteID))
	return ack.RemoteID, nil
}

// resolveConflict resolves a divergent session record last-write-wins by
// server timestamp and retries the upsert once. Every resolution is logged
// for audit.
func (e *Engine) resolveConflict(ctx context.Context, sess *models.Session, key remote.NaturalKey, conflict *remote.ConflictError) (remote.SessionAck, error) {
	local := sessionRecord(sess, key)
	merged, winner := mergeRecords(local, *conflict.Remote)
	e.log.Info("conflict resolved",
		slog.String("session", sess.ID),
		slog.String("winner", winner))
	return e.remote.UpsertSession(ctx, merged)
}

// mergeRecords resolves record-level last-write-wins: each side carries one
// server-comparable updated_at, so the newer record's mutable fields win
// wholesale. The natural key and start time always stay local.
func mergeRecords(local, rem remote.SessionRecord) (remote.SessionRecord, string) {
	if !rem.UpdatedAt.After(local.UpdatedAt) {
		return local, "local"
	}
	merged := local
	merged.Status = rem.Status
	merged.EndedAt = rem.EndedAt
	merged.EndReason = rem.EndReason
	merged.CurrentAltitudeLevel = rem.CurrentAltitudeLevel
	merged.CompletedCycles = rem.CompletedCycles
	merged.UpdatedAt = rem.UpdatedAt
	return merged, "remote"
}

func (e *Engine) uploadReadings(ctx context.Context, sess *models.Session, remoteID string, attempts map[string]int) error {
	for {
		rows, err := e.store.UnsyncedReadings(ctx, sess.ID, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		batch := make([]remote.ReadingRecord, len(rows))
		ids := make([]string, len(rows))
		keys := make([]string, len(rows))
		for i, r := range rows {
			batch[i] = remote.ReadingRecord{
				Timestamp: r.Timestamp,
				SpO2:      r.SpO2,
				HeartRate: r.HeartRate,
				IsValid:   r.IsValid,
			}
			ids[i] = r.ID
			keys[i] = store.ReadingKey(r.ID)
		}

		if err := e.remote.UpsertReadings(ctx, remoteID, batch); err != nil {
			return e.deliveryFailed(ctx, keys, attempts, err)
		}
		if err := e.store.AckReadings(ctx, ids, time.Now().UTC()); err != nil {
			return err
		}
	}
}

func (e *Engine) uploadEvents(ctx context.Context, sess *models.Session, remoteID string, attempts map[string]int) error {
	for {
		rows, err := e.store.UnsyncedEvents(ctx, sess.ID, e.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		batch := make([]remote.EventRecord, len(rows))
		ids := make([]string, len(rows))
		keys := make([]string, len(rows))
		for i, ev := range rows {
			batch[i] = remote.EventRecord{
				EventType:            string(ev.EventType),
				Timestamp:            ev.Timestamp,
				PhaseNumber:          ev.PhaseNumber,
				AltitudeLevelAtEvent: ev.AltitudeLevelAtEvent,
				SpO2AtEvent:          ev.SpO2AtEvent,
				Context:              ev.Context,
			}
			ids[i] = ev.ID
			keys[i] = store.EventKey(ev.ID)
		}

		if err := e.remote.UpsertEvents(ctx, remoteID, batch); err != nil {
			return e.deliveryFailed(ctx, keys, attempts, err)
		}
		if err := e.store.AckEvents(ctx, ids, time.Now().UTC()); err != nil {
			return err
		}
	}
}

func (e *Engine) uploadPhases(ctx context.Context, sess *models.Session, remoteID string, attempts map[string]int) error {
	rows, err := e.store.UnsyncedPhases(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch := make([]remote.PhaseRecord, len(rows))
	ids := make([]string, len(rows))
	keys := make([]string, len(rows))
	for i, p := range rows {
		batch[i] = remote.PhaseRecord{
			PhaseType:       string(p.PhaseType),
			CycleNumber:     p.CycleNumber,
			AltitudeLevel:   p.AltitudeLevel,
			StartTime:       p.StartTime,
			DurationTargetS: p.DurationTarget.Seconds(),
			DurationActualS: p.DurationActual.Seconds(),
			MinSpO2:         p.MinSpO2,
			MaxSpO2:         p.MaxSpO2,
			AvgSpO2:         p.AvgSpO2,
			SampleCount:     p.SampleCount,
		}
		ids[i] = p.ID
		keys[i] = store.PhaseKey(p.ID)
	}

	if err := e.remote.UpsertPhases(ctx, remoteID, batch); err != nil {
		return e.deliveryFailed(ctx, keys, attempts, err)
	}
	return e.store.AckPhases(ctx, ids, time.Now().UTC())
}

// deliveryFailed applies the retry policy to the tasks behind a failed
// delivery. Transient failures reschedule with exponential backoff until
// the attempt cap; validation rejections fail immediately. Nothing is
// dropped silently either way.
func (e *Engine) deliveryFailed(ctx context.Context, keys []string, attempts map[string]int, cause error) error {
	var validation *remote.ValidationError
	if errors.As(cause, &validation) {
		if err := e.store.FailTasks(ctx, keys, validation.Detail); err != nil {
			return err
		}
		e.log.Error("remote rejected payload",
			slog.Int("tasks", len(keys)), slog.String("detail", validation.Detail))
		return cause
	}

	maxAttempts := 0
	for _, k := range keys {
		if a := attempts[k]; a > maxAttempts {
			maxAttempts = a
		}
	}
	next := time.Now().UTC().Add(Backoff(maxAttempts+1, e.cfg.BackoffBase, e.cfg.BackoffCeiling))
	if err := e.store.BumpTasks(ctx, keys, next, cause.Error()); err != nil {
		return err
	}

	failed, err := e.store.FailTasksExceeding(ctx, e.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if failed > 0 {
		e.log.Error("sync tasks exhausted retry budget", slog.Int64("tasks", failed))
	}
	e.log.Warn("batch delivery failed, rescheduled",
		slog.Int("tasks", len(keys)),
		slog.Time("next_retry", next),
		slog.String("error", cause.Error()))
	return cause
}

// RecoverSessionMapping restores a lost local mapping after a process
// restart: before assuming no remote identity exists, ask the remote store
// by natural key, so a session created in a prior run whose acknowledgment
// was lost is not created twice.
func (e *Engine) RecoverSessionMapping(ctx context.Context, localID string) (string, error) {
	sess, err := e.store.GetSession(ctx, localID)
	if err != nil {
		return "", err
	}
	if sess.RemoteID != "" {
		return sess.RemoteID, nil
	}

	key := remote.NaturalKey{DeviceID: e.cfg.DeviceID, LocalSessionID: localID}
	ack, found, err := e.remote.FindSession(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	if err := e.store.SetRemoteSessionID(ctx, localID, ack.RemoteID); err != nil {
		return "", err
	}
	e.log.Info("recovered session mapping",
		slog.String("session", localID), slog.String("remote", ack.RemoteID))
	return ack.RemoteID, nil
}

// RecoverAll runs mapping recovery for every unsynced session at startup.
func (e *Engine) RecoverAll(ctx context.Context) error {
	ids, err := e.store.SessionsWithDueTasks(ctx, time.Now().UTC().Add(e.cfg.BackoffCeiling))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := e.RecoverSessionMapping(ctx, id); err != nil {
			if errors.Is(err, remote.ErrTransient) {
				continue
			}
			return fmt.Errorf("recover mapping for %s: %w", id, err)
		}
	}
	return nil
}

func sessionRecord(sess *models.Session, key remote.NaturalKey) remote.SessionRecord {
	return remote.SessionRecord{
		Key:                   key,
		Status:                string(sess.Status),
		StartedAt:             sess.StartedAt,
		EndedAt:               sess.EndedAt,
		EndReason:             sess.EndReason,
		StartingAltitudeLevel: sess.StartingAltitudeLevel,
		CurrentAltitudeLevel:  sess.CurrentAltitudeLevel,
		PlannedCycles:         sess.PlannedCycles,
		CompletedCycles:       sess.CompletedCycles,
		UpdatedAt:             sess.UpdatedAt,
	}
}
