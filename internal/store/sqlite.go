package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tgruber/hxt/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRemoteIDConflict is returned when a session already has a different
// canonical remote id. The mapping is immutable once assigned.
var ErrRemoteIDConflict = errors.New("remote session id already assigned")

// Entity keys give every sync task a stable natural identity, so repeated
// enqueues of the same entity collapse into one row.

func SessionKey(localID string) string { return "session:" + localID }
func ReadingKey(id string) string      { return "reading:" + id }
func EventKey(id string) string        { return "event:" + id }
func PhaseKey(id string) string        { return "phase:" + id }

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB

	hookMu sync.Mutex
	hooks  []WriteHook
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// which is also what gives the store its single-writer discipline.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// OnWrite registers a change-notification hook invoked after every durable
// write for a session.
func (s *SQLiteStore) OnWrite(hook WriteHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *SQLiteStore) notify(sessionLocalID string) {
	s.hookMu.Lock()
	hooks := make([]WriteHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMu.Unlock()
	for _, h := range hooks {
		h(sessionLocalID)
	}
}

// enqueueTaskTx inserts a sync task within an existing transaction.
// Re-enqueueing an existing entity key resets it to pending and immediately
// due, so updated entities (e.g. an ended session) get re-uploaded.
func enqueueTaskTx(ctx context.Context, tx *sql.Tx, sessionLocalID string, entityType models.EntityType, entityKey string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_tasks (id, session_local_id, entity_type, entity_key, attempts, next_retry_at, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, 'pending', ?, ?)
		ON CONFLICT(entity_key) DO UPDATE SET state='pending', next_retry_at=excluded.next_retry_at, updated_at=excluded.updated_at`,
		newULID(), sessionLocalID, string(entityType), entityKey, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue sync task %s: %w", entityKey, err)
	}
	return nil
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = newULID()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}
	if sess.SyncState == "" {
		sess.SyncState = models.SyncStatePending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, remote_id, device_id, status, sync_state, started_at, ended_at, end_reason, starting_altitude_level, current_altitude_level, planned_cycles, completed_cycles, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.RemoteID, sess.DeviceID, string(sess.Status), string(sess.SyncState),
		sess.StartedAt, sess.EndedAt, sess.EndReason,
		sess.StartingAltitudeLevel, sess.CurrentAltitudeLevel,
		sess.PlannedCycles, sess.CompletedCycles, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if err := enqueueTaskTx(ctx, tx, sess.ID, models.EntityTypeSession, SessionKey(sess.ID), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.notify(sess.ID)
	return nil
}

const sessionColumns = `id, remote_id, device_id, status, sync_state, started_at, ended_at, end_reason, starting_altitude_level, current_altitude_level, planned_cycles, completed_cycles, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	sess := &models.Session{}
	var status, syncState string
	var endedAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.RemoteID, &sess.DeviceID, &status, &syncState,
		&sess.StartedAt, &endedAt, &sess.EndReason,
		&sess.StartingAltitudeLevel, &sess.CurrentAltitudeLevel,
		&sess.PlannedCycles, &sess.CompletedCycles, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}

	sess.Status = models.SessionStatus(status)
	sess.SyncState = models.SyncState(syncState)
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, localID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, localID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", localID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=?, sync_state=?, ended_at=?, end_reason=?, current_altitude_level=?, completed_cycles=?, updated_at=?
		WHERE id=?`,
		string(sess.Status), string(sess.SyncState), sess.EndedAt, sess.EndReason,
		sess.CurrentAltitudeLevel, sess.CompletedCycles, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", sess.ID)
	}
	s.notify(sess.ID)
	return nil
}

// SetRemoteSessionID persists the canonical remote id for a session. The
// mapping is immutable: assigning the same id again is a no-op, assigning a
// different one returns ErrRemoteIDConflict.
func (s *SQLiteStore) SetRemoteSessionID(ctx context.Context, localID, remoteID string) error {
	if remoteID == "" {
		return fmt.Errorf("remote session id must not be empty")
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET remote_id=?, updated_at=? WHERE id=? AND (remote_id='' OR remote_id=?)`,
		remoteID, time.Now().UTC(), localID, remoteID,
	)
	if err != nil {
		return fmt.Errorf("set remote session id: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		sess, err := s.GetSession(ctx, localID)
		if err != nil {
			return err
		}
		return fmt.Errorf("session %s maps to %s, refusing %s: %w",
			localID, sess.RemoteID, remoteID, ErrRemoteIDConflict)
	}
	return nil
}

func (s *SQLiteStore) SetSyncState(ctx context.Context, localID string, state models.SyncState) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET sync_state=?, updated_at=? WHERE id=?`,
		string(state), time.Now().UTC(), localID,
	)
	if err != nil {
		return fmt.Errorf("set sync state: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", localID)
	}
	return nil
}

// MarkEnded finalizes a session and re-enqueues its sync task so the
// terminal status reaches the remote store.
func (s *SQLiteStore) MarkEnded(ctx context.Context, localID string, status models.SessionStatus, reason string, endedAt time.Time) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status=?, ended_at=?, end_reason=?, updated_at=? WHERE id=?`,
		string(status), endedAt, reason, now, localID,
	)
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", localID)
	}

	if err := enqueueTaskTx(ctx, tx, localID, models.EntityTypeSession, SessionKey(localID), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.notify(localID)
	return nil
}

// DeleteSession removes a session and everything recorded under it. Only
// explicit user data deletion goes through here.
func (s *SQLiteStore) DeleteSession(ctx context.Context, localID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		"DELETE FROM readings WHERE session_local_id = ?",
		"DELETE FROM adaptive_events WHERE session_local_id = ?",
		"DELETE FROM phases WHERE session_local_id = ?",
		"DELETE FROM sync_tasks WHERE session_local_id = ?",
		"DELETE FROM checkpoints WHERE session_local_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, localID); err != nil {
			return fmt.Errorf("delete session data: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", localID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", localID)
	}
	return tx.Commit()
}

// --- Readings ---

func (s *SQLiteStore) AppendReading(ctx context.Context, r *models.Reading) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	now := time.Now().UTC()
	r.CreatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO readings (id, session_local_id, timestamp, spo2, heart_rate, is_valid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionLocalID, r.Timestamp, r.SpO2, r.HeartRate, boolToInt(r.IsValid), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append reading: %w", err)
	}

	if err := enqueueTaskTx(ctx, tx, r.SessionLocalID, models.EntityTypeReading, ReadingKey(r.ID), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.notify(r.SessionLocalID)
	return nil
}

const readingColumns = `id, session_local_id, timestamp, spo2, heart_rate, is_valid, created_at`

func (s *SQLiteStore) scanReadings(ctx context.Context, query string, args ...any) ([]*models.Reading, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var readings []*models.Reading
	for rows.Next() {
		r := &models.Reading{}
		var isValid int
		if err := rows.Scan(&r.ID, &r.SessionLocalID, &r.Timestamp, &r.SpO2, &r.HeartRate, &isValid, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		r.IsValid = isValid != 0
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *SQLiteStore) UnsyncedReadings(ctx context.Context, sessionLocalID string, limit int) ([]*models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings WHERE session_local_id = ? AND synced_at IS NULL ORDER BY created_at, id`
	args := []any{sessionLocalID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.scanReadings(ctx, query, args...)
}

func (s *SQLiteStore) ListReadings(ctx context.Context, sessionLocalID string) ([]*models.Reading, error) {
	return s.scanReadings(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE session_local_id = ? ORDER BY created_at, id`,
		sessionLocalID)
}

func (s *SQLiteStore) CountReadings(ctx context.Context, sessionLocalID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM readings WHERE session_local_id = ?", sessionLocalID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) MarkReadingsSynced(ctx context.Context, ids []string, at time.Time) error {
	return markSynced(ctx, s.db, "readings", ids, at)
}

// --- Adaptive events ---

func (s *SQLiteStore) RecordEvent(ctx context.Context, e *models.AdaptiveEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = newULID()
	}
	now := time.Now().UTC()
	e.CreatedAt = now

	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal event context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO adaptive_events (id, session_local_id, event_type, timestamp, phase_number, altitude_level_at_event, spo2_at_event, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionLocalID, string(e.EventType), e.Timestamp,
		e.PhaseNumber, e.AltitudeLevelAtEvent, e.SpO2AtEvent, string(contextJSON), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}

	if err := enqueueTaskTx(ctx, tx, e.SessionLocalID, models.EntityTypeEvent, EventKey(e.ID), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.notify(e.SessionLocalID)
	return nil
}

const eventColumns = `id, session_local_id, event_type, timestamp, phase_number, altitude_level_at_event, spo2_at_event, context, created_at`

func (s *SQLiteStore) scanEvents(ctx context.Context, query string, args ...any) ([]*models.AdaptiveEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.AdaptiveEvent
	for rows.Next() {
		e := &models.AdaptiveEvent{}
		var eventType, contextJSON string
		if err := rows.Scan(&e.ID, &e.SessionLocalID, &eventType, &e.Timestamp,
			&e.PhaseNumber, &e.AltitudeLevelAtEvent, &e.SpO2AtEvent, &contextJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = models.EventType(eventType)
		if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
			return nil, fmt.Errorf("unmarshal event context: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) UnsyncedEvents(ctx context.Context, sessionLocalID string, limit int) ([]*models.AdaptiveEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM adaptive_events WHERE session_local_id = ? AND synced_at IS NULL ORDER BY created_at, id`
	args := []any{sessionLocalID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.scanEvents(ctx, query, args...)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, sessionLocalID string) ([]*models.AdaptiveEvent, error) {
	return s.scanEvents(ctx,
		`SELECT `+eventColumns+` FROM adaptive_events WHERE session_local_id = ? ORDER BY created_at, id`,
		sessionLocalID)
}

func (s *SQLiteStore) MarkEventsSynced(ctx context.Context, ids []string, at time.Time) error {
	return markSynced(ctx, s.db, "adaptive_events", ids, at)
}

// --- Phases ---

func (s *SQLiteStore) OpenPhase(ctx context.Context, p *models.Phase) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	p.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phases (id, session_local_id, phase_type, cycle_number, altitude_level, start_time, duration_target_ns, duration_actual_ns, min_spo2, max_spo2, avg_spo2, sample_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, ?)`,
		p.ID, p.SessionLocalID, string(p.PhaseType), p.CycleNumber, p.AltitudeLevel,
		p.StartTime, p.DurationTarget.Nanoseconds(), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("open phase: %w", err)
	}
	s.notify(p.SessionLocalID)
	return nil
}

// ClosePhase finalizes a phase's duration and aggregates and enqueues the
// row for upload. Open phases are never synced.
func (s *SQLiteStore) ClosePhase(ctx context.Context, p *models.Phase) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE phases SET duration_actual_ns=?, min_spo2=?, max_spo2=?, avg_spo2=?, sample_count=? WHERE id=?`,
		p.DurationActual.Nanoseconds(), p.MinSpO2, p.MaxSpO2, p.AvgSpO2, p.SampleCount, p.ID,
	)
	if err != nil {
		return fmt.Errorf("close phase: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("phase not found: %s", p.ID)
	}

	if err := enqueueTaskTx(ctx, tx, p.SessionLocalID, models.EntityTypePhase, PhaseKey(p.ID), now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.notify(p.SessionLocalID)
	return nil
}

const phaseColumns = `id, session_local_id, phase_type, cycle_number, altitude_level, start_time, duration_target_ns, duration_actual_ns, min_spo2, max_spo2, avg_spo2, sample_count, created_at`

func (s *SQLiteStore) scanPhases(ctx context.Context, query string, args ...any) ([]*models.Phase, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query phases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var phases []*models.Phase
	for rows.Next() {
		p := &models.Phase{}
		var phaseType string
		var targetNS, actualNS int64
		if err := rows.Scan(&p.ID, &p.SessionLocalID, &phaseType, &p.CycleNumber, &p.AltitudeLevel,
			&p.StartTime, &targetNS, &actualNS, &p.MinSpO2, &p.MaxSpO2, &p.AvgSpO2, &p.SampleCount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		p.PhaseType = models.PhaseType(phaseType)
		p.DurationTarget = time.Duration(targetNS)
		p.DurationActual = time.Duration(actualNS)
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

func (s *SQLiteStore) ListPhases(ctx context.Context, sessionLocalID string) ([]*models.Phase, error) {
	return s.scanPhases(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE session_local_id = ? ORDER BY created_at, id`,
		sessionLocalID)
}

func (s *SQLiteStore) UnsyncedPhases(ctx context.Context, sessionLocalID string) ([]*models.Phase, error) {
	// Only closed phases (duration finalized) are eligible for upload.
	return s.scanPhases(ctx,
		`SELECT `+phaseColumns+` FROM phases WHERE session_local_id = ? AND synced_at IS NULL AND duration_actual_ns > 0 ORDER BY created_at, id`,
		sessionLocalID)
}

func (s *SQLiteStore) MarkPhasesSynced(ctx context.Context, ids []string, at time.Time) error {
	return markSynced(ctx, s.db, "phases", ids, at)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markSynced(ctx context.Context, db execer, table string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	query := fmt.Sprintf("UPDATE %s SET synced_at=? WHERE id IN (%s)", table, strings.Join(placeholders, ","))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark %s synced: %w", table, err)
	}
	return nil
}

// ack commits the synced mark and the task removal together. A crash cannot
// leave an acknowledged row behind a live task or the reverse.
func (s *SQLiteStore) ack(ctx context.Context, table string, ids []string, key func(string) string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := markSynced(ctx, tx, table, ids, at); err != nil {
		return err
	}
	if err := deleteTasks(ctx, tx, keys); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AckReadings records remote acknowledgment of a reading batch.
func (s *SQLiteStore) AckReadings(ctx context.Context, ids []string, at time.Time) error {
	return s.ack(ctx, "readings", ids, ReadingKey, at)
}

// AckEvents records remote acknowledgment of an event batch.
func (s *SQLiteStore) AckEvents(ctx context.Context, ids []string, at time.Time) error {
	return s.ack(ctx, "adaptive_events", ids, EventKey, at)
}

// AckPhases records remote acknowledgment of a phase batch.
func (s *SQLiteStore) AckPhases(ctx context.Context, ids []string, at time.Time) error {
	return s.ack(ctx, "phases", ids, PhaseKey, at)
}

// --- Sync tasks ---

func (s *SQLiteStore) EnqueueTask(ctx context.Context, t *models.SyncTask) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.State == "" {
		t.State = models.TaskStatePending
	}
	if t.NextRetryAt.IsZero() {
		t.NextRetryAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_tasks (id, session_local_id, entity_type, entity_key, attempts, next_retry_at, state, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionLocalID, string(t.EntityType), t.EntityKey,
		t.Attempts, t.NextRetryAt, string(t.State), t.LastError, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

const taskColumns = `id, session_local_id, entity_type, entity_key, attempts, next_retry_at, state, last_error, created_at, updated_at`

func (s *SQLiteStore) scanTasks(ctx context.Context, query string, args ...any) ([]*models.SyncTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.SyncTask
	for rows.Next() {
		t := &models.SyncTask{}
		var entityType, state string
		if err := rows.Scan(&t.ID, &t.SessionLocalID, &entityType, &t.EntityKey,
			&t.Attempts, &t.NextRetryAt, &state, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sync task: %w", err)
		}
		t.EntityType = models.EntityType(entityType)
		t.State = models.TaskState(state)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) PendingTasks(ctx context.Context, sessionLocalID string) ([]*models.SyncTask, error) {
	return s.scanTasks(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE session_local_id = ? AND state = 'pending' ORDER BY created_at, id`,
		sessionLocalID)
}

func (s *SQLiteStore) SessionsWithDueTasks(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_local_id FROM sync_tasks WHERE state = 'pending' AND next_retry_at <= ? ORDER BY session_local_id`,
		now)
	if err != nil {
		return nil, fmt.Errorf("sessions with due tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BumpTasks increments the attempt count on the given tasks after a failed
// delivery and reschedules them.
func (s *SQLiteStore) BumpTasks(ctx context.Context, entityKeys []string, nextRetryAt time.Time, lastError string) error {
	if len(entityKeys) == 0 {
		return nil
	}
	placeholders := make([]string, len(entityKeys))
	args := make([]any, 0, len(entityKeys)+3)
	args = append(args, nextRetryAt, lastError, time.Now().UTC())
	for i, key := range entityKeys {
		placeholders[i] = "?"
		args = append(args, key)
	}
	query := fmt.Sprintf(
		`UPDATE sync_tasks SET attempts=attempts+1, next_retry_at=?, last_error=?, updated_at=? WHERE entity_key IN (%s)`,
		strings.Join(placeholders, ","),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bump sync tasks: %w", err)
	}
	return nil
}

// FailTasks marks the given tasks failed without further retries, used when
// the remote rejects a payload outright.
func (s *SQLiteStore) FailTasks(ctx context.Context, entityKeys []string, lastError string) error {
	if len(entityKeys) == 0 {
		return nil
	}
	placeholders := make([]string, len(entityKeys))
	args := make([]any, 0, len(entityKeys)+2)
	args = append(args, lastError, time.Now().UTC())
	for i, key := range entityKeys {
		placeholders[i] = "?"
		args = append(args, key)
	}
	query := fmt.Sprintf(
		`UPDATE sync_tasks SET state='failed', last_error=?, updated_at=? WHERE entity_key IN (%s)`,
		strings.Join(placeholders, ","),
	)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("fail sync tasks: %w", err)
	}
	return nil
}

// FailTasksExceeding marks pending tasks whose attempts reached the cap as
// failed so they stop retrying but stay visible.
func (s *SQLiteStore) FailTasksExceeding(ctx context.Context, maxAttempts int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET state='failed', updated_at=? WHERE state='pending' AND attempts >= ?`,
		time.Now().UTC(), maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted sync tasks: %w", err)
	}
	return result.RowsAffected()
}

func deleteTasks(ctx context.Context, db execer, entityKeys []string) error {
	if len(entityKeys) == 0 {
		return nil
	}
	placeholders := make([]string, len(entityKeys))
	args := make([]any, len(entityKeys))
	for i, key := range entityKeys {
		placeholders[i] = "?"
		args[i] = key
	}
	query := fmt.Sprintf("DELETE FROM sync_tasks WHERE entity_key IN (%s)", strings.Join(placeholders, ","))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark sync tasks done: %w", err)
	}
	return nil
}

// MarkTasksDone removes acknowledged tasks.
func (s *SQLiteStore) MarkTasksDone(ctx context.Context, entityKeys []string) error {
	return deleteTasks(ctx, s.db, entityKeys)
}

// PruneAckedTasks drops pending tasks whose entity row already carries a
// synced mark. Nothing is left to upload for them, so sweeping lets a
// session whose acknowledgment was interrupted converge to synced.
func (s *SQLiteStore) PruneAckedTasks(ctx context.Context, sessionLocalID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pruned int64
	for _, t := range []struct {
		entityType models.EntityType
		table      string
		prefix     string
	}{
		{models.EntityTypeReading, "readings", "reading:"},
		{models.EntityTypeEvent, "adaptive_events", "event:"},
		{models.EntityTypePhase, "phases", "phase:"},
	} {
		result, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM sync_tasks WHERE session_local_id=? AND state='pending' AND entity_type=?
			AND entity_key IN (SELECT '%s' || id FROM %s WHERE session_local_id=? AND synced_at IS NOT NULL)`,
			t.prefix, t.table),
			sessionLocalID, string(t.entityType), sessionLocalID,
		)
		if err != nil {
			return 0, fmt.Errorf("prune acked %s tasks: %w", t.table, err)
		}
		n, _ := result.RowsAffected()
		pruned += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return pruned, nil
}

func (s *SQLiteStore) FailedTasks(ctx context.Context) ([]*models.SyncTask, error) {
	return s.scanTasks(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE state = 'failed' ORDER BY updated_at DESC`)
}

// ResetFailedTasks returns failed tasks to pending for a scheduled or manual
// re-attempt.
func (s *SQLiteStore) ResetFailedTasks(ctx context.Context, sessionLocalID string) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE sync_tasks SET state='pending', attempts=0, next_retry_at=?, last_error='', updated_at=? WHERE session_local_id=? AND state='failed'`,
		now, now, sessionLocalID,
	)
	if err != nil {
		return 0, fmt.Errorf("reset failed sync tasks: %w", err)
	}
	return result.RowsAffected()
}

// --- Checkpoints ---

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	cp.SavedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_local_id, state, cycle_number, phase_type, phase_elapsed_ns, altitude_level, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_local_id) DO UPDATE SET state=excluded.state, cycle_number=excluded.cycle_number,
			phase_type=excluded.phase_type, phase_elapsed_ns=excluded.phase_elapsed_ns,
			altitude_level=excluded.altitude_level, saved_at=excluded.saved_at`,
		cp.SessionLocalID, cp.State, cp.CycleNumber, string(cp.PhaseType),
		cp.PhaseElapsed.Nanoseconds(), cp.AltitudeLevel, cp.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, sessionLocalID string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var phaseType string
	var elapsedNS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_local_id, state, cycle_number, phase_type, phase_elapsed_ns, altitude_level, saved_at
		FROM checkpoints WHERE session_local_id = ?`, sessionLocalID,
	).Scan(&cp.SessionLocalID, &cp.State, &cp.CycleNumber, &phaseType, &elapsedNS, &cp.AltitudeLevel, &cp.SavedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no checkpoint for session: %s", sessionLocalID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.PhaseType = models.PhaseType(phaseType)
	cp.PhaseElapsed = time.Duration(elapsedNS)
	return cp, nil
}
