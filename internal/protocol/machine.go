package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tgruber/hxt/internal/models"
	"github.com/tgruber/hxt/internal/store"
)

// State identifies where the machine is in the phase/cycle sequence.
type State string

const (
	StateIdle        State = "idle"
	StateCalibrating State = "calibrating"
	StateHypoxic     State = "hypoxic"
	StateMaskLift    State = "mask_lift"
	StateHyperoxic   State = "hyperoxic"
	StateCompleted   State = "completed"
	StateAborted     State = "aborted"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// ErrStorageFailure wraps a local store write error. Storage failures are
// fatal for the session: no further phase transitions are allowed once one
// occurs.
var ErrStorageFailure = errors.New("session storage failure")

// ErrNotActive is returned when an operation requires a running session.
var ErrNotActive = errors.New("no active session")

// Transition describes one observable state change, delivered to the
// optional transition callback for UI purposes.
type Transition struct {
	From  State
	To    State
	Cycle int
	At    time.Time
}

// Machine drives phase/cycle progression for one session. All methods must
// be called from a single goroutine; timing is derived from reading
// timestamps so a simulated source replays deterministically.
type Machine struct {
	cfg   Config
	store store.Store
	log   *slog.Logger

	onTransition func(Transition)

	state   State
	session *models.Session
	phase   *models.Phase

	phaseIndex   int
	phaseElapsed time.Duration
	lastTick     time.Time

	// running aggregates for the open phase
	minSpO2 int
	maxSpO2 int
	sumSpO2 float64
	samples int

	lowStreak  int
	lastSpO2   int
	lastHR     int
	maskLiftAt time.Time
	fatal      error
}

// NewMachine validates the plan and returns an idle machine.
func NewMachine(cfg Config, s store.Store, log *slog.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		cfg:   cfg,
		store: s,
		log:   log,
		state: StateIdle,
	}, nil
}

// OnTransition registers a callback invoked after every state change.
func (m *Machine) OnTransition(fn func(Transition)) { m.onTransition = fn }

// State returns the current machine state.
func (m *Machine) State() State { return m.state }

// Session returns the session the machine owns, nil before Start.
func (m *Machine) Session() *models.Session { return m.session }

// AwaitingMaskLift reports whether the machine is paused at a mask-lift
// boundary.
func (m *Machine) AwaitingMaskLift() bool { return m.state == StateMaskLift }

// Start creates the session and enters calibration (or the first hypoxic
// phase when calibration is disabled).
func (m *Machine) Start(ctx context.Context, deviceID string, startedAt time.Time) error {
	if m.state != StateIdle {
		return fmt.Errorf("cannot start from state %s", m.state)
	}

	sess := &models.Session{
		DeviceID:              deviceID,
		Status:                models.SessionStatusActive,
		StartedAt:             startedAt.UTC(),
		StartingAltitudeLevel: m.cfg.StartingAltitudeLevel,
		CurrentAltitudeLevel:  m.cfg.StartingAltitudeLevel,
		PlannedCycles:         m.cfg.PlannedCycles,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return m.storageFailed(err)
	}
	m.session = sess

	if err := m.store.RecordEvent(ctx, &models.AdaptiveEvent{
		SessionLocalID:       sess.ID,
		EventType:            models.EventTypeSessionStarted,
		Timestamp:            startedAt.UTC(),
		AltitudeLevelAtEvent: sess.CurrentAltitudeLevel,
	}); err != nil {
		return m.storageFailed(err)
	}

	m.lastTick = startedAt
	if m.cfg.CalibrationDuration > 0 {
		m.transition(StateCalibrating, startedAt)
		return nil
	}
	return m.openPhase(ctx, models.PhaseTypeHypoxic, 1, startedAt)
}

// OnReading ingests one sample. Each call is O(1): append the reading,
// evaluate the safety floor, then advance timers. An abort condition always
// wins over a phase-completion condition detected in the same tick.
func (m *Machine) OnReading(ctx context.Context, ts time.Time, spo2, heartRate int) error {
	if m.fatal != nil {
		return m.fatal
	}
	if m.session == nil {
		return ErrNotActive
	}
	if m.state.terminal() {
		return nil
	}

	valid := models.PlausibleReading(spo2, heartRate)
	if err := m.store.AppendReading(ctx, &models.Reading{
		SessionLocalID: m.session.ID,
		Timestamp:      ts.UTC(),
		SpO2:           spo2,
		HeartRate:      heartRate,
		IsValid:        valid,
	}); err != nil {
		return m.storageFailed(err)
	}

	if !valid {
		// Retained for audit, excluded from aggregates and safety checks.
		m.log.Debug("excluding implausible reading from aggregates",
			slog.String("session", m.session.ID), slog.Int("spo2", spo2), slog.Int("hr", heartRate))
		m.advanceTimers(ts)
		return nil
	}

	m.lastSpO2 = spo2
	m.lastHR = heartRate

	if spo2 < m.cfg.SafetyFloorSpO2 {
		m.lowStreak++
	} else {
		m.lowStreak = 0
	}
	if m.lowStreak >= m.cfg.SafetyWindow {
		return m.emergencyAbort(ctx, ts)
	}

	// The triggering reading above is never aggregated; everything else is.
	if m.phase != nil {
		m.aggregate(spo2)
	}

	return m.advanceAndMaybeTransition(ctx, ts)
}

func (m *Machine) aggregate(spo2 int) {
	if m.samples == 0 || spo2 < m.minSpO2 {
		m.minSpO2 = spo2
	}
	if m.samples == 0 || spo2 > m.maxSpO2 {
		m.maxSpO2 = spo2
	}
	m.sumSpO2 += float64(spo2)
	m.samples++
}

// advanceTimers moves phase time forward. Timers pause while a mask lift is
// awaiting confirmation.
func (m *Machine) advanceTimers(ts time.Time) {
	if !m.lastTick.IsZero() && m.state != StateMaskLift {
		if d := ts.Sub(m.lastTick); d > 0 {
			m.phaseElapsed += d
		}
	}
	m.lastTick = ts
}

func (m *Machine) advanceAndMaybeTransition(ctx context.Context, ts time.Time) error {
	m.advanceTimers(ts)

	switch m.state {
	case StateCalibrating:
		if m.phaseElapsed >= m.cfg.CalibrationDuration {
			return m.openPhase(ctx, models.PhaseTypeHypoxic, 1, ts)
		}
	case StateHypoxic:
		if m.phaseElapsed >= m.cfg.HypoxicDuration {
			if err := m.closePhase(ctx); err != nil {
				return err
			}
			m.maskLiftAt = ts
			m.transition(StateMaskLift, ts)
		}
	case StateMaskLift:
		if ts.Sub(m.maskLiftAt) >= m.cfg.MaskLiftTimeout {
			return m.confirmMaskLift(ctx, ts, true)
		}
	case StateHyperoxic:
		if m.phaseElapsed >= m.cfg.HyperoxicDuration {
			if err := m.closePhase(ctx); err != nil {
				return err
			}
			m.session.CompletedCycles++
			if err := m.store.UpdateSession(ctx, m.session); err != nil {
				return m.storageFailed(err)
			}
			if m.session.CompletedCycles >= m.session.PlannedCycles {
				return m.end(ctx, models.SessionStatusCompleted, "completed", ts)
			}
			return m.openPhase(ctx, models.PhaseTypeHypoxic, m.session.CompletedCycles+1, ts)
		}
	}
	return nil
}

// ConfirmMaskLift acknowledges a pending mask lift and resumes the protocol
// with the next hyperoxic phase.
func (m *Machine) ConfirmMaskLift(ctx context.Context, ts time.Time) error {
	if m.fatal != nil {
		return m.fatal
	}
	if m.state != StateMaskLift {
		return fmt.Errorf("no mask lift pending in state %s", m.state)
	}
	return m.confirmMaskLift(ctx, ts, false)
}

func (m *Machine) confirmMaskLift(ctx context.Context, ts time.Time, auto bool) error {
	cycle := m.session.CompletedCycles + 1
	if err := m.store.RecordEvent(ctx, &models.AdaptiveEvent{
		SessionLocalID:       m.session.ID,
		EventType:            models.EventTypeMaskLift,
		Timestamp:            ts.UTC(),
		PhaseNumber:          m.phaseIndex,
		AltitudeLevelAtEvent: m.session.CurrentAltitudeLevel,
		SpO2AtEvent:          m.lastSpO2,
		Context: models.EventContext{
			MaskLift: &models.MaskLiftContext{
				AutoConfirmed: auto,
				WaitedFor:     ts.Sub(m.maskLiftAt),
			},
		},
	}); err != nil {
		return m.storageFailed(err)
	}
	return m.openPhase(ctx, models.PhaseTypeHyperoxic, cycle, ts)
}

// AdjustAltitude applies a bounded dial change. Values outside the
// configured range clamp rather than error, and the event records both the
// requested and applied levels.
func (m *Machine) AdjustAltitude(ctx context.Context, delta int, reason string, ts time.Time) (int, error) {
	if m.fatal != nil {
		return 0, m.fatal
	}
	if m.session == nil || m.state.terminal() {
		return 0, ErrNotActive
	}

	previous := m.session.CurrentAltitudeLevel
	requested := previous + delta
	applied := requested
	if applied < m.cfg.MinAltitudeLevel {
		applied = m.cfg.MinAltitudeLevel
	}
	if applied > m.cfg.MaxAltitudeLevel {
		applied = m.cfg.MaxAltitudeLevel
	}

	m.session.CurrentAltitudeLevel = applied
	if err := m.store.UpdateSession(ctx, m.session); err != nil {
		return 0, m.storageFailed(err)
	}

	if err := m.store.RecordEvent(ctx, &models.AdaptiveEvent{
		SessionLocalID:       m.session.ID,
		EventType:            models.EventTypeDialAdjustment,
		Timestamp:            ts.UTC(),
		PhaseNumber:          m.phaseIndex,
		AltitudeLevelAtEvent: applied,
		SpO2AtEvent:          m.lastSpO2,
		Context: models.EventContext{
			DialAdjustment: &models.DialAdjustmentContext{
				Reason:         reason,
				PreviousLevel:  previous,
				RequestedLevel: requested,
				AppliedLevel:   applied,
			},
		},
	}); err != nil {
		return 0, m.storageFailed(err)
	}

	if m.phase != nil {
		m.phase.AltitudeLevel = applied
	}
	return applied, nil
}

// EndSession finalizes the session from any active state. Sync batches
// already in flight are unaffected; this only stops further transitions.
func (m *Machine) EndSession(ctx context.Context, reason string, ts time.Time) error {
	if m.session == nil {
		return ErrNotActive
	}
	if m.state.terminal() {
		return nil
	}
	status := models.SessionStatusAborted
	if reason == "completed" {
		status = models.SessionStatusCompleted
	}
	return m.end(ctx, status, reason, ts)
}

func (m *Machine) emergencyAbort(ctx context.Context, ts time.Time) error {
	// Unconditional: no other pending transition can suppress this.
	if err := m.store.RecordEvent(ctx, &models.AdaptiveEvent{
		SessionLocalID:       m.session.ID,
		EventType:            models.EventTypeEmergencyAbort,
		Timestamp:            ts.UTC(),
		PhaseNumber:          m.phaseIndex,
		AltitudeLevelAtEvent: m.session.CurrentAltitudeLevel,
		SpO2AtEvent:          m.lastSpO2,
		Context: models.EventContext{
			EmergencyAbort: &models.EmergencyAbortContext{
				Trigger:        "spo2_below_safety_floor",
				LastSpO2:       m.lastSpO2,
				LastHeartRate:  m.lastHR,
				SustainedTicks: m.lowStreak,
			},
		},
	}); err != nil {
		return m.storageFailed(err)
	}
	m.log.Warn("emergency abort",
		slog.String("session", m.session.ID),
		slog.Int("spo2", m.lastSpO2),
		slog.Int("sustained_ticks", m.lowStreak))
	return m.end(ctx, models.SessionStatusAborted, "emergency_abort", ts)
}

func (m *Machine) end(ctx context.Context, status models.SessionStatus, reason string, ts time.Time) error {
	if m.phase != nil {
		m.advanceTimers(ts)
		if err := m.closePhase(ctx); err != nil {
			return err
		}
	}

	if err := m.store.RecordEvent(ctx, &models.AdaptiveEvent{
		SessionLocalID:       m.session.ID,
		EventType:            models.EventTypeSessionEnded,
		Timestamp:            ts.UTC(),
		PhaseNumber:          m.phaseIndex,
		AltitudeLevelAtEvent: m.session.CurrentAltitudeLevel,
		SpO2AtEvent:          m.lastSpO2,
		Context: models.EventContext{
			SessionEnded: &models.SessionEndedContext{
				Reason:          reason,
				CompletedCycles: m.session.CompletedCycles,
			},
		},
	}); err != nil {
		return m.storageFailed(err)
	}

	if err := m.store.MarkEnded(ctx, m.session.ID, status, reason, ts.UTC()); err != nil {
		return m.storageFailed(err)
	}
	m.session.Status = status
	now := ts.UTC()
	m.session.EndedAt = &now
	m.session.EndReason = reason

	if status == models.SessionStatusAborted {
		m.transition(StateAborted, ts)
	} else {
		m.transition(StateCompleted, ts)
	}
	return nil
}

func (m *Machine) openPhase(ctx context.Context, phaseType models.PhaseType, cycle int, ts time.Time) error {
	target := m.cfg.HypoxicDuration
	state := StateHypoxic
	if phaseType == models.PhaseTypeHyperoxic {
		target = m.cfg.HyperoxicDuration
		state = StateHyperoxic
	}

	p := &models.Phase{
		SessionLocalID: m.session.ID,
		PhaseType:      phaseType,
		CycleNumber:    cycle,
		AltitudeLevel:  m.session.CurrentAltitudeLevel,
		StartTime:      ts.UTC(),
		DurationTarget: target,
	}
	if err := m.store.OpenPhase(ctx, p); err != nil {
		return m.storageFailed(err)
	}

	m.phase = p
	m.phaseIndex++
	m.phaseElapsed = 0
	m.lastTick = ts
	m.minSpO2, m.maxSpO2, m.sumSpO2, m.samples = 0, 0, 0, 0
	m.transition(state, ts)
	return nil
}

func (m *Machine) closePhase(ctx context.Context) error {
	p := m.phase
	p.DurationActual = m.phaseElapsed
	p.MinSpO2 = m.minSpO2
	p.MaxSpO2 = m.maxSpO2
	p.SampleCount = m.samples
	if m.samples > 0 {
		p.AvgSpO2 = m.sumSpO2 / float64(m.samples)
	}
	if err := m.store.ClosePhase(ctx, p); err != nil {
		return m.storageFailed(err)
	}
	m.phase = nil
	return nil
}

func (m *Machine) transition(to State, at time.Time) {
	from := m.state
	m.state = to
	cycle := 0
	if m.session != nil {
		cycle = m.session.CompletedCycles + 1
	}
	m.log.Info("protocol transition",
		slog.String("from", string(from)), slog.String("to", string(to)), slog.Int("cycle", cycle))
	if m.onTransition != nil {
		m.onTransition(Transition{From: from, To: to, Cycle: cycle, At: at})
	}
}

func (m *Machine) storageFailed(err error) error {
	m.fatal = fmt.Errorf("%w: %v", ErrStorageFailure, err)
	return m.fatal
}
