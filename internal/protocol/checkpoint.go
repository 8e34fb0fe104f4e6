package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/tgruber/hxt/internal/continuity"
	"github.com/tgruber/hxt/internal/models"
)

// BindContinuity requests an execution window covering the remaining
// session and checkpoints timer state when the budget runs low.
func (m *Machine) BindContinuity(mgr continuity.Manager) {
	perCycle := m.cfg.HypoxicDuration + m.cfg.HyperoxicDuration + m.cfg.MaskLiftTimeout
	estimated := m.cfg.CalibrationDuration + time.Duration(m.cfg.PlannedCycles)*perCycle
	granted := mgr.RequestExecutionWindow(estimated)
	if granted < estimated {
		m.log.Debug("execution window smaller than session estimate",
			slog.Duration("granted", granted), slog.Duration("estimated", estimated))
	}
	mgr.OnLowBudget(func() {
		if err := m.Checkpoint(context.Background()); err != nil {
			m.log.Error("checkpoint before suspension failed", slog.String("error", err.Error()))
		}
	})
}

// Checkpoint persists the machine's timer position.
func (m *Machine) Checkpoint(ctx context.Context) error {
	if m.session == nil || m.state.terminal() {
		return nil
	}
	var phaseType models.PhaseType
	if m.phase != nil {
		phaseType = m.phase.PhaseType
	}
	cp := &models.Checkpoint{
		SessionLocalID: m.session.ID,
		State:          string(m.state),
		CycleNumber:    m.session.CompletedCycles + 1,
		PhaseType:      phaseType,
		PhaseElapsed:   m.phaseElapsed,
		AltitudeLevel:  m.session.CurrentAltitudeLevel,
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return m.storageFailed(err)
	}
	return nil
}

// Resume restores the machine from the session's persisted checkpoint. The
// only accuracy loss is the wall-clock drift of the suspension: phase time
// continues from the checkpointed elapsed value at the next reading tick.
func (m *Machine) Resume(ctx context.Context, session *models.Session) error {
	cp, err := m.store.LoadCheckpoint(ctx, session.ID)
	if err != nil {
		return err
	}

	m.session = session
	m.state = State(cp.State)
	m.phaseElapsed = cp.PhaseElapsed
	m.lastTick = time.Time{} // next reading re-anchors the timer

	phases, err := m.store.ListPhases(ctx, session.ID)
	if err != nil {
		return err
	}
	m.phaseIndex = len(phases)

	// Reattach the open phase, if any, and rebuild its running aggregates
	// from the readings recorded before suspension.
	for _, p := range phases {
		if p.DurationActual == 0 && p.PhaseType == cp.PhaseType && p.CycleNumber == cp.CycleNumber {
			m.phase = p
			break
		}
	}
	if m.phase != nil {
		readings, err := m.store.ListReadings(ctx, session.ID)
		if err != nil {
			return err
		}
		m.minSpO2, m.maxSpO2, m.sumSpO2, m.samples = 0, 0, 0, 0
		for _, r := range readings {
			if !r.IsValid || r.Timestamp.Before(m.phase.StartTime) {
				continue
			}
			m.aggregate(r.SpO2)
			m.lastSpO2 = r.SpO2
			m.lastHR = r.HeartRate
		}
	}

	m.log.Info("resumed from checkpoint",
		slog.String("session", session.ID),
		slog.String("state", cp.State),
		slog.Duration("phase_elapsed", cp.PhaseElapsed))
	return nil
}
