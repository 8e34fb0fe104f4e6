package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tgruber/hxt/internal/continuity"
	"github.com/tgruber/hxt/internal/models"
	"github.com/tgruber/hxt/internal/output"
	"github.com/tgruber/hxt/internal/protocol"
	"github.com/tgruber/hxt/internal/reading"
	"github.com/tgruber/hxt/internal/store"
)

var (
	startSimulate bool
	startSeed     int64
	startSpeed    float64
	startCycles   int
	startAltitude int

	endReason    string
	exportFormat string
	listLimit    int
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run and inspect training sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a training session",
	Long: `Start a training session driven by pulse-oximeter readings.

With --simulate, readings come from a deterministic built-in oximeter model
instead of hardware. Use --speed to replay faster than real time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionStartRun(cmd.Context())
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(cmd.Context())
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session details, phases, and events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(cmd.Context(), args[0])
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "Finalize a session left active by an interrupted run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionEndRun(cmd.Context(), args[0])
	},
}

var sessionExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session with all readings and events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionExportRun(cmd.Context(), args[0])
	},
}

func init() {
	sessionStartCmd.Flags().BoolVar(&startSimulate, "simulate", false, "Use the built-in oximeter simulator")
	sessionStartCmd.Flags().Int64Var(&startSeed, "seed", 0, "Simulator random seed (0 = default)")
	sessionStartCmd.Flags().Float64Var(&startSpeed, "speed", 1.0, "Replay speed multiplier (0 = as fast as possible)")
	sessionStartCmd.Flags().IntVar(&startCycles, "cycles", 0, "Override planned cycle count")
	sessionStartCmd.Flags().IntVar(&startAltitude, "altitude", 0, "Override starting altitude level")

	sessionEndCmd.Flags().StringVar(&endReason, "reason", "user_stop", "End reason recorded on the session")
	sessionExportCmd.Flags().StringVar(&exportFormat, "format", "yaml", "Export format: yaml or json")
	sessionListCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum sessions to list")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionExportCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionStartRun(ctx context.Context) error {
	if !startSimulate {
		return fmt.Errorf("no oximeter source attached; run with --simulate")
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	devID, err := deviceID()
	if err != nil {
		return err
	}

	cfg := protocolConfig()
	if startCycles > 0 {
		cfg.PlannedCycles = startCycles
	}
	if startAltitude > 0 {
		cfg.StartingAltitudeLevel = startAltitude
	}

	m, err := protocol.NewMachine(cfg, s, newLogger())
	if err != nil {
		return err
	}
	m.OnTransition(func(t protocol.Transition) {
		ui.Info("%s %s cycle %d", t.From, output.Cyan(string(t.To)), t.Cycle)
	})
	// A foreground run has no suspension to survive; the platform
	// integration substitutes its own manager here.
	m.BindContinuity(continuity.Noop{})

	profile := reading.DefaultProfile()
	if startSeed != 0 {
		profile.Seed = startSeed
	}
	sim := reading.NewSimulator(profile)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	now := time.Now()
	if err := m.Start(ctx, devID, now); err != nil {
		return err
	}
	sess := m.Session()
	ui.Success("Session %s started (%d cycles, altitude %d)", sess.ID, cfg.PlannedCycles, cfg.StartingAltitudeLevel)

	var pause time.Duration
	if startSpeed > 0 {
		pause = time.Duration(float64(profile.SampleEvery) / startSpeed)
	}

	ticks := 0
	for m.State() != protocol.StateCompleted && m.State() != protocol.StateAborted {
		select {
		case <-ctx.Done():
			// Detach from the cancelled context so the final writes land.
			endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.EndSession(endCtx, "user_stop", now); err != nil {
				return err
			}
			ui.Warning("Session stopped by user")
			return sessionSummary(endCtx, s, sess.ID, cfg)
		case <-time.After(pause):
		}

		now = now.Add(profile.SampleEvery)
		sample := sim.Step(now)
		if err := m.OnReading(ctx, sample.Timestamp, sample.SpO2, sample.HeartRate); err != nil {
			return err
		}

		ticks++
		if ticks%30 == 0 {
			ui.VerboseLog("t+%s state=%s spo2=%s hr=%d",
				time.Duration(ticks)*profile.SampleEvery, m.State(),
				output.SpO2Color(sample.SpO2, cfg.SafetyFloorSpO2), sample.HeartRate)
		}
	}

	if m.State() == protocol.StateAborted {
		ui.Error("Session aborted")
	} else {
		ui.Success("Session completed")
	}
	return sessionSummary(ctx, s, sess.ID, cfg)
}

func sessionSummary(ctx context.Context, s store.Store, localID string, cfg protocol.Config) error {
	sess, err := s.GetSession(ctx, localID)
	if err != nil {
		return err
	}
	phases, err := s.ListPhases(ctx, localID)
	if err != nil {
		return err
	}
	readings, err := s.CountReadings(ctx, localID)
	if err != nil {
		return err
	}

	fmt.Fprintln(ui.Out)
	ui.Info("Status: %s  Cycles: %d/%d  Readings: %d  Sync: %s",
		output.StatusColor(string(sess.Status)), sess.CompletedCycles, sess.PlannedCycles,
		readings, output.SyncColor(string(sess.SyncState)))

	if len(phases) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Cycle", "Phase", "Alt", "Duration", "Min", "Avg", "Max", "Samples"})
		for _, p := range phases {
			table.Append([]string{
				fmt.Sprintf("%d", p.CycleNumber),
				string(p.PhaseType),
				fmt.Sprintf("%d", p.AltitudeLevel),
				p.DurationActual.Round(time.Second).String(),
				output.SpO2Color(p.MinSpO2, cfg.SafetyFloorSpO2),
				fmt.Sprintf("%.1f", p.AvgSpO2),
				fmt.Sprintf("%d", p.MaxSpO2),
				fmt.Sprintf("%d", p.SampleCount),
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	ui.Info("Run 'hxt sync run' to upload")
	return nil
}

func sessionListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := s.ListSessions(ctx, listLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions recorded. Use 'hxt session start --simulate' to run one.")
		return nil
	}

	table := ui.Table([]string{"ID", "Started", "Status", "Cycles", "Alt", "Sync"})
	for _, sess := range sessions {
		table.Append([]string{
			sess.ID,
			sess.StartedAt.Format("2006-01-02 15:04"),
			output.StatusColor(string(sess.Status)),
			fmt.Sprintf("%d/%d", sess.CompletedCycles, sess.PlannedCycles),
			fmt.Sprintf("%d", sess.CurrentAltitudeLevel),
			output.SyncColor(string(sess.SyncState)),
		})
	}
	return table.Render()
}

func sessionShowRun(ctx context.Context, localID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sess, err := s.GetSession(ctx, localID)
	if err != nil {
		return err
	}

	ui.Info("Session %s", output.Cyan(sess.ID))
	fmt.Fprintf(ui.Out, "  Device:   %s\n", sess.DeviceID)
	fmt.Fprintf(ui.Out, "  Started:  %s\n", sess.StartedAt.Format(time.RFC3339))
	if sess.EndedAt != nil {
		fmt.Fprintf(ui.Out, "  Ended:    %s (%s)\n", sess.EndedAt.Format(time.RFC3339), sess.EndReason)
	}
	fmt.Fprintf(ui.Out, "  Status:   %s\n", output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "  Cycles:   %d/%d\n", sess.CompletedCycles, sess.PlannedCycles)
	fmt.Fprintf(ui.Out, "  Altitude: %d (started at %d)\n", sess.CurrentAltitudeLevel, sess.StartingAltitudeLevel)
	fmt.Fprintf(ui.Out, "  Sync:     %s", output.SyncColor(string(sess.SyncState)))
	if sess.RemoteID != "" {
		fmt.Fprintf(ui.Out, "  remote=%s", sess.RemoteID)
	}
	fmt.Fprintln(ui.Out)

	phases, err := s.ListPhases(ctx, localID)
	if err != nil {
		return err
	}
	if len(phases) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Cycle", "Phase", "Alt", "Duration", "Min", "Avg", "Max", "Samples"})
		for _, p := range phases {
			table.Append([]string{
				fmt.Sprintf("%d", p.CycleNumber),
				string(p.PhaseType),
				fmt.Sprintf("%d", p.AltitudeLevel),
				p.DurationActual.Round(time.Second).String(),
				fmt.Sprintf("%d", p.MinSpO2),
				fmt.Sprintf("%.1f", p.AvgSpO2),
				fmt.Sprintf("%d", p.MaxSpO2),
				fmt.Sprintf("%d", p.SampleCount),
			})
		}
		if err := table.Render(); err != nil {
			return err
		}
	}

	events, err := s.ListEvents(ctx, localID)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Fprintln(ui.Out)
		for _, e := range events {
			fmt.Fprintf(ui.Out, "  %s  %-16s %s\n",
				e.Timestamp.Format("15:04:05"), e.EventType, eventDetail(e))
		}
	}
	return nil
}

// eventDetail renders the context payload of an event for display.
func eventDetail(e *models.AdaptiveEvent) string {
	switch {
	case e.Context.MaskLift != nil:
		c := e.Context.MaskLift
		if c.AutoConfirmed {
			return fmt.Sprintf("auto-confirmed after %s", c.WaitedFor.Round(time.Second))
		}
		return fmt.Sprintf("confirmed after %s", c.WaitedFor.Round(time.Second))
	case e.Context.DialAdjustment != nil:
		c := e.Context.DialAdjustment
		return fmt.Sprintf("%s: %d -> %d (requested %d)", c.Reason, c.PreviousLevel, c.AppliedLevel, c.RequestedLevel)
	case e.Context.EmergencyAbort != nil:
		c := e.Context.EmergencyAbort
		return output.Red(fmt.Sprintf("%s spo2=%d hr=%d sustained=%d", c.Trigger, c.LastSpO2, c.LastHeartRate, c.SustainedTicks))
	case e.Context.SessionEnded != nil:
		c := e.Context.SessionEnded
		return fmt.Sprintf("%s after %d cycles", c.Reason, c.CompletedCycles)
	default:
		return ""
	}
}

func sessionEndRun(ctx context.Context, localID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sess, err := s.GetSession(ctx, localID)
	if err != nil {
		return err
	}
	if sess.Ended() {
		ui.Info("Session %s already ended (%s)", sess.ID, sess.Status)
		return nil
	}

	if err := s.MarkEnded(ctx, localID, models.SessionStatusAborted, endReason, time.Now()); err != nil {
		return err
	}
	ui.Success("Session %s marked aborted (%s)", localID, endReason)
	return nil
}

// sessionExport is the serialization shape for `hxt session export`.
type sessionExport struct {
	Session  *models.Session         `json:"session" yaml:"session"`
	Phases   []*models.Phase         `json:"phases" yaml:"phases"`
	Events   []*models.AdaptiveEvent `json:"events" yaml:"events"`
	Readings []*models.Reading       `json:"readings" yaml:"readings"`
}

func sessionExportRun(ctx context.Context, localID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	exp := sessionExport{}
	if exp.Session, err = s.GetSession(ctx, localID); err != nil {
		return err
	}
	if exp.Phases, err = s.ListPhases(ctx, localID); err != nil {
		return err
	}
	if exp.Events, err = s.ListEvents(ctx, localID); err != nil {
		return err
	}
	if exp.Readings, err = s.ListReadings(ctx, localID); err != nil {
		return err
	}

	switch exportFormat {
	case "yaml":
		enc := yaml.NewEncoder(ui.Out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(exp)
	case "json":
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(exp)
	default:
		return fmt.Errorf("unknown export format: %s (want yaml or json)", exportFormat)
	}
}
