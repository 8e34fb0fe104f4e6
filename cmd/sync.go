package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tgruber/hxt/internal/output"
)

var (
	syncWatch   bool
	syncRecover bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload recorded sessions to the remote service",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Drain pending sync work",
	Long: `Drain pending sync work: assign remote identity to new sessions, then
upload readings, events, and phases in batches.

With --watch, keeps running and drains whenever new local writes land or the
retry timer fires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncRunRun(cmd.Context())
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-session sync state and failed uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncStatusRun(cmd.Context())
	},
}

var syncResetCmd = &cobra.Command{
	Use:   "reset <session-id>",
	Short: "Re-queue failed uploads for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return syncResetRun(cmd.Context(), args[0])
	},
}

func init() {
	syncRunCmd.Flags().BoolVar(&syncWatch, "watch", false, "Keep running and drain continuously")
	syncRunCmd.Flags().BoolVar(&syncRecover, "recover", false, "Look up remote identity for sessions uploaded under a lost mapping")

	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncResetCmd)
	rootCmd.AddCommand(syncCmd)
}

func syncRunRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	client, err := remoteClient()
	if err != nil {
		return err
	}
	devID, err := deviceID()
	if err != nil {
		return err
	}

	eng := newEngine(s, client, devID)

	if syncRecover {
		if err := eng.RecoverAll(ctx); err != nil {
			return fmt.Errorf("recover session mappings: %w", err)
		}
	}

	if syncWatch {
		eng.Bind()
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		ui.Info("Watching for sync work (ctrl-c to stop)")
		return eng.Run(ctx)
	}

	if err := eng.DrainOnce(ctx); err != nil {
		return err
	}
	ui.Success("Sync drain complete")
	return syncStatusRun(ctx)
}

func syncStatusRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	sessions, err := s.ListSessions(ctx, 50)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions recorded.")
		return nil
	}

	table := ui.Table([]string{"Session", "Status", "Sync", "Remote", "Pending"})
	for _, sess := range sessions {
		tasks, err := s.PendingTasks(ctx, sess.ID)
		if err != nil {
			return err
		}
		remoteID := sess.RemoteID
		if remoteID == "" {
			remoteID = "-"
		}
		table.Append([]string{
			sess.ID,
			output.StatusColor(string(sess.Status)),
			output.SyncColor(string(sess.SyncState)),
			remoteID,
			fmt.Sprintf("%d", len(tasks)),
		})
	}
	if err := table.Render(); err != nil {
		return err
	}

	failed, err := s.FailedTasks(ctx)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		fmt.Fprintln(ui.Out)
		ui.Warning("%d upload(s) failed permanently:", len(failed))
		ft := ui.Table([]string{"Session", "Entity", "Attempts", "Last Error"})
		for _, t := range failed {
			ft.Append([]string{
				t.SessionLocalID,
				t.EntityKey,
				fmt.Sprintf("%d", t.Attempts),
				t.LastError,
			})
		}
		if err := ft.Render(); err != nil {
			return err
		}
		ui.Info("Use 'hxt sync reset <session-id>' to retry")
	}
	return nil
}

func syncResetRun(ctx context.Context, localID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	n, err := s.ResetFailedTasks(ctx, localID)
	if err != nil {
		return err
	}
	if n == 0 {
		ui.Info("No failed uploads for session %s", localID)
		return nil
	}
	ui.Success("Re-queued %d upload(s) for session %s", n, localID)
	ui.Info("Run 'hxt sync run' to retry now")
	return nil
}
