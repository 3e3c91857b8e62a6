package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/engine"
	"github.com/driftlab/driftsync/internal/output"
	dsync "github.com/driftlab/driftsync/internal/sync"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the replica in sync until interrupted",
	Long: `Runs the sync engine in the foreground: periodic push/pull plus the
realtime event stream when the server has it enabled. Ctrl-C stops it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}

		eng, store, err := buildEngine(cfg, func(ec *engine.Config) {
			ec.OnStatus = func(s engine.SyncStatus) {
				switch s {
				case engine.StatusOffline:
					output.Warning("server unreachable, retrying")
				case engine.StatusConflict:
					output.Warning("conflicts pending manual resolution")
				case engine.StatusIdle:
					output.Subtle("in sync")
				}
			}
			ec.OnConflicts = func(conflicts []dsync.Conflict) {
				for _, c := range conflicts {
					output.Info("%s", output.Conflict(c))
				}
			}
		})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer store.Close()
		defer eng.Destroy()

		if err := eng.Init(); err != nil {
			output.Error("init: %v", err)
			return err
		}

		output.Info("watching as %s (interval %s)", eng.ClientID(), cfg.SyncInterval())

		// First cycle up front so a short-lived watch still syncs.
		if err := eng.Sync(true); err != nil {
			output.Warning("initial sync: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		if pending, err := eng.PendingCount(); err == nil && pending > 0 {
			output.Warning("stopped with %d unsynced operation(s)", pending)
		} else {
			output.Info("stopped")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
