package main

import (
	"github.com/spf13/cobra"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/output"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one push/pull cycle against the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		// One-shot: no background ticker, no event stream.
		interval := int64(-1)
		cfg.SyncIntervalMS = &interval
		disabled := false
		cfg.Realtime.Enabled = &disabled

		eng, store, err := buildEngine(cfg, nil)
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

		before, _ := eng.PendingCount()
		if err := eng.Sync(true); err != nil {
			output.Error("sync: %v", err)
			return err
		}
		after, _ := eng.PendingCount()

		output.Success("sync complete")
		if before > after {
			output.Info("pushed %d operation(s)", before-after)
		}
		if conflicts := eng.Conflicts(); len(conflicts) > 0 {
			output.Warning("%d conflict(s) need manual resolution", len(conflicts))
			for _, c := range conflicts {
				output.Info("%s", output.Conflict(c))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
