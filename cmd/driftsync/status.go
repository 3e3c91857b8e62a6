package main

import (
	"github.com/spf13/cobra"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/output"
	"github.com/driftlab/driftsync/internal/syncclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replica sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}

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

		pending, err := eng.PendingCount()
		if err != nil {
			output.Error("read queue: %v", err)
			return err
		}

		serverUp := false
		client := syncclient.New(cfg.ServerURL, cfg.APIKey, eng.ClientID())
		if _, err := client.HealthCheck(); err == nil {
			serverUp = true
		}

		if asJSON {
			return output.JSON(map[string]any{
				"client_id":  eng.ClientID(),
				"server_url": cfg.ServerURL,
				"server_up":  serverUp,
				"pending":    pending,
				"conflicts":  len(eng.Conflicts()),
				"last_sync":  eng.LastSync(),
			})
		}

		output.Title("driftsync status")
		output.Info("client:    %s", eng.ClientID())
		output.Info("server:    %s", cfg.ServerURL)
		if serverUp {
			output.Success("reachable")
		} else {
			output.Warning("server unreachable")
		}
		output.Info("pending:   %d", pending)
		output.Info("last sync: %s", output.LastSync(eng.LastSync()))

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
	statusCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
