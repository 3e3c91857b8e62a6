package main

import (
	"github.com/spf13/cobra"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/output"
	"github.com/driftlab/driftsync/internal/syncclient"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Configure the replica and bootstrap it from the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		key, _ := cmd.Flags().GetString("key")
		tables, _ := cmd.Flags().GetStringSlice("tables")

		cfg, err := config.Load()
		if err != nil {
			output.Error("load config: %v", err)
			return err
		}
		if server != "" {
			cfg.ServerURL = server
		}
		if key != "" {
			cfg.APIKey = key
		}
		if len(tables) > 0 {
			cfg.Tables = tables
		}
		if err := config.Save(cfg); err != nil {
			output.Error("save config: %v", err)
			return err
		}

		client := syncclient.New(cfg.ServerURL, cfg.APIKey, "")
		if _, err := client.HealthCheck(); err != nil {
			output.Warning("server unreachable: %v", err)
		}

		eng, store, err := buildEngine(cfg, nil)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer store.Close()
		defer eng.Destroy()

		// Init performs the bootstrap pull on a fresh replica.
		if err := eng.Init(); err != nil {
			output.Error("init: %v", err)
			return err
		}

		dbPath, _ := cfg.DatabasePath()
		output.Success("replica initialized")
		output.Subtle("server:  %s", cfg.ServerURL)
		output.Subtle("replica: %s", dbPath)
		output.Subtle("client:  %s", eng.ClientID())
		return nil
	},
}

func init() {
	initCmd.Flags().String("server", "", "sync server base URL")
	initCmd.Flags().String("key", "", "API key (Bearer token)")
	initCmd.Flags().StringSlice("tables", nil, "tables to subscribe to (default: all)")
	rootCmd.AddCommand(initCmd)
}
