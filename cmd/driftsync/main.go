package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "driftsync",
	Short: "Local-first data sync CLI",
	Long: `driftsync - a local-first replica with background sync.

Writes land in a local SQLite database immediately and are pushed to the
sync server in the background; remote changes are pulled and merged with
configurable conflict resolution.`,
}

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
