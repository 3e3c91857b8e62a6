package main

import (
	"github.com/spf13/cobra"

	"github.com/driftlab/driftsync/internal/output"
	versionpkg "github.com/driftlab/driftsync/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version and check for updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		output.Info("driftsync %s", rootCmd.Version)

		check, _ := cmd.Flags().GetBool("check")
		if !check {
			return nil
		}
		result := versionpkg.CachedCheck(rootCmd.Version)
		switch {
		case result.Error != nil:
			output.Warning("update check failed: %v", result.Error)
		case result.HasUpdate:
			output.Success("update available: %s", result.LatestVersion)
			if install := versionpkg.UpdateCommand(result.LatestVersion); install != "" {
				output.Subtle("%s", install)
			}
		case versionpkg.IsDevelopmentVersion(rootCmd.Version):
			output.Subtle("development build, update check skipped")
		default:
			output.Subtle("up to date")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().Bool("check", false, "check GitHub for a newer release")
	rootCmd.AddCommand(versionCmd)
}
