package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tiroq/qrscan/internal/autoupdate"
)

var updatePrerelease bool

var updateCheckCmd = &cobra.Command{
	Use:   "update-check",
	Short: "Check GitHub for a newer qrscan release",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		checker := autoupdate.NewChecker("tiroq", "qrscan", Version)
		if updatePrerelease {
			checker.SetChannel(autoupdate.ChannelPrerelease)
		}

		available, release, err := checker.IsUpdateAvailable(cmd.Context())
		if err != nil {
			return fmt.Errorf("update check failed: %w", err)
		}
		if !available {
			fmt.Printf("qrscan %s is up to date\n", Version)
			return nil
		}
		fmt.Printf("Update available: %s (current %s)\n", release.TagName, Version)
		if release.HTMLURL != "" {
			fmt.Println(release.HTMLURL)
		}
		return nil
	},
}

func init() {
	updateCheckCmd.Flags().BoolVar(&updatePrerelease, "prerelease", false, "include beta and rc releases")
	rootCmd.AddCommand(updateCheckCmd)
}
