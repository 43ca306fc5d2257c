package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "qrscan-ctl",
	Short: "Control the qrscan-core scanning daemon",
	Long: `qrscan-ctl sends commands to a running qrscan-core through ~/.cache/qrscan/cmd.txt
and reads the daemon's status from ~/.cache/qrscan/status.json.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of qrscan-ctl",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("qrscan-ctl version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
