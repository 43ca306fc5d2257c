package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tiroq/qrscan/internal/config"
	"github.com/tiroq/qrscan/internal/diaglog"
)

var exportDir string

var exportDiagCmd = &cobra.Command{
	Use:   "export-diag",
	Short: "Bundle the diagnostic log for a bug report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logPath := os.Getenv("QRSCAN_LOG_PATH")
		if logPath == "" {
			if cfg, err := config.Load(); err == nil && cfg.LogPath != "" {
				logPath = cfg.LogPath
			} else {
				logPath = "/tmp/qrscan-debug.log"
			}
		}

		diaglog.Version = Version
		path, n, err := diaglog.Export(logPath, exportDir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w (restart qrscan-core with QRSCAN_DEBUG_CAPTURE=true to enable logging)", err)
			}
			return err
		}
		fmt.Printf("Wrote: %s (%d lines)\n", path, n)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the daemon configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cfg.Agent.Token = redactToken(cfg.Agent.Token)
		cfg.Preferences.RedisPassword = redactToken(cfg.Preferences.RedisPassword)
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to ~/.config/qrscan/config.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.UserConfigPath()
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Save(config.Default(), path); err != nil {
			return err
		}
		fmt.Printf("Wrote: %s\n", path)
		return nil
	},
}

func redactToken(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func init() {
	exportDiagCmd.Flags().StringVar(&exportDir, "dir", ".", "directory to write the bundle into")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(exportDiagCmd)
	rootCmd.AddCommand(configCmd)
}
