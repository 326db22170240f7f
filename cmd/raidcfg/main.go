package main

import (
	"fmt"
	"os"

	"github.com/cuemby/raidcfg/pkg/config"
	"github.com/cuemby/raidcfg/pkg/log"
	"github.com/cuemby/raidcfg/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "raidcfg",
	Short: "raidcfg - transactional RAID configuration database",
	Long: `raidcfg keeps the RAID object configuration of a storage array:
objects, user identities, edges, global settings and system spares.

Changes are applied in transactions that are validated, persisted and
mirrored to the peer storage controller.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"raidcfg version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides the config file)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("raidcfg %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

// loadConfig reads --config over the defaults, applies the global flag
// overrides and initializes logging
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = log.Level(level)
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSONOutput, _ = cmd.Flags().GetBool("log-json")
	}

	log.Init(cfg.Log)
	metrics.SetVersion(Version)
	return cfg, cfg.Validate()
}
