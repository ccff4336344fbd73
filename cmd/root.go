// Package cmd holds the cobra command tree.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/jobrunner/internal/config"
	"github.com/nextlevelbuilder/jobrunner/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jobrunner",
	Short: "Single-node cron job execution engine",
	Long: "jobrunner triggers user-defined jobs on cron schedules, runs them as child\n" +
		"processes or delegated agent sessions, and records every attempt in a local\n" +
		"SQLite store.",
	SilenceUsage: true,
}

// Execute runs the CLI. Errors exit with code 1 on stderr.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (JSON5)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(stateCmd())
}

// loadConfig reads the configured (or default) config document.
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// openStore opens the configured database for one-shot CLI commands.
func openStore() (*store.Store, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, config.Config{}, err
	}
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	return s, cfg, nil
}
