package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wesm/gfi-provenance/config"
	"github.com/wesm/gfi-provenance/internal/output"
)

var (
	ui *output.UI

	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "gfi",
	Short: "Trace good first issues to the pull requests that fixed them",
	Long: `gfi crawls closed "good first issue" issues on GitHub, follows each one
through its timeline to the pull request that resolved it, and records the
issue text, discussion, changed files and pre-merge base commit in a CSV table.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initUI)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

func initUI() {
	ui = output.New()
	ui.Verbose = verbose
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
