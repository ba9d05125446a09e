package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wesm/gfi-provenance/config"
	"github.com/wesm/gfi-provenance/internal/collect"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default configuration file if it doesn't exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default configuration: %w", err)
		}
		ui.Success("Configuration at %s", configPath)
		return nil
	},
}

var addRepoCmd = &cobra.Command{
	Use:   "add-repo owner/name",
	Short: "Add a repository to the configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return addRepoRun(args[0])
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(initCmd, addRepoCmd, configCmd)
}

func addRepoRun(repo string) error {
	if _, _, err := collect.ParseRepositoryString(repo); err != nil {
		return fmt.Errorf("invalid repository format: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Check if the repository already exists in the configuration
	for _, r := range cfg.Repositories {
		if r == repo {
			ui.Info("Repository %s already exists in configuration", repo)
			return nil
		}
	}

	cfg.Repositories = append(cfg.Repositories, repo)
	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	ui.Success("Added repository %s to configuration", repo)
	return nil
}

func configShowRun() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	ui.Info("Configuration loaded from %s", configPath)
	fmt.Fprint(ui.Out, string(data))
	if cfg.GitHubToken == "" {
		ui.Warning("No GitHub token; set %s or %s", config.EnvGithubToken, config.EnvGithubTokenFallback)
	}
	return nil
}
