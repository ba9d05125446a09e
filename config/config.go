package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wesm/gfi-provenance/internal/models"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "GFI_GITHUB_TOKEN"
	// EnvGithubTokenFallback is also honoured when EnvGithubToken is unset
	EnvGithubTokenFallback = "GITHUB_TOKEN"
	// EnvAnthropicKey is the environment variable name for the replay API key
	EnvAnthropicKey = "ANTHROPIC_API_KEY"

	envPrefix = "GFI"
)

// SearchConfig is the repository discovery filter
type SearchConfig struct {
	Language string `mapstructure:"language" json:"language" yaml:"language"`
	Stars    string `mapstructure:"stars" json:"stars" yaml:"stars"`
	Forks    string `mapstructure:"forks" json:"forks" yaml:"forks"`
	Created  string `mapstructure:"created" json:"created" yaml:"created"`
	License  string `mapstructure:"license" json:"license" yaml:"license"`
	MaxRepos int    `mapstructure:"max_repos" json:"max_repos" yaml:"max_repos"`
}

// IssuesConfig is the per-repository issue filter
type IssuesConfig struct {
	State   string   `mapstructure:"state" json:"state" yaml:"state"`
	Labels  []string `mapstructure:"labels" json:"labels" yaml:"labels"`
	Since   string   `mapstructure:"since" json:"since" yaml:"since"`
	PerPage int      `mapstructure:"per_page" json:"per_page" yaml:"per_page"`
}

// CrawlConfig controls the provenance crawler
type CrawlConfig struct {
	// 0 means every changed file is retrieved
	MaxFilesPerPR int  `mapstructure:"max_files_per_pr" json:"max_files_per_pr" yaml:"max_files_per_pr"`
	DedupeFixRefs bool `mapstructure:"dedupe_fix_refs" json:"dedupe_fix_refs" yaml:"dedupe_fix_refs"`
}

// ServerConfig controls the mock chat-completion endpoint
type ServerConfig struct {
	Addr       string `mapstructure:"addr" json:"addr" yaml:"addr"`
	RequestDir string `mapstructure:"request_dir" json:"request_dir" yaml:"request_dir"`
}

// ReplayConfig controls replaying captured requests against a hosted model
type ReplayConfig struct {
	Model           string `mapstructure:"model" json:"model" yaml:"model"`
	MaxTokens       int    `mapstructure:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key" json:"anthropic_api_key,omitempty" yaml:"anthropic_api_key"`
}

// Config represents the application configuration
type Config struct {
	// GitHub API token for authentication (optional, can be set via GFI_GITHUB_TOKEN env var)
	GitHubToken string `mapstructure:"github_token" json:"github_token" yaml:"github_token"`

	// Path to the SQLite crawl ledger
	DatabasePath string `mapstructure:"database_path" json:"database_path" yaml:"database_path"`

	// Path to the CSV table records are merged into
	OutputPath string `mapstructure:"output_path" json:"output_path" yaml:"output_path"`

	// Repositories to crawl in the format "owner/name"; when empty, Search is used
	Repositories []string `mapstructure:"repositories" json:"repositories" yaml:"repositories"`

	Search SearchConfig `mapstructure:"search" json:"search" yaml:"search"`
	Issues IssuesConfig `mapstructure:"issues" json:"issues" yaml:"issues"`
	Crawl  CrawlConfig  `mapstructure:"crawl" json:"crawl" yaml:"crawl"`
	Server ServerConfig `mapstructure:"server" json:"server" yaml:"server"`
	Replay ReplayConfig `mapstructure:"replay" json:"replay" yaml:"replay"`

	// values as written in the file, so SaveConfig never persists env
	// secrets or resolved paths
	file *Config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("github_token", "")
	v.SetDefault("database_path", "crawl.db")
	v.SetDefault("output_path", "issues.csv")
	v.SetDefault("repositories", []string{})

	v.SetDefault("search.language", "python")
	v.SetDefault("search.stars", "1000..5000")
	v.SetDefault("search.forks", "100..1000")
	v.SetDefault("search.created", ">=2018-01-01")
	v.SetDefault("search.license", "mit")
	v.SetDefault("search.max_repos", 50)

	v.SetDefault("issues.state", "closed")
	v.SetDefault("issues.labels", []string{"good first issue"})
	v.SetDefault("issues.since", "2024-01-01T00:00:00Z")
	v.SetDefault("issues.per_page", 100)

	v.SetDefault("crawl.max_files_per_pr", 0)
	v.SetDefault("crawl.dedupe_fix_refs", false)

	v.SetDefault("server.addr", "127.0.0.1:11435")
	v.SetDefault("server.request_dir", "continue_requests")

	v.SetDefault("replay.model", "claude-haiku-4-5-20251001")
	v.SetDefault("replay.max_tokens", 1024)
	v.SetDefault("replay.anthropic_api_key", "")
}

// LoadConfig loads the configuration from a JSON file, applying defaults and
// GFI_* environment overrides
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("github_token", EnvGithubToken, EnvGithubTokenFallback); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}
	if err := v.BindEnv("replay.anthropic_api_key", "GFI_REPLAY_ANTHROPIC_API_KEY", EnvAnthropicKey); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.file = &file

	if _, err := config.IssueQuery(); err != nil {
		return nil, err
	}

	// Make paths absolute if they're relative
	configDir := filepath.Dir(path)
	config.DatabasePath = resolvePath(configDir, config.DatabasePath)
	config.OutputPath = resolvePath(configDir, config.OutputPath)
	config.Server.RequestDir = resolvePath(configDir, config.Server.RequestDir)

	return &config, nil
}

func resolvePath(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// RepositoryQuery returns the search filter for repository discovery
func (c *Config) RepositoryQuery() models.RepositoryQuery {
	return models.RepositoryQuery{
		Language: c.Search.Language,
		Stars:    c.Search.Stars,
		Forks:    c.Search.Forks,
		Created:  c.Search.Created,
		License:  c.Search.License,
		MaxRepos: c.Search.MaxRepos,
	}
}

// IssueQuery returns the issue filter, parsing the since timestamp
func (c *Config) IssueQuery() (models.IssueQuery, error) {
	q := models.IssueQuery{
		State:   c.Issues.State,
		Labels:  c.Issues.Labels,
		PerPage: c.Issues.PerPage,
	}
	if c.Issues.Since != "" {
		since, err := time.Parse(time.RFC3339, c.Issues.Since)
		if err != nil {
			return q, fmt.Errorf("invalid issues.since %q: %w", c.Issues.Since, err)
		}
		q.Since = since
	}
	return q, nil
}

// Redacted returns a copy with secrets masked, for display
func (c *Config) Redacted() Config {
	out := *c
	if out.GitHubToken != "" {
		out.GitHubToken = "********"
	}
	if out.Replay.AnthropicAPIKey != "" {
		out.Replay.AnthropicAPIKey = "********"
	}
	return out
}

// SaveConfig saves the configuration to a JSON file
func SaveConfig(config *Config, path string) error {
	out := *config
	if f := config.file; f != nil {
		out.GitHubToken = f.GitHubToken
		out.Replay.AnthropicAPIKey = f.Replay.AnthropicAPIKey
		out.DatabasePath = f.DatabasePath
		out.OutputPath = f.OutputPath
		out.Server.RequestDir = f.Server.RequestDir
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return fmt.Errorf("failed to build default config: %w", err)
	}
	config.Repositories = []string{}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Save the config
	return SaveConfig(&config, path)
}
