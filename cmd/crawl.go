package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/gfi-provenance/config"
	"github.com/wesm/gfi-provenance/internal/api"
	"github.com/wesm/gfi-provenance/internal/collect"
	"github.com/wesm/gfi-provenance/internal/crawler"
	"github.com/wesm/gfi-provenance/internal/db"
	"github.com/wesm/gfi-provenance/internal/output"
)

var (
	crawlRepos    []string
	crawlMaxRepos int
	crawlMaxFiles int
	crawlDedupe   bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl repositories and append issue records to the output table",
	Long: `Crawl discovers repositories (the configured list, --repo, or a search),
lists their closed labelled issues and resolves each one to the pull requests
that fixed it. New records are merged into the CSV table when the run ends,
including after an interrupt.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return crawlRun(cmd)
	},
}

var firstCommentCmd = &cobra.Command{
	Use:   "first-comment issue-url",
	Short: "Print the first comment of an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := api.NewGitHubClient(cfg.GitHubToken)
		fmt.Fprintln(ui.Out, client.FirstComment(cmd.Context(), args[0]))
		return nil
	},
}

func init() {
	crawlCmd.Flags().StringSliceVar(&crawlRepos, "repo", nil, "Repository to crawl (owner/name); repeatable, overrides the configured list")
	crawlCmd.Flags().IntVar(&crawlMaxRepos, "max-repos", 0, "Maximum repositories taken from search")
	crawlCmd.Flags().IntVar(&crawlMaxFiles, "max-files", 0, "Maximum changed files fetched per pull request (0 = all)")
	crawlCmd.Flags().BoolVar(&crawlDedupe, "dedupe", false, "Record each fixing pull request once per issue")
	rootCmd.AddCommand(crawlCmd, firstCommentCmd)
}

func crawlRun(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyCrawlFlags(cmd, cfg)

	for _, r := range cfg.Repositories {
		if _, _, err := collect.ParseRepositoryString(r); err != nil {
			return fmt.Errorf("invalid repository %q: %w", r, err)
		}
	}

	issueQuery, err := cfg.IssueQuery()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	checkRateLimit(ctx, cfg.GitHubToken)

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := database.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	client := api.NewGitHubClient(cfg.GitHubToken)
	c := crawler.New(client, crawler.Options{
		MaxFilesPerPR: cfg.Crawl.MaxFilesPerPR,
		DedupeFixRefs: cfg.Crawl.DedupeFixRefs,
	})

	summary, err := collect.New(client, c, database).Run(ctx, collect.RunOptions{
		Repositories: cfg.Repositories,
		Search:       cfg.RepositoryQuery(),
		Issues:       issueQuery,
		OutputPath:   cfg.OutputPath,
	})
	if err != nil {
		return err
	}

	printCrawlSummary(summary, cfg.OutputPath)
	return nil
}

func applyCrawlFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("repo") {
		cfg.Repositories = crawlRepos
	}
	if flags.Changed("max-repos") {
		cfg.Search.MaxRepos = crawlMaxRepos
	}
	if flags.Changed("max-files") {
		cfg.Crawl.MaxFilesPerPR = crawlMaxFiles
	}
	if flags.Changed("dedupe") {
		cfg.Crawl.DedupeFixRefs = crawlDedupe
	}
}

// checkRateLimit reports the remaining API budget before a run
func checkRateLimit(ctx context.Context, token string) {
	if token == "" {
		ui.Warning("No GitHub token set; unauthenticated requests are limited to 60 per hour")
		return
	}

	status, err := api.NewGraphQLClient(token).RateLimit(ctx)
	if err != nil {
		ui.Warning("Could not check rate limit: %v", err)
		return
	}

	if status.Low() {
		ui.Warning("Rate limit low: %s remaining, resets at %s",
			output.RateColor(status.Remaining, status.Limit), status.ResetAt.Local().Format("15:04"))
		return
	}
	ui.VerboseLog("Rate limit: %s remaining", output.RateColor(status.Remaining, status.Limit))
}

func printCrawlSummary(s *collect.Summary, outputPath string) {
	if len(s.Repositories) > 0 {
		table := ui.Table([]string{"Repository", "Issues", "Skipped", "Records", "Failures"})
		for _, r := range s.Repositories {
			_ = table.Append([]string{
				r.FullName,
				strconv.Itoa(r.Issues),
				strconv.Itoa(r.Skipped),
				output.CountColor(r.Records),
				output.FailureColor(r.Failures),
			})
		}
		_ = table.Render()
	}

	if s.Interrupted {
		ui.Warning("Run %s interrupted; records collected so far were saved", s.RunID)
	}
	if s.Records == 0 {
		ui.Info("No new records (run %s, %v)", s.RunID, s.Duration.Round(time.Millisecond))
		return
	}
	ui.Success("Wrote %s records to %s (run %s, %d failures, %v)",
		output.CountColor(s.Records), output.Cyan(outputPath), s.RunID, s.Failures, s.Duration.Round(time.Millisecond))
}
