package collect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/wesm/gfi-provenance/internal/api"
	"github.com/wesm/gfi-provenance/internal/crawler"
	"github.com/wesm/gfi-provenance/internal/models"
	"github.com/wesm/gfi-provenance/internal/table"
)

// GitHub is the API surface a run needs: discovery plus everything the crawler uses
type GitHub interface {
	crawler.Source
	SearchRepositories(ctx context.Context, q models.RepositoryQuery) ([]*models.Repository, error)
	GetRepository(ctx context.Context, owner, name string) (*models.Repository, error)
	ListClosedIssues(ctx context.Context, owner, name string, q models.IssueQuery) ([]*models.Issue, error)
}

// Ledger remembers what previous runs already persisted
type Ledger interface {
	SaveRepository(repo *models.Repository) error
	IsIssueProcessed(repoFullName string, number int) (bool, error)
	MarkIssueProcessed(repoFullName string, number int, runID string) error
	GetLastCrawl(repoFullName string) (*models.RepositoryCrawl, error)
	RecordCrawl(crawl *models.RepositoryCrawl) error
	StartRun(run *models.Run) error
	FinishRun(id string, records, failures int) error
}

// RunOptions selects what a run crawls and where the records go
type RunOptions struct {
	// Repositories in "owner/name" form; when empty, Search is used instead
	Repositories []string
	Search       models.RepositoryQuery
	Issues       models.IssueQuery
	OutputPath   string
}

// RepositorySummary is the outcome for one repository
type RepositorySummary struct {
	FullName string
	Issues   int
	Skipped  int
	Records  int
	Failures int
}

// Summary is the outcome of a run
type Summary struct {
	RunID        string
	Repositories []RepositorySummary
	Records      int
	Failures     int
	Interrupted  bool
	Duration     time.Duration
}

// Collector drives a crawl run: discovery, per-issue crawling, accumulation and persistence.
// Everything runs sequentially on the caller's goroutine.
type Collector struct {
	client  GitHub
	crawler *crawler.Crawler
	ledger  Ledger
}

// New creates a new collector. ledger may be nil.
func New(client GitHub, c *crawler.Crawler, ledger Ledger) *Collector {
	return &Collector{
		client:  client,
		crawler: c,
		ledger:  ledger,
	}
}

type processedKey struct {
	repo   string
	number int
}

// Run crawls every selected repository and merges the new records into the output table.
// Repository search and issue listing failures abort the run. Per-issue
// failures are logged and counted. A cancelled context stops crawling and the
// records collected so far are still persisted.
func (c *Collector) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	start := time.Now()
	summary := &Summary{RunID: ulid.Make().String()}

	if c.ledger != nil {
		if err := c.ledger.StartRun(&models.Run{ID: summary.RunID, StartedAt: start}); err != nil {
			return nil, err
		}
	}

	repos, err := c.discover(ctx, opts)
	if err != nil {
		return nil, err
	}
	log.Printf("Crawling %d repositories (run %s)", len(repos), summary.RunID)

	var (
		records   []*models.IssueRecord
		processed []processedKey
	)

	for _, repo := range repos {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}

		rs, recs, err := c.crawlRepository(ctx, repo, opts.Issues)
		if err != nil {
			return nil, err
		}

		records = append(records, recs...)
		for _, rec := range recs {
			processed = append(processed, processedKey{repo: repo.FullName, number: rec.IssueNumber})
		}
		summary.Repositories = append(summary.Repositories, *rs)
		summary.Records += rs.Records
		summary.Failures += rs.Failures

		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		if c.ledger != nil {
			crawl := &models.RepositoryCrawl{
				Repository: repo.FullName,
				RunID:      summary.RunID,
				Records:    rs.Records,
				CrawledAt:  time.Now(),
			}
			if err := c.ledger.RecordCrawl(crawl); err != nil {
				return nil, err
			}
		}
	}

	if err := c.persist(opts.OutputPath, summary.RunID, records); err != nil {
		return nil, err
	}

	if c.ledger != nil {
		for _, key := range processed {
			if err := c.ledger.MarkIssueProcessed(key.repo, key.number, summary.RunID); err != nil {
				return nil, err
			}
		}
		if err := c.ledger.FinishRun(summary.RunID, summary.Records, summary.Failures); err != nil {
			return nil, err
		}
	}

	summary.Duration = time.Since(start)
	log.Printf("Run %s finished: %d records, %d failures in %v", summary.RunID, summary.Records, summary.Failures, summary.Duration)
	return summary, nil
}

// discover resolves the repositories of the run
func (c *Collector) discover(ctx context.Context, opts RunOptions) ([]*models.Repository, error) {
	if len(opts.Repositories) == 0 {
		log.Printf("Searching repositories: %s", api.BuildSearchQuery(opts.Search))
		repos, err := c.client.SearchRepositories(ctx, opts.Search)
		if err != nil {
			return nil, fmt.Errorf("failed to search repositories: %w", err)
		}
		return repos, nil
	}

	var repos []*models.Repository
	for _, repoStr := range opts.Repositories {
		owner, name, err := ParseRepositoryString(repoStr)
		if err != nil {
			return nil, err
		}
		repo, err := c.client.GetRepository(ctx, owner, name)
		if err != nil {
			return nil, fmt.Errorf("failed to get repository %s: %w", repoStr, err)
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// crawlRepository crawls the issues of one repository.
// The returned error is fatal for the run.
func (c *Collector) crawlRepository(ctx context.Context, repo *models.Repository, q models.IssueQuery) (*RepositorySummary, []*models.IssueRecord, error) {
	rs := &RepositorySummary{FullName: repo.FullName}

	if c.ledger != nil {
		if err := c.ledger.SaveRepository(repo); err != nil {
			return nil, nil, fmt.Errorf("failed to save repository %s: %w", repo.FullName, err)
		}
		last, err := c.ledger.GetLastCrawl(repo.FullName)
		if err != nil {
			return nil, nil, err
		}
		if last != nil {
			log.Printf("%s last crawled %s by run %s (%d records)", repo.FullName, last.CrawledAt.Format(time.RFC3339), last.RunID, last.Records)
		}
	}

	issues, err := c.client.ListClosedIssues(ctx, repo.Owner, repo.Name, q)
	if err != nil {
		if ctx.Err() != nil {
			return rs, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to list issues for %s: %w", repo.FullName, err)
	}
	rs.Issues = len(issues)
	log.Printf("Found %d issues in %s", len(issues), repo.FullName)

	var records []*models.IssueRecord
	for i, issue := range issues {
		if ctx.Err() != nil {
			break
		}

		if c.ledger != nil {
			done, err := c.ledger.IsIssueProcessed(repo.FullName, issue.Number)
			if err != nil {
				return nil, nil, err
			}
			if done {
				rs.Skipped++
				continue
			}
		}

		rec, err := c.crawler.ResolveIssueProvenance(ctx, repo, issue)
		if err != nil {
			var recErr *crawler.RecordError
			if errors.As(err, &recErr) {
				log.Printf("Skipping %s#%d: %v", repo.FullName, issue.Number, err)
				rs.Failures++
				continue
			}
			if ctx.Err() != nil {
				break
			}
			return nil, nil, fmt.Errorf("failed to crawl %s#%d: %w", repo.FullName, issue.Number, err)
		}

		records = append(records, rec)
		rs.Records++
		log.Printf("Progress: %s %d/%d issues (%d pull requests)", repo.FullName, i+1, len(issues), len(rec.AssociatedPullRequests))
	}

	return rs, records, nil
}

// persist flattens the buffered records once and merges them into the table
func (c *Collector) persist(path, runID string, records []*models.IssueRecord) error {
	rows := make([]*table.Row, 0, len(records))
	for _, rec := range records {
		row, err := table.Flatten(runID, rec)
		if err != nil {
			return fmt.Errorf("failed to flatten %s: %w", rec.IssueURL, err)
		}
		rows = append(rows, row)
	}

	if err := table.Merge(path, rows); err != nil {
		return fmt.Errorf("failed to merge records into %s: %w", path, err)
	}
	return nil
}

// ParseRepositoryString parses a repository string in the format "owner/name"
func ParseRepositoryString(repoStr string) (string, string, error) {
	parts := strings.Split(repoStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return parts[0], parts[1], nil
}
