// Package crawler reconstructs, for one closed issue, the chain
// issue -> referencing commits -> pull requests -> changed files.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/wesm/gfi-provenance/internal/models"
)

// Call sites whose failure aborts the record
const (
	StepTimeline    = "timeline"
	StepCommitPulls = "commit_pulls"
	StepPullFiles   = "pull_files"
	StepPull        = "pull"
	StepCommit      = "commit"
)

// fixRefPattern matches "Fixed by #N" and "closed this as completed in #N"
var fixRefPattern = regexp.MustCompile(`(?:Fixed by|closed this as completed in) #(\d+)`)

// Source is the subset of the GitHub API the crawler depends on
type Source interface {
	GetIssueTimeline(ctx context.Context, owner, name string, number int) ([]models.TimelineEvent, error)
	GetIssueComments(ctx context.Context, owner, name string, number int) ([]*models.Comment, error)
	ListPullRequestsWithCommit(ctx context.Context, owner, name, sha string) ([]models.PullRequestRef, error)
	GetPullRequest(ctx context.Context, owner, name string, number int) (*models.PullRequestMeta, error)
	ListPullRequestFiles(ctx context.Context, owner, name string, number int) ([]models.ChangedFile, error)
	GetCommitParents(ctx context.Context, owner, name, sha string) ([]string, error)
	FetchRawContent(ctx context.Context, rawURL string) (string, error)
}

// Options controls how much is fetched per issue
type Options struct {
	// MaxFilesPerPR caps the changed files retrieved per pull request; 0 means unbounded
	MaxFilesPerPR int
	// DedupeFixRefs appends each "Fixed by #N" pull request once instead of once per
	// remaining timeline event
	DedupeFixRefs bool
}

// RecordError reports a failure that aborts the record of one issue.
// The run itself can continue with the next issue.
type RecordError struct {
	Issue int
	Step  string
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("issue #%d: %s: %v", e.Issue, e.Step, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Crawler builds IssueRecords
type Crawler struct {
	source Source
	opts   Options
}

// New creates a new crawler
func New(source Source, opts Options) *Crawler {
	if opts.MaxFilesPerPR < 0 {
		opts.MaxFilesPerPR = 0
	}
	return &Crawler{source: source, opts: opts}
}

// ResolveIssueProvenance builds the record of one closed issue. On error no
// record is returned.
func (c *Crawler) ResolveIssueProvenance(ctx context.Context, repo *models.Repository, issue *models.Issue) (*models.IssueRecord, error) {
	owner, name := repo.Owner, repo.Name

	timeline, err := c.source.GetIssueTimeline(ctx, owner, name, issue.Number)
	if err != nil {
		return nil, c.fail(ctx, issue.Number, StepTimeline, err)
	}

	record := &models.IssueRecord{
		Repository:          *repo,
		IssueNumber:         issue.Number,
		IssueURL:            issue.HTMLURL,
		IssueTitle:          issue.Title,
		IssueBody:           issue.Body,
		PRFileContents:      make(map[string]models.PRDiff),
		PreMergeBaseCommits: make(map[string]string),
	}
	record.CommentsText = c.commentsText(ctx, owner, name, issue.Number)

	var (
		discussion strings.Builder
		seenFirst  bool
		fixPRs     []int
		appended   = make(map[int]bool)
	)

	for _, event := range timeline {
		if event.HasBody() {
			if !seenFirst {
				record.FirstComment = *event.Body
				seenFirst = true
			} else {
				discussion.WriteString(*event.Body)
			}
		}

		if event.Event == "referenced" && event.CommitID != "" {
			if err := c.resolveCommit(ctx, repo, issue.Number, event.CommitID, record); err != nil {
				return nil, err
			}
		}

		if event.HasBody() {
			fixPRs = append(fixPRs, ExtractFixRefs(*event.Body)...)
		}

		// Every number found so far is appended again on each iteration
		// unless deduplication is on.
		for _, n := range fixPRs {
			if c.opts.DedupeFixRefs {
				if appended[n] {
					continue
				}
				appended[n] = true
			}
			record.AssociatedPullRequests = append(record.AssociatedPullRequests, PullRequestURL(owner, name, n))
		}
	}

	record.DiscussionContext = discussion.String()
	return record, nil
}

// resolveCommit follows a referencing commit to its pull requests
func (c *Crawler) resolveCommit(ctx context.Context, repo *models.Repository, issueNumber int, sha string, record *models.IssueRecord) error {
	prs, err := c.source.ListPullRequestsWithCommit(ctx, repo.Owner, repo.Name, sha)
	if err != nil {
		return c.fail(ctx, issueNumber, StepCommitPulls, err)
	}

	for _, pr := range prs {
		record.AssociatedPullRequests = append(record.AssociatedPullRequests, pr.HTMLURL)

		diff, err := c.FetchPRDiff(ctx, repo.Owner, repo.Name, pr.Number)
		if err != nil {
			return c.fail(ctx, issueNumber, StepPullFiles, err)
		}
		record.PRFileContents[pr.HTMLURL] = *diff

		base, found, err := c.ResolvePreMergeBase(ctx, repo.Owner, repo.Name, pr.Number)
		if err != nil {
			var stepErr *stepError
			if errors.As(err, &stepErr) {
				return c.fail(ctx, issueNumber, stepErr.step, stepErr.err)
			}
			return c.fail(ctx, issueNumber, StepPull, err)
		}
		if found {
			record.PreMergeBaseCommits[pr.HTMLURL] = base
		}
	}

	return nil
}

// FetchPRDiff retrieves the changed-file contents of a pull request.
// The first listed file becomes the prediction file, the others context files.
// Files whose content cannot be fetched are skipped.
func (c *Crawler) FetchPRDiff(ctx context.Context, owner, name string, number int) (*models.PRDiff, error) {
	files, err := c.source.ListPullRequestFiles(ctx, owner, name, number)
	if err != nil {
		return nil, err
	}

	if c.opts.MaxFilesPerPR > 0 && len(files) > c.opts.MaxFilesPerPR {
		files = files[:c.opts.MaxFilesPerPR]
	}

	diff := &models.PRDiff{ContextFiles: make(map[string]string)}
	for i, f := range files {
		content, err := c.source.FetchRawContent(ctx, f.RawURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("Skipping %s of pull request #%d: %v", f.Filename, number, err)
			continue
		}

		if i == 0 {
			diff.PredictionFile = content
		} else {
			diff.ContextFiles[f.Filename] = content
		}
	}

	return diff, nil
}

type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

// ResolvePreMergeBase returns the first parent of the merge commit of a merged
// pull request. found is false for unmerged pull requests and parentless commits.
func (c *Crawler) ResolvePreMergeBase(ctx context.Context, owner, name string, number int) (sha string, found bool, err error) {
	pr, err := c.source.GetPullRequest(ctx, owner, name, number)
	if err != nil {
		return "", false, &stepError{step: StepPull, err: err}
	}
	if !pr.Merged || pr.MergeCommitSHA == "" {
		return "", false, nil
	}

	parents, err := c.source.GetCommitParents(ctx, owner, name, pr.MergeCommitSHA)
	if err != nil {
		return "", false, &stepError{step: StepCommit, err: err}
	}
	if len(parents) == 0 {
		return "", false, nil
	}

	return parents[0], true, nil
}

// commentsText joins all comment bodies, each followed by a blank line.
// A failed fetch degrades to an empty string.
func (c *Crawler) commentsText(ctx context.Context, owner, name string, number int) string {
	comments, err := c.source.GetIssueComments(ctx, owner, name, number)
	if err != nil {
		log.Printf("Failed to get comments for issue #%d: %v", number, err)
		return ""
	}

	var sb strings.Builder
	for _, comment := range comments {
		sb.WriteString(comment.Body)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// fail wraps err as a RecordError unless the run itself was cancelled
func (c *Crawler) fail(ctx context.Context, issue int, step string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &RecordError{Issue: issue, Step: step, Err: err}
}

// ExtractFixRefs returns the pull request numbers named by fix phrases in body, in order
func ExtractFixRefs(body string) []int {
	var numbers []int
	for _, m := range fixRefPattern.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	return numbers
}

// PullRequestURL returns the canonical web URL of a pull request
func PullRequestURL(owner, name string, number int) string {
	return fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, name, number)
}
