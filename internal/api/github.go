package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/gfi-provenance/internal/models"
	"golang.org/x/oauth2"
)

const (
	// timelineMediaType is the preview media type the timeline endpoint was introduced under
	timelineMediaType = "application/vnd.github.mockingbird-preview+json"

	perPage = 100
)

// GitHubClient represents a client for the GitHub REST API.
// A single client, and therefore a single HTTP session, is shared by a whole run.
type GitHubClient struct {
	client *github.Client
}

// NewGitHubClient creates a new GitHub API client
func NewGitHubClient(token string) *GitHubClient {
	var tc *http.Client

	if token != "" {
		// Create an authenticated client if a token is provided
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc = oauth2.NewClient(context.Background(), ts)
	}

	client := github.NewClient(tc)
	return &GitHubClient{client: client}
}

// NewGitHubClientWithBaseURL creates a client that talks to a different API root,
// such as GitHub Enterprise or a test server
func NewGitHubClientWithBaseURL(token, baseURL string) (*GitHubClient, error) {
	c := NewGitHubClient(token)

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	c.client.BaseURL = u

	return c, nil
}

// BaseURL returns the API root the client sends requests to
func (c *GitHubClient) BaseURL() string {
	return c.client.BaseURL.String()
}

// BuildSearchQuery builds the repository search query string
func BuildSearchQuery(q models.RepositoryQuery) string {
	var parts []string
	if q.Language != "" {
		parts = append(parts, "language:"+q.Language)
	}
	if q.Stars != "" {
		parts = append(parts, "stars:"+q.Stars)
	}
	if q.Forks != "" {
		parts = append(parts, "forks:"+q.Forks)
	}
	if q.Created != "" {
		parts = append(parts, "created:"+q.Created)
	}
	if q.License != "" {
		parts = append(parts, "license:"+q.License)
	}
	parts = append(parts, "is:public")
	return strings.Join(parts, " ")
}

// SearchRepositories lists repositories matching the query, most recently updated first
func (c *GitHubClient) SearchRepositories(ctx context.Context, q models.RepositoryQuery) ([]*models.Repository, error) {
	var repos []*models.Repository
	opts := &github.SearchOptions{
		Sort:  "updated",
		Order: "desc",
		ListOptions: github.ListOptions{
			PerPage: perPage,
		},
	}
	query := BuildSearchQuery(q)

	for {
		result, resp, err := c.client.Search.Repositories(ctx, query, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to search repositories: %w", wrapError(resp, err))
		}

		for _, repo := range result.Repositories {
			repos = append(repos, ConvertGitHubRepository(repo))
			if q.MaxRepos > 0 && len(repos) >= q.MaxRepos {
				return repos, nil
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return repos, nil
}

// GetRepository gets a repository by owner and name
func (c *GitHubClient) GetRepository(ctx context.Context, owner, name string) (*models.Repository, error) {
	repo, resp, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", wrapError(resp, err))
	}

	return ConvertGitHubRepository(repo), nil
}

// ListClosedIssues lists the issues of a repository matching the query.
// Pull requests returned by the issues endpoint are dropped.
func (c *GitHubClient) ListClosedIssues(ctx context.Context, owner, name string, q models.IssueQuery) ([]*models.Issue, error) {
	var issues []*models.Issue
	state := q.State
	if state == "" {
		state = "closed"
	}
	pageSize := q.PerPage
	if pageSize <= 0 {
		pageSize = perPage
	}
	opts := &github.IssueListByRepoOptions{
		State:  state,
		Labels: q.Labels,
		Since:  q.Since,
		ListOptions: github.ListOptions{
			PerPage: pageSize,
		},
	}

	for {
		page, resp, err := c.client.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", wrapError(resp, err))
		}

		for _, issue := range page {
			if issue.IsPullRequest() {
				continue
			}
			issues = append(issues, ConvertGitHubIssue(issue))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return issues, nil
}

// GetIssueTimeline gets the timeline of an issue in chronological order.
// Events are decoded directly so that an absent body stays distinguishable
// from an empty one.
func (c *GitHubClient) GetIssueTimeline(ctx context.Context, owner, name string, number int) ([]models.TimelineEvent, error) {
	var events []models.TimelineEvent
	page := 1

	for {
		u := fmt.Sprintf("repos/%s/%s/issues/%d/timeline?per_page=%d&page=%d", owner, name, number, perPage, page)
		req, err := c.client.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build timeline request: %w", err)
		}
		req.Header.Set("Accept", timelineMediaType)

		var batch []models.TimelineEvent
		resp, err := c.client.Do(ctx, req, &batch)
		if err != nil {
			return nil, fmt.Errorf("failed to get timeline: %w", wrapError(resp, err))
		}

		events = append(events, batch...)

		if resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}

	return events, nil
}

// GetIssueComments gets comments for an issue
func (c *GitHubClient) GetIssueComments(ctx context.Context, owner, name string, number int) ([]*models.Comment, error) {
	var allComments []*models.Comment
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{
			PerPage: perPage,
		},
	}

	for {
		comments, resp, err := c.client.Issues.ListComments(ctx, owner, name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list comments: %w", wrapError(resp, err))
		}

		for _, comment := range comments {
			allComments = append(allComments, ConvertGitHubComment(comment))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return allComments, nil
}

// ListPullRequestsWithCommit lists the pull requests associated with a commit
func (c *GitHubClient) ListPullRequestsWithCommit(ctx context.Context, owner, name, sha string) ([]models.PullRequestRef, error) {
	prs, resp, err := c.client.PullRequests.ListPullRequestsWithCommit(ctx, owner, name, sha, &github.ListOptions{PerPage: perPage})
	if err != nil {
		return nil, fmt.Errorf("failed to list pull requests for commit %s: %w", sha, wrapError(resp, err))
	}

	refs := make([]models.PullRequestRef, 0, len(prs))
	for _, pr := range prs {
		refs = append(refs, models.PullRequestRef{
			Number:  pr.GetNumber(),
			HTMLURL: pr.GetHTMLURL(),
		})
	}
	return refs, nil
}

// GetPullRequest gets the merge state of a pull request
func (c *GitHubClient) GetPullRequest(ctx context.Context, owner, name string, number int) (*models.PullRequestMeta, error) {
	pr, resp, err := c.client.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request #%d: %w", number, wrapError(resp, err))
	}

	return &models.PullRequestMeta{
		Number:         pr.GetNumber(),
		Merged:         pr.GetMerged(),
		MergeCommitSHA: pr.GetMergeCommitSHA(),
	}, nil
}

// ListPullRequestFiles lists the files changed by a pull request in API order
func (c *GitHubClient) ListPullRequestFiles(ctx context.Context, owner, name string, number int) ([]models.ChangedFile, error) {
	var files []models.ChangedFile
	opts := &github.ListOptions{PerPage: perPage}

	for {
		page, resp, err := c.client.PullRequests.ListFiles(ctx, owner, name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list files of pull request #%d: %w", number, wrapError(resp, err))
		}

		for _, f := range page {
			files = append(files, models.ChangedFile{
				Filename: f.GetFilename(),
				RawURL:   f.GetRawURL(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return files, nil
}

// GetCommitParents returns the parent SHAs of a commit in listed order
func (c *GitHubClient) GetCommitParents(ctx context.Context, owner, name, sha string) ([]string, error) {
	commit, resp, err := c.client.Repositories.GetCommit(ctx, owner, name, sha, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", sha, wrapError(resp, err))
	}

	parents := make([]string, 0, len(commit.Parents))
	for _, p := range commit.Parents {
		parents = append(parents, p.GetSHA())
	}
	return parents, nil
}

// FetchRawContent downloads a file by its raw URL through the shared session
func (c *GitHubClient) FetchRawContent(ctx context.Context, rawURL string) (string, error) {
	req, err := c.client.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build raw content request: %w", err)
	}

	var buf bytes.Buffer
	resp, err := c.client.Do(ctx, req, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", rawURL, wrapError(resp, err))
	}

	return buf.String(), nil
}

// FirstComment returns the body of the first comment of the issue at issueURL.
// It never fails: problems are reported in the returned text.
func (c *GitHubClient) FirstComment(ctx context.Context, issueURL string) string {
	endpoint := strings.Replace(issueURL, "https://github.com/", c.client.BaseURL.String()+"repos/", 1) + "/comments"

	req, err := c.client.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Sprintf("Failed to fetch comments: %v", err)
	}

	var comments []*github.IssueComment
	resp, err := c.client.Do(ctx, req, &comments)
	if err != nil {
		if resp != nil {
			return fmt.Sprintf("Failed to fetch comments. Status code: %d", resp.StatusCode)
		}
		return fmt.Sprintf("Failed to fetch comments: %v", err)
	}

	if len(comments) == 0 {
		return "No comments"
	}
	return comments[0].GetBody()
}

// StatusError reports a non-success response from the GitHub API
type StatusError struct {
	StatusCode int
	URL        string
	// RateLimited is set when the response was a primary or secondary rate limit
	RateLimited bool
	ResetTime   time.Time
	Err         error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GitHub API returned status %d for %s: %v", e.StatusCode, e.URL, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// wrapError attaches status and URL to an error returned by go-github.
// Transport errors and context cancellation pass through unchanged.
func wrapError(resp *github.Response, err error) error {
	if resp == nil || resp.Response == nil {
		return err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// decode failure on a successful response
		return err
	}

	se := &StatusError{
		StatusCode: resp.StatusCode,
		Err:        err,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		se.URL = resp.Request.URL.String()
	}

	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	switch {
	case errors.As(err, &rateErr):
		se.RateLimited = true
		se.ResetTime = rateErr.Rate.Reset.Time
	case errors.As(err, &abuseErr):
		se.RateLimited = true
		if abuseErr.RetryAfter != nil {
			se.ResetTime = time.Now().Add(*abuseErr.RetryAfter)
		}
	}

	return se
}

// ConvertGitHubRepository converts a GitHub repository to our model
func ConvertGitHubRepository(repo *github.Repository) *models.Repository {
	return &models.Repository{
		ID:       repo.GetID(),
		Owner:    repo.GetOwner().GetLogin(),
		Name:     repo.GetName(),
		FullName: repo.GetFullName(),
		HTMLURL:  repo.GetHTMLURL(),
	}
}

// ConvertGitHubIssue converts a GitHub issue to our model
func ConvertGitHubIssue(issue *github.Issue) *models.Issue {
	var closedAt *time.Time
	if issue.ClosedAt != nil {
		t := issue.ClosedAt.Time
		closedAt = &t
	}

	return &models.Issue{
		ID:        issue.GetID(),
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		HTMLURL:   issue.GetHTMLURL(),
		CreatedAt: issue.GetCreatedAt().Time,
		ClosedAt:  closedAt,
	}
}

// ConvertGitHubComment converts a GitHub comment to our model
func ConvertGitHubComment(comment *github.IssueComment) *models.Comment {
	return &models.Comment{
		ID:        comment.GetID(),
		Body:      comment.GetBody(),
		CreatedAt: comment.GetCreatedAt().Time,
	}
}
