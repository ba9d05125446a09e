package models

import (
	"time"
)

// Repository represents a GitHub repository
type Repository struct {
	ID       int64
	Owner    string
	Name     string
	FullName string
	HTMLURL  string
}

// Issue represents a closed GitHub issue
type Issue struct {
	ID        int64
	Number    int
	Title     string
	Body      string
	State     string
	HTMLURL   string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// TimelineEvent is one entry of an issue timeline.
// Body is nil when the event carries no body at all (label, assignment, ...).
type TimelineEvent struct {
	Event    string  `json:"event"`
	CommitID string  `json:"commit_id"`
	Body     *string `json:"body"`
}

// HasBody reports whether the event carries an extractable body
func (e TimelineEvent) HasBody() bool {
	return e.Body != nil
}

// PullRequestRef identifies a pull request found through a commit lookup
type PullRequestRef struct {
	Number  int
	HTMLURL string
}

// PullRequestMeta holds the merge state of a pull request
type PullRequestMeta struct {
	Number         int
	Merged         bool
	MergeCommitSHA string
}

// ChangedFile is one entry of a pull request's changed-file listing
type ChangedFile struct {
	Filename string
	RawURL   string
}

// PRDiff holds the content of the files changed by one pull request.
// PredictionFile is the file at index 0 of the listing, ContextFiles the rest.
type PRDiff struct {
	PredictionFile string            `json:"prediction"`
	ContextFiles   map[string]string `json:"context"`
}

// IssueRecord is the training record produced for one issue
type IssueRecord struct {
	Repository             Repository
	IssueNumber            int
	IssueURL               string
	IssueTitle             string
	IssueBody              string
	AssociatedPullRequests []string
	DiscussionContext      string
	PRFileContents         map[string]PRDiff
	PreMergeBaseCommits    map[string]string

	// FirstComment and CommentsText are informational only
	FirstComment string
	CommentsText string
}

// RepositoryQuery is the search filter used for repository discovery
type RepositoryQuery struct {
	Language string
	Stars    string
	Forks    string
	Created  string
	License  string
	MaxRepos int
}

// IssueQuery is the filter used to list issues of a repository
type IssueQuery struct {
	State   string
	Labels  []string
	Since   time.Time
	PerPage int
}

// RepositoryCrawl is the last completed crawl of a repository
type RepositoryCrawl struct {
	Repository string
	RunID      string
	Records    int
	CrawledAt  time.Time
}

// Run describes one crawl run
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt *time.Time
	Records    int
	Failures   int
}

// Comment represents a GitHub issue comment
type Comment struct {
	ID        int64
	Body      string
	CreatedAt time.Time
}

// ChatMessage is one role/content pair of a chat-completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body accepted by the mock chat-completion endpoint
type ChatRequest struct {
	Messages  []ChatMessage `json:"messages"`
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream"`
}
