package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/gfi-provenance/internal/models"
)

type fakeSource struct {
	timeline    []models.TimelineEvent
	timelineErr error
	comments    []*models.Comment
	commentsErr error

	commitPulls    map[string][]models.PullRequestRef
	commitPullsErr error
	pulls          map[int]*models.PullRequestMeta
	pullErr        error
	files          map[int][]models.ChangedFile
	filesErr       error
	parents        map[string][]string
	parentsErr     error
	raw            map[string]string

	rawCalls []string
}

func (f *fakeSource) GetIssueTimeline(ctx context.Context, owner, name string, number int) ([]models.TimelineEvent, error) {
	return f.timeline, f.timelineErr
}

func (f *fakeSource) GetIssueComments(ctx context.Context, owner, name string, number int) ([]*models.Comment, error) {
	return f.comments, f.commentsErr
}

func (f *fakeSource) ListPullRequestsWithCommit(ctx context.Context, owner, name, sha string) ([]models.PullRequestRef, error) {
	if f.commitPullsErr != nil {
		return nil, f.commitPullsErr
	}
	return f.commitPulls[sha], nil
}

func (f *fakeSource) GetPullRequest(ctx context.Context, owner, name string, number int) (*models.PullRequestMeta, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	if pr, ok := f.pulls[number]; ok {
		return pr, nil
	}
	return &models.PullRequestMeta{Number: number}, nil
}

func (f *fakeSource) ListPullRequestFiles(ctx context.Context, owner, name string, number int) ([]models.ChangedFile, error) {
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	return f.files[number], nil
}

func (f *fakeSource) GetCommitParents(ctx context.Context, owner, name, sha string) ([]string, error) {
	if f.parentsErr != nil {
		return nil, f.parentsErr
	}
	return f.parents[sha], nil
}

func (f *fakeSource) FetchRawContent(ctx context.Context, rawURL string) (string, error) {
	f.rawCalls = append(f.rawCalls, rawURL)
	content, ok := f.raw[rawURL]
	if !ok {
		return "", errors.New("not found")
	}
	return content, nil
}

func body(s string) *string { return &s }

func comment(s string) models.TimelineEvent {
	return models.TimelineEvent{Event: "commented", Body: body(s)}
}

var (
	testRepo  = &models.Repository{ID: 7, Owner: "octo", Name: "lib", FullName: "octo/lib"}
	testIssue = &models.Issue{Number: 12, Title: "Crash on empty input", Body: "Steps...", HTMLURL: "https://github.com/octo/lib/issues/12"}
)

func changed(names ...string) []models.ChangedFile {
	var files []models.ChangedFile
	for _, n := range names {
		files = append(files, models.ChangedFile{Filename: n, RawURL: "raw/" + n})
	}
	return files
}

func rawFor(names ...string) map[string]string {
	raw := make(map[string]string)
	for _, n := range names {
		raw["raw/"+n] = "content of " + n
	}
	return raw
}

func TestResolveIssueProvenance_CopiesIssueFields(t *testing.T) {
	src := &fakeSource{
		comments: []*models.Comment{{Body: "first"}, {Body: "second"}},
	}
	rec, err := New(src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
	require.NoError(t, err)

	assert.Equal(t, "octo/lib", rec.Repository.FullName)
	assert.Equal(t, testIssue.HTMLURL, rec.IssueURL)
	assert.Equal(t, testIssue.Title, rec.IssueTitle)
	assert.Equal(t, testIssue.Body, rec.IssueBody)
	assert.Equal(t, "first\n\nsecond\n\n", rec.CommentsText)
	assert.Empty(t, rec.AssociatedPullRequests)
	assert.Empty(t, rec.PRFileContents)
}

func TestResolveIssueProvenance_DiscussionContext(t *testing.T) {
	src := &fakeSource{
		timeline: []models.TimelineEvent{
			{Event: "labeled"},
			comment("one"),
			{Event: "assigned"},
			comment("two"),
			comment("three"),
			{Event: "unlabeled"},
			comment("four"),
		},
	}
	rec, err := New(src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
	require.NoError(t, err)

	assert.Equal(t, "one", rec.FirstComment)
	assert.Equal(t, "twothreefour", rec.DiscussionContext)
}

func TestResolveIssueProvenance_EmptyBodyIsExtractable(t *testing.T) {
	src := &fakeSource{
		timeline: []models.TimelineEvent{
			comment(""),
			comment("later"),
		},
	}
	rec, err := New(src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
	require.NoError(t, err)

	assert.Equal(t, "", rec.FirstComment)
	assert.Equal(t, "later", rec.DiscussionContext)
}

func TestResolveIssueProvenance_NoReferencedCommits(t *testing.T) {
	src := &fakeSource{
		timeline: []models.TimelineEvent{
			comment("looks like a bug"),
			// referenced without a commit does not contribute
			{Event: "referenced"},
			{Event: "cross-referenced", CommitID: "abc"},
		},
		commitPulls: map[string][]models.PullRequestRef{
			"abc": {{Number: 3, HTMLURL: "https://github.com/octo/lib/pull/3"}},
		},
	}
	rec, err := New(src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
	require.NoError(t, err)

	assert.Empty(t, rec.AssociatedPullRequests)
	assert.Empty(t, rec.PRFileContents)
	assert.Empty(t, rec.PreMergeBaseCommits)
}

func TestResolveIssueProvenance_ReferencedCommit(t *testing.T) {
	prURL := "https://github.com/octo/lib/pull/5"
	src := &fakeSource{
		timeline: []models.TimelineEvent{
			comment("report"),
			{Event: "referenced", CommitID: "c0ffee"},
		},
		commitPulls: map[string][]models.PullRequestRef{
			"c0ffee": {{Number: 5, HTMLURL: prURL}},
		},
		files: map[int][]models.ChangedFile{
			5: changed("main.py", "util.py", "README.md"),
		},
		raw: rawFor("main.py", "util.py", "README.md"),
		pulls: map[int]*models.PullRequestMeta{
			5: {Number: 5, Merged: true, MergeCommitSHA: "m1"},
		},
		parents: map[string][]string{
			"m1": {"p1", "p2"},
		},
	}
	rec, err := New(src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
	require.NoError(t, err)

	assert.Equal(t, []string{prURL}, rec.AssociatedPullRequests)
	require.Contains(t, rec.PRFileContents, prURL)

	diff := rec.PRFileContents[prURL]
	assert.Equal(t, "content of main.py", diff.PredictionFile)
	assert.Equal(t, map[string]string{
		"util.py":   "content of util.py",
		"README.md": "content of README.md",
	}, diff.ContextFiles)
	assert.NotContains(t, diff.ContextFiles, "main.py")

	assert.Equal(t, "p1", rec.PreMergeBaseCommits[prURL])
}

func TestResolveIssueProvenance_UnmergedHasNoBase(t *testing.T) {
	prURL := "https://github.com/octo/lib/pull/9"
	src := &fakeSource{
		timeline: []models.TimelineEvent{
			{Event: "referenced", CommitID: "beef"},
		},
		commitPulls: map[string][]models.PullRequestRef{
			"beef": {{Number: 9, HTMLURL: prURL}},
		},
		pulls: map[int]*models.PullRequestMeta{
			9: {Number: 9, Merged: false, MergeCommitSHA: "m9"},
		},
	}
	rec, err := New(src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
	require.NoError(t, err)

	assert.Equal(t, []string{prURL}, rec.AssociatedPullRequests)
	assert.Contains(t, rec.PRFileContents, prURL)
	assert.NotContains(t, rec.PreMergeBaseCommits, prURL)
}

func TestResolveIssueProvenance_FixRefDuplication(t *testing.T) {
	src := &fakeSource{
		timeline: []models.TimelineEvent{
			comment("opened"),
			{Event: "labeled"},
			comment("Fixed by #42"),
			{Event: "closed"},
			comment("thanks"),
		},
	}

	t.Run("repeats on every remaining event", func(t *testing.T) {
		rec, err := New(src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
		require.NoError(t, err)

		want := "https://github.com/octo/lib/pull/42"
		assert.Equal(t, []string{want, want, want}, rec.AssociatedPullRequests)
	})

	t.Run("dedupe appends once", func(t *testing.T) {
		rec, err := New(src, Options{DedupeFixRefs: true}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
		require.NoError(t, err)

		assert.Equal(t, []string{"https://github.com/octo/lib/pull/42"}, rec.AssociatedPullRequests)
	})
}

func TestResolveIssueProvenance_CommitAndTextOrder(t *testing.T) {
	src := &fakeSource{
		timeline: []models.TimelineEvent{
			comment("closed this as completed in #8"),
			{Event: "referenced", CommitID: "c8", Body: body("")},
		},
		commitPulls: map[string][]models.PullRequestRef{
			"c8": {{Number: 8, HTMLURL: "https://github.com/octo/lib/pull/8"}},
		},
	}
	rec, err := New(src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
	require.NoError(t, err)

	url := "https://github.com/octo/lib/pull/8"
	// text match, then commit lookup, then the text match again
	assert.Equal(t, []string{url, url, url}, rec.AssociatedPullRequests)
	assert.Len(t, rec.PRFileContents, 1)
}

func TestFetchPRDiff_FileCap(t *testing.T) {
	tests := []struct {
		name        string
		cap         int
		wantContext []string
	}{
		{name: "unbounded", cap: 0, wantContext: []string{"b.go", "c.go", "d.go"}},
		{name: "cap of two", cap: 2, wantContext: []string{"b.go"}},
		{name: "cap of one", cap: 1, wantContext: nil},
		{name: "cap above count", cap: 10, wantContext: []string{"b.go", "c.go", "d.go"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{
				files: map[int][]models.ChangedFile{1: changed("a.go", "b.go", "c.go", "d.go")},
				raw:   rawFor("a.go", "b.go", "c.go", "d.go"),
			}
			diff, err := New(src, Options{MaxFilesPerPR: tt.cap}).FetchPRDiff(context.Background(), "octo", "lib", 1)
			require.NoError(t, err)

			assert.Equal(t, "content of a.go", diff.PredictionFile)
			assert.Len(t, diff.ContextFiles, len(tt.wantContext))
			for _, n := range tt.wantContext {
				assert.Equal(t, "content of "+n, diff.ContextFiles[n])
			}
			if tt.cap > 0 && tt.cap < 4 {
				assert.Len(t, src.rawCalls, tt.cap)
			}
		})
	}
}

func TestFetchPRDiff_SkipsUnfetchableFiles(t *testing.T) {
	src := &fakeSource{
		files: map[int][]models.ChangedFile{1: changed("a.go", "gone.go", "c.go")},
		raw:   rawFor("a.go", "c.go"),
	}
	diff, err := New(src, Options{}).FetchPRDiff(context.Background(), "octo", "lib", 1)
	require.NoError(t, err)

	assert.Equal(t, "content of a.go", diff.PredictionFile)
	assert.Equal(t, map[string]string{"c.go": "content of c.go"}, diff.ContextFiles)
}

func TestFetchPRDiff_FirstFileMissingStaysPositional(t *testing.T) {
	src := &fakeSource{
		files: map[int][]models.ChangedFile{1: changed("gone.go", "b.go")},
		raw:   rawFor("b.go"),
	}
	diff, err := New(src, Options{}).FetchPRDiff(context.Background(), "octo", "lib", 1)
	require.NoError(t, err)

	assert.Empty(t, diff.PredictionFile)
	assert.Equal(t, map[string]string{"b.go": "content of b.go"}, diff.ContextFiles)
}

func TestResolvePreMergeBase(t *testing.T) {
	src := &fakeSource{
		pulls: map[int]*models.PullRequestMeta{
			1: {Number: 1, Merged: true, MergeCommitSHA: "merge"},
			2: {Number: 2, Merged: true},
			3: {Number: 3, Merged: true, MergeCommitSHA: "root"},
		},
		parents: map[string][]string{
			"merge": {"first", "second"},
			"root":  {},
		},
	}
	c := New(src, Options{})

	sha, found, err := c.ResolvePreMergeBase(context.Background(), "octo", "lib", 1)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "first", sha)

	_, found, err = c.ResolvePreMergeBase(context.Background(), "octo", "lib", 2)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = c.ResolvePreMergeBase(context.Background(), "octo", "lib", 3)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestResolveIssueProvenance_RecordErrors(t *testing.T) {
	boom := errors.New("status 502")
	referenced := []models.TimelineEvent{{Event: "referenced", CommitID: "c1"}}
	pulls := map[string][]models.PullRequestRef{"c1": {{Number: 1, HTMLURL: "u1"}}}
	merged := map[int]*models.PullRequestMeta{1: {Number: 1, Merged: true, MergeCommitSHA: "m"}}

	tests := []struct {
		name     string
		src      *fakeSource
		wantStep string
	}{
		{name: "timeline", src: &fakeSource{timelineErr: boom}, wantStep: StepTimeline},
		{name: "commit pulls", src: &fakeSource{timeline: referenced, commitPullsErr: boom}, wantStep: StepCommitPulls},
		{name: "pull files", src: &fakeSource{timeline: referenced, commitPulls: pulls, filesErr: boom}, wantStep: StepPullFiles},
		{name: "pull", src: &fakeSource{timeline: referenced, commitPulls: pulls, pullErr: boom}, wantStep: StepPull},
		{name: "commit", src: &fakeSource{timeline: referenced, commitPulls: pulls, pulls: merged, parentsErr: boom}, wantStep: StepCommit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := New(tt.src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
			require.Error(t, err)
			assert.Nil(t, rec)

			var recErr *RecordError
			require.ErrorAs(t, err, &recErr)
			assert.Equal(t, tt.wantStep, recErr.Step)
			assert.Equal(t, testIssue.Number, recErr.Issue)
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestResolveIssueProvenance_CommentFailureDegrades(t *testing.T) {
	src := &fakeSource{
		timeline:    []models.TimelineEvent{comment("a"), comment("b")},
		commentsErr: errors.New("status 500"),
	}
	rec, err := New(src, Options{}).ResolveIssueProvenance(context.Background(), testRepo, testIssue)
	require.NoError(t, err)

	assert.Empty(t, rec.CommentsText)
	assert.Equal(t, "b", rec.DiscussionContext)
}

func TestResolveIssueProvenance_CancelledIsNotRecordError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{timelineErr: fmt.Errorf("failed to get timeline: %w", context.Canceled)}
	_, err := New(src, Options{}).ResolveIssueProvenance(ctx, testRepo, testIssue)
	require.Error(t, err)

	var recErr *RecordError
	assert.False(t, errors.As(err, &recErr))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractFixRefs(t *testing.T) {
	tests := []struct {
		body string
		want []int
	}{
		{body: "Fixed by #42", want: []int{42}},
		{body: "@dev closed this as completed in #7", want: []int{7}},
		{body: "Fixed by #1 and Fixed by #2", want: []int{1, 2}},
		{body: "fixed by #42", want: nil},
		{body: "Fixed by #abc", want: nil},
		{body: "Fixed by 42", want: nil},
		{body: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractFixRefs(tt.body))
		})
	}
}

func TestPullRequestURL(t *testing.T) {
	assert.Equal(t, "https://github.com/octo/lib/pull/3", PullRequestURL("octo", "lib", 3))
}
