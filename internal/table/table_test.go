package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/gfi-provenance/internal/models"
)

func sampleRecord() *models.IssueRecord {
	pr := "https://github.com/octo/lib/pull/5"
	return &models.IssueRecord{
		Repository: models.Repository{ID: 99, Owner: "octo", Name: "lib", FullName: "octo/lib"},
		IssueURL:   "https://github.com/octo/lib/issues/12",
		IssueTitle: `Crash on "empty" input`,
		IssueBody:  "line one\nline two, with comma",
		AssociatedPullRequests: []string{
			pr,
			"https://github.com/octo/lib/pull/6",
			pr,
		},
		DiscussionContext: "more details",
		CommentsText:      "first\n\n",
		PRFileContents: map[string]models.PRDiff{
			pr: {
				PredictionFile: "def f():\n    return 1\n",
				ContextFiles:   map[string]string{"util.py": "x = 1\n"},
			},
		},
		PreMergeBaseCommits: map[string]string{pr: "abc123"},
	}
}

func TestColumns(t *testing.T) {
	cols := Columns()
	assert.Equal(t, "Repository ID", cols[0])
	assert.Contains(t, cols, "Issue URL")
	assert.Contains(t, cols, "Associated PRs")
	assert.Contains(t, cols, "PR Files Content")
}

func TestFlatten(t *testing.T) {
	row, err := Flatten("run-1", sampleRecord())
	require.NoError(t, err)

	assert.Equal(t, int64(99), row.RepositoryID)
	assert.Equal(t, "octo/lib", row.Repository)
	assert.Equal(t, "run-1", row.RunID)
	assert.JSONEq(t, `["https://github.com/octo/lib/pull/5","https://github.com/octo/lib/pull/6","https://github.com/octo/lib/pull/5"]`, row.AssociatedPRs)
	assert.JSONEq(t, `{"https://github.com/octo/lib/pull/5":"abc123"}`, row.BaseCommits)
}

func TestFlatten_EmptyCollections(t *testing.T) {
	row, err := Flatten("run-1", &models.IssueRecord{IssueURL: "u"})
	require.NoError(t, err)

	assert.Equal(t, "[]", row.AssociatedPRs)
	assert.Equal(t, "{}", row.PRFilesContent)
	assert.Equal(t, "{}", row.BaseCommits)
}

func TestMergeAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "issues.csv")
	rec := sampleRecord()

	row, err := Flatten("run-1", rec)
	require.NoError(t, err)
	require.NoError(t, Merge(path, []*Row{row}))

	rows, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got, err := Unflatten(rows[0])
	require.NoError(t, err)
	assert.Equal(t, rec.IssueURL, got.IssueURL)
	assert.Equal(t, rec.IssueTitle, got.IssueTitle)
	assert.Equal(t, rec.IssueBody, got.IssueBody)
	assert.Equal(t, rec.AssociatedPullRequests, got.AssociatedPullRequests)
	assert.Equal(t, rec.PRFileContents, got.PRFileContents)
	assert.Equal(t, rec.PreMergeBaseCommits, got.PreMergeBaseCommits)
	assert.Equal(t, "octo", got.Repository.Owner)
	assert.Equal(t, "lib", got.Repository.Name)
}

func TestMerge_AppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.csv")

	first, err := Flatten("run-1", sampleRecord())
	require.NoError(t, err)
	require.NoError(t, Merge(path, []*Row{first}))

	rec := sampleRecord()
	rec.IssueURL = "https://github.com/octo/lib/issues/13"
	second, err := Flatten("run-2", rec)
	require.NoError(t, err)
	require.NoError(t, Merge(path, []*Row{second}))

	rows, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "run-1", rows[0].RunID)
	assert.Equal(t, "run-2", rows[1].RunID)
	assert.Equal(t, "https://github.com/octo/lib/issues/13", rows[1].IssueURL)
}

func TestMerge_EmptyRowsCreatesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.csv")
	require.NoError(t, Merge(path, nil))

	header, err := readHeader(path)
	require.NoError(t, err)
	assert.Equal(t, Columns(), header)
}

func TestMerge_SchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.csv")
	require.NoError(t, os.WriteFile(path, []byte("Issue URL,Issue Name\nu,n\n"), 0644))

	row, err := Flatten("run-1", sampleRecord())
	require.NoError(t, err)

	err = Merge(path, []*Row{row})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	// the existing table is left untouched
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Issue URL,Issue Name\nu,n\n", string(data))
}

func TestMerge_ReordersSameColumnSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issues.csv")

	cols := Columns()
	reversed := make([]string, len(cols))
	for i, c := range cols {
		reversed[len(cols)-1-i] = c
	}
	header := ""
	for i, c := range reversed {
		if i > 0 {
			header += ","
		}
		header += c
	}
	require.NoError(t, os.WriteFile(path, []byte(header+"\n"), 0644))

	row, err := Flatten("run-1", sampleRecord())
	require.NoError(t, err)
	require.NoError(t, Merge(path, []*Row{row}))

	got, err := readHeader(path)
	require.NoError(t, err)
	assert.Equal(t, cols, got)

	rows, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, row.IssueURL, rows[0].IssueURL)
}
