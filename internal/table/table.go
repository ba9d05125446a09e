// Package table persists IssueRecords as rows of a flat CSV file that
// grows across runs.
package table

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/wesm/gfi-provenance/internal/models"
)

// ErrSchemaMismatch is returned when an existing table has a different column set
var ErrSchemaMismatch = errors.New("table schema mismatch")

// Row is one IssueRecord flattened to scalar and JSON-stringified columns
type Row struct {
	RepositoryID   int64  `csv:"Repository ID"`
	Repository     string `csv:"Repository"`
	IssueURL       string `csv:"Issue URL"`
	AssociatedPRs  string `csv:"Associated PRs"`
	IssueName      string `csv:"Issue Name"`
	IssueText      string `csv:"Issue Text"`
	Context        string `csv:"Context"`
	Comments       string `csv:"Comments"`
	PRFilesContent string `csv:"PR Files Content"`
	BaseCommits    string `csv:"Base Commits"`
	RunID          string `csv:"Run ID"`
}

// Columns returns the header of the table in write order
func Columns() []string {
	t := reflect.TypeOf(Row{})
	cols := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		cols = append(cols, t.Field(i).Tag.Get("csv"))
	}
	return cols
}

// Flatten converts a record into a row
func Flatten(runID string, rec *models.IssueRecord) (*Row, error) {
	prs := rec.AssociatedPullRequests
	if prs == nil {
		prs = []string{}
	}
	prsJSON, err := json.Marshal(prs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pull requests: %w", err)
	}

	files := rec.PRFileContents
	if files == nil {
		files = map[string]models.PRDiff{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pull request files: %w", err)
	}

	bases := rec.PreMergeBaseCommits
	if bases == nil {
		bases = map[string]string{}
	}
	basesJSON, err := json.Marshal(bases)
	if err != nil {
		return nil, fmt.Errorf("failed to encode base commits: %w", err)
	}

	return &Row{
		RepositoryID:   rec.Repository.ID,
		Repository:     rec.Repository.FullName,
		IssueURL:       rec.IssueURL,
		AssociatedPRs:  string(prsJSON),
		IssueName:      rec.IssueTitle,
		IssueText:      rec.IssueBody,
		Context:        rec.DiscussionContext,
		Comments:       rec.CommentsText,
		PRFilesContent: string(filesJSON),
		BaseCommits:    string(basesJSON),
		RunID:          runID,
	}, nil
}

// Unflatten converts a row back into a record
func Unflatten(row *Row) (*models.IssueRecord, error) {
	rec := &models.IssueRecord{
		IssueURL:          row.IssueURL,
		IssueTitle:        row.IssueName,
		IssueBody:         row.IssueText,
		DiscussionContext: row.Context,
		CommentsText:      row.Comments,
	}

	rec.Repository.ID = row.RepositoryID
	rec.Repository.FullName = row.Repository
	if owner, name, ok := strings.Cut(row.Repository, "/"); ok {
		rec.Repository.Owner = owner
		rec.Repository.Name = name
	}

	if err := decodeColumn(row.AssociatedPRs, &rec.AssociatedPullRequests); err != nil {
		return nil, fmt.Errorf("failed to decode pull requests: %w", err)
	}
	if err := decodeColumn(row.PRFilesContent, &rec.PRFileContents); err != nil {
		return nil, fmt.Errorf("failed to decode pull request files: %w", err)
	}
	if err := decodeColumn(row.BaseCommits, &rec.PreMergeBaseCommits); err != nil {
		return nil, fmt.Errorf("failed to decode base commits: %w", err)
	}

	return rec, nil
}

func decodeColumn(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// Load reads all rows of the table at path
func Load(path string) ([]*Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()

	var rows []*Row
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse table: %w", err)
	}
	return rows, nil
}

// Merge appends rows to the table at path, creating it when missing.
// An existing table whose column set differs fails with ErrSchemaMismatch.
func Merge(path string, rows []*Row) error {
	header, err := readHeader(path)
	if err != nil {
		return err
	}

	if header == nil {
		return write(path, rows)
	}

	cols := Columns()
	if !sameSet(header, cols) {
		return fmt.Errorf("%w: %s has columns %v, expected %v", ErrSchemaMismatch, path, header, cols)
	}

	if len(rows) == 0 {
		return nil
	}

	if !sameOrder(header, cols) {
		// same columns, different order: rewrite in canonical order
		existing, err := Load(path)
		if err != nil {
			return err
		}
		return write(path, append(existing, rows...))
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()

	if err := gocsv.MarshalWithoutHeaders(&rows, f); err != nil {
		return fmt.Errorf("failed to append rows: %w", err)
	}
	return nil
}

// readHeader returns nil when the table does not exist or is empty
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read table header: %w", err)
	}
	return header, nil
}

func write(path string, rows []*Row) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create table directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if rows == nil {
		rows = []*Row{}
	}
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write table: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write table: %w", err)
	}

	return os.Rename(tmp, path)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	return sameOrder(x, y)
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
