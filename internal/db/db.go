package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wesm/gfi-provenance/internal/models"
)

// DB is the crawl ledger: which repositories and issues were already processed,
// and the history of runs
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		full_name TEXT NOT NULL UNIQUE,
		html_url TEXT
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		records INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS processed_issues (
		repository TEXT NOT NULL,
		number INTEGER NOT NULL,
		run_id TEXT NOT NULL,
		processed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (repository, number),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS repository_crawls (
		repository TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		records INTEGER NOT NULL,
		crawled_at TIMESTAMP NOT NULL
	);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// SaveRepository saves a repository to the database
func (db *DB) SaveRepository(repo *models.Repository) error {
	query := `
	INSERT INTO repositories (id, owner, name, full_name, html_url)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(full_name) DO UPDATE SET
		owner = excluded.owner,
		name = excluded.name,
		html_url = excluded.html_url
	`

	_, err := db.Exec(query, repo.ID, repo.Owner, repo.Name, repo.FullName, repo.HTMLURL)
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}

	return nil
}

// GetRepositoryByFullName gets a repository by its full name
func (db *DB) GetRepositoryByFullName(fullName string) (*models.Repository, error) {
	query := `SELECT id, owner, name, full_name, COALESCE(html_url, '') FROM repositories WHERE full_name = ?`

	var repo models.Repository
	err := db.QueryRow(query, fullName).Scan(&repo.ID, &repo.Owner, &repo.Name, &repo.FullName, &repo.HTMLURL)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	return &repo, nil
}

// StartRun records the start of a crawl run
func (db *DB) StartRun(run *models.Run) error {
	_, err := db.Exec(`INSERT INTO runs (id, started_at) VALUES (?, ?)`, run.ID, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a crawl run
func (db *DB) FinishRun(id string, records, failures int) error {
	res, err := db.Exec(
		`UPDATE runs SET finished_at = ?, records = ?, failures = ? WHERE id = ?`,
		time.Now(), records, failures, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to finish run: unknown run %s", id)
	}
	return nil
}

// GetRun gets a run by id
func (db *DB) GetRun(id string) (*models.Run, error) {
	var run models.Run
	var finishedAt sql.NullTime
	err := db.QueryRow(
		`SELECT id, started_at, finished_at, records, failures FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.StartedAt, &finishedAt, &run.Records, &run.Failures)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

// IsIssueProcessed reports whether an issue already produced a persisted record
func (db *DB) IsIssueProcessed(repoFullName string, number int) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM processed_issues WHERE repository = ? AND number = ?`,
		repoFullName, number,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check issue: %w", err)
	}
	return n > 0, nil
}

// MarkIssueProcessed records that an issue's record was persisted by a run
func (db *DB) MarkIssueProcessed(repoFullName string, number int, runID string) error {
	query := `
	INSERT INTO processed_issues (repository, number, run_id, processed_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(repository, number) DO UPDATE SET
		run_id = excluded.run_id,
		processed_at = excluded.processed_at
	`

	_, err := db.Exec(query, repoFullName, number, runID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark issue #%d: %w", number, err)
	}

	return nil
}

// GetLastCrawl returns the most recent completed crawl of a repository, or nil
func (db *DB) GetLastCrawl(repoFullName string) (*models.RepositoryCrawl, error) {
	crawl := models.RepositoryCrawl{Repository: repoFullName}
	err := db.QueryRow(
		`SELECT run_id, records, crawled_at FROM repository_crawls WHERE repository = ?`, repoFullName,
	).Scan(&crawl.RunID, &crawl.Records, &crawl.CrawledAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last crawl of %s: %w", repoFullName, err)
	}
	return &crawl, nil
}

// RecordCrawl stores the outcome of crawling one repository, replacing the previous one
func (db *DB) RecordCrawl(crawl *models.RepositoryCrawl) error {
	query := `
	INSERT INTO repository_crawls (repository, run_id, records, crawled_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(repository) DO UPDATE SET
		run_id = excluded.run_id,
		records = excluded.records,
		crawled_at = excluded.crawled_at
	`

	if _, err := db.Exec(query, crawl.Repository, crawl.RunID, crawl.Records, crawl.CrawledAt); err != nil {
		return fmt.Errorf("failed to record crawl of %s: %w", crawl.Repository, err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
