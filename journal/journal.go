// Package journal records every fetch outcome of a run in a SQLite
// database kept next to the crawled files.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aluiziolira/gitbook2pdf/models"
)

// FileName is the database file created inside the journal directory.
const FileName = "journal.db"

// Journal appends FetchResults of one run. It is safe for concurrent use.
type Journal struct {
	db    *sql.DB
	path  string
	runID string
}

// Open creates or reuses dir/journal.db and starts a new run for rootURL.
func Open(ctx context.Context, dir, rootURL string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	path := filepath.Join(dir, FileName)

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	j := &Journal{db: db, path: path, runID: uuid.NewString()}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := j.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO runs (id, root_url, started_at) VALUES (?, ?, ?)`,
		j.runID, rootURL, time.Now().UTC()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("start run: %w", err)
	}
	return j, nil
}

func (j *Journal) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		root_url TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		pages_fetched INTEGER DEFAULT 0,
		pages_failed INTEGER DEFAULT 0,
		assets_fetched INTEGER DEFAULT 0,
		assets_failed INTEGER DEFAULT 0,
		assets_deduplicated INTEGER DEFAULT 0,
		requests INTEGER DEFAULT 0,
		retries INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		kind TEXT NOT NULL,
		url TEXT NOT NULL,
		referring_page TEXT,
		local_id TEXT,
		ok INTEGER NOT NULL,
		skipped INTEGER NOT NULL DEFAULT 0,
		status_code INTEGER,
		attempts INTEGER,
		duration_ms INTEGER,
		error_kind TEXT,
		message TEXT,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
	CREATE INDEX IF NOT EXISTS idx_results_failed ON results(run_id, ok);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

// RunID returns the identifier of the current run.
func (j *Journal) RunID() string { return j.runID }

// Record stores one job outcome. Results arriving after cancellation are
// still written so an interrupted run keeps a complete journal.
func (j *Journal) Record(ctx context.Context, res models.FetchResult) error {
	ctx = context.WithoutCancel(ctx)
	message := ""
	if res.Err != nil {
		message = res.Err.Error()
	}
	_, err := j.db.ExecContext(ctx, `
	INSERT INTO results (run_id, kind, url, referring_page, local_id, ok, skipped,
		status_code, attempts, duration_ms, error_kind, message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.runID, res.Job.Kind.String(), res.Job.URL, res.Job.ReferringPage, res.Job.LocalID,
		res.OK(), res.Skipped, res.StatusCode, res.Attempts, res.Duration.Milliseconds(),
		string(res.Kind), message)
	if err != nil {
		return fmt.Errorf("record %s: %w", res.Job.URL, err)
	}
	return nil
}

// Finish stores the run totals.
func (j *Journal) Finish(ctx context.Context, result *models.CrawlResult) error {
	if result == nil {
		return errors.New("finish run: nil result")
	}
	_, err := j.db.ExecContext(context.WithoutCancel(ctx), `
	UPDATE runs SET finished_at = ?, pages_fetched = ?, pages_failed = ?, assets_fetched = ?,
		assets_failed = ?, assets_deduplicated = ?, requests = ?, retries = ?
	WHERE id = ?`,
		time.Now().UTC(), result.PagesFetched, result.PagesFailed, result.AssetsFetched,
		result.AssetsFailed, result.AssetsDeduplicated, result.RequestCount, result.RetryCount,
		j.runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Failures lists the failed jobs of the current run ordered by kind and URL.
// Pages come before assets.
func (j *Journal) Failures(ctx context.Context) ([]models.Failure, error) {
	rows, err := j.db.QueryContext(ctx, `
	SELECT kind, url, COALESCE(referring_page, ''), COALESCE(error_kind, ''),
		COALESCE(attempts, 0), COALESCE(message, '')
	FROM results
	WHERE run_id = ? AND ok = 0
	ORDER BY kind DESC, url`, j.runID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var failures []models.Failure
	for rows.Next() {
		var (
			kind, errKind string
			f             models.Failure
		)
		if err := rows.Scan(&kind, &f.URL, &f.ReferringPage, &errKind, &f.Attempts, &f.Message); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Kind = models.JobPage
		if kind == models.JobAsset.String() {
			f.Kind = models.JobAsset
		}
		f.ErrorKind = models.ErrorKind(errKind)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// Counts returns the number of recorded results per outcome for the run:
// ok, failed and skipped.
func (j *Journal) Counts(ctx context.Context) (ok, failed, skipped int, err error) {
	err = j.db.QueryRowContext(ctx, `
	SELECT
		COALESCE(SUM(CASE WHEN ok = 1 AND skipped = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN skipped = 1 THEN 1 ELSE 0 END), 0)
	FROM results WHERE run_id = ?`, j.runID).Scan(&ok, &failed, &skipped)
	if err != nil {
		err = fmt.Errorf("count results: %w", err)
	}
	return ok, failed, skipped, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
