// Package sqlitestore implements the deduplicating corpus store on an
// embedded SQLite database. It is interchangeable with the JSON-file
// store and suited to corpora too large to rewrite wholesale on every
// merge.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/maghrebdata/courtpubs/internal/scrape"
)

// Schema for the publications and run_marker tables. Applied on open.
const Schema = `
CREATE TABLE IF NOT EXISTS publications (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	category TEXT NOT NULL,
	date TEXT,
	year INTEGER NOT NULL,
	commission TEXT,
	ministry TEXT,
	url TEXT,
	description TEXT,
	pdf_url TEXT,
	pdf_filename TEXT,
	scraped_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_publications_category ON publications(category);
CREATE INDEX IF NOT EXISTS idx_publications_year ON publications(year);
CREATE INDEX IF NOT EXISTS idx_publications_scraped ON publications(scraped_at);

CREATE TABLE IF NOT EXISTS run_marker (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	in_progress INTEGER NOT NULL,
	started_at TEXT,
	last_run TEXT,
	last_state TEXT,
	pages_visited INTEGER NOT NULL DEFAULT 0,
	records_found INTEGER NOT NULL DEFAULT 0,
	records_skipped INTEGER NOT NULL DEFAULT 0,
	run_started_at TEXT,
	run_finished_at TEXT
);
`

// Config captures the parameters for the SQLite store.
type Config struct {
	// Path is the database file; ":memory:" keeps it in RAM.
	Path string `mapstructure:"path"`
}

// Store persists the corpus through database/sql on the pure-Go sqlite
// driver.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens the database at cfg.Path and applies the schema.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Merge upserts the batch in a single transaction so a crash mid-merge
// never leaves a partially applied run.
func (s *Store) Merge(ctx context.Context, batch []scrape.Publication) (scrape.MergeResult, error) {
	var result scrape.MergeResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, &scrape.PersistenceError{Op: "corpus", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, incoming := range batch {
		if incoming.ID == "" {
			continue
		}
		existing, found, err := getPublication(ctx, tx, incoming.ID)
		if err != nil {
			return scrape.MergeResult{}, &scrape.PersistenceError{Op: "corpus", Err: err}
		}
		if !found {
			if err := insertPublication(ctx, tx, incoming); err != nil {
				return scrape.MergeResult{}, &scrape.PersistenceError{Op: "corpus", Err: err}
			}
			result.Inserted++
			continue
		}
		merged, changed := mergeRecord(existing, incoming)
		if err := updatePublication(ctx, tx, merged); err != nil {
			return scrape.MergeResult{}, &scrape.PersistenceError{Op: "corpus", Err: err}
		}
		if changed {
			result.Updated++
		} else {
			result.Unchanged++
		}
	}

	if err := tx.Commit(); err != nil {
		return scrape.MergeResult{}, &scrape.PersistenceError{Op: "corpus", Err: err}
	}
	return result, nil
}

func mergeRecord(existing, incoming scrape.Publication) (scrape.Publication, bool) {
	merged := incoming
	merged.ScrapedAt = existing.ScrapedAt

	changed := merged.Title != existing.Title ||
		merged.Category != existing.Category ||
		merged.Date != existing.Date ||
		merged.Year != existing.Year ||
		merged.Commission != existing.Commission ||
		merged.Ministry != existing.Ministry ||
		merged.URL != existing.URL ||
		merged.Description != existing.Description ||
		merged.PDFURL != existing.PDFURL ||
		merged.PDFFilename != existing.PDFFilename

	return merged, changed
}

const publicationColumns = `id, title, category, date, year, commission, ministry,
	url, description, pdf_url, pdf_filename, scraped_at, last_seen_at`

func getPublication(ctx context.Context, tx *sql.Tx, id string) (scrape.Publication, bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+publicationColumns+` FROM publications WHERE id = ?`, id)
	pub, err := scanPublication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.Publication{}, false, nil
	}
	if err != nil {
		return scrape.Publication{}, false, err
	}
	return pub, true, nil
}

func insertPublication(ctx context.Context, tx *sql.Tx, p scrape.Publication) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO publications (`+publicationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Category, p.Date, p.Year, p.Commission,
		p.Ministry, p.URL, p.Description, p.PDFURL, p.PDFFilename,
		formatTime(p.ScrapedAt), formatTime(p.LastSeenAt))
	return err
}

func updatePublication(ctx context.Context, tx *sql.Tx, p scrape.Publication) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE publications SET title = ?, category = ?, date = ?, year = ?,
		 commission = ?, ministry = ?, url = ?, description = ?, pdf_url = ?,
		 pdf_filename = ?, scraped_at = ?, last_seen_at = ? WHERE id = ?`,
		p.Title, p.Category, p.Date, p.Year, p.Commission,
		p.Ministry, p.URL, p.Description, p.PDFURL, p.PDFFilename,
		formatTime(p.ScrapedAt), formatTime(p.LastSeenAt), p.ID)
	return err
}

// List returns a filtered view ordered by scraped_at descending, ties
// broken by id.
func (s *Store) List(ctx context.Context, f scrape.Filter) ([]scrape.Publication, error) {
	query := `SELECT ` + publicationColumns + ` FROM publications`
	var conds []string
	var args []any
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.Year != 0 {
		conds = append(conds, "year = ?")
		args = append(args, f.Year)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY scraped_at DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list publications: %w", err)
	}
	defer rows.Close()

	var out []scrape.Publication
	for rows.Next() {
		pub, err := scanPublication(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		out = append(out, pub)
	}
	return out, rows.Err()
}

// Categories returns the distinct category values present in the corpus.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM publications WHERE category != '' ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Years returns the distinct nonzero years present in the corpus.
func (s *Store) Years(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT year FROM publications WHERE year != 0 ORDER BY year`)
	if err != nil {
		return nil, fmt.Errorf("list years: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, err
		}
		out = append(out, y)
	}
	return out, rows.Err()
}

// Count returns the corpus size.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM publications`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count publications: %w", err)
	}
	return n, nil
}

// SaveRunMarker upserts the single-row crash/last-run marker.
func (s *Store) SaveRunMarker(ctx context.Context, m scrape.RunMarker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_marker (id, in_progress, started_at, last_run, last_state,
		 pages_visited, records_found, records_skipped, run_started_at, run_finished_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET in_progress = excluded.in_progress,
		 started_at = excluded.started_at, last_run = excluded.last_run,
		 last_state = excluded.last_state, pages_visited = excluded.pages_visited,
		 records_found = excluded.records_found, records_skipped = excluded.records_skipped,
		 run_started_at = excluded.run_started_at, run_finished_at = excluded.run_finished_at`,
		boolToInt(m.InProgress), formatTime(m.StartedAt), formatTimePtr(m.LastRun),
		string(m.LastState), m.LastTotals.PagesVisited, m.LastTotals.RecordsFound,
		m.LastTotals.RecordsSkipped, formatTimePtr(m.LastTotals.StartedAt),
		formatTimePtr(m.LastTotals.FinishedAt))
	if err != nil {
		return &scrape.PersistenceError{Op: "run marker", Err: err}
	}
	return nil
}

// LoadRunMarker reads the marker; ok is false when none has been written.
func (s *Store) LoadRunMarker(ctx context.Context) (scrape.RunMarker, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT in_progress, started_at, last_run, last_state, pages_visited,
		 records_found, records_skipped, run_started_at, run_finished_at
		 FROM run_marker WHERE id = 1`)

	var (
		inProgress              int
		startedAt, lastRun      string
		lastState               string
		pages, found, skipped   int
		runStarted, runFinished string
	)
	err := row.Scan(&inProgress, &startedAt, &lastRun, &lastState,
		&pages, &found, &skipped, &runStarted, &runFinished)
	if errors.Is(err, sql.ErrNoRows) {
		return scrape.RunMarker{}, false, nil
	}
	if err != nil {
		return scrape.RunMarker{}, false, fmt.Errorf("read run marker: %w", err)
	}

	m := scrape.RunMarker{
		InProgress: inProgress != 0,
		StartedAt:  parseTime(startedAt),
		LastState:  scrape.RunState(lastState),
	}
	if lastRun != "" {
		t := parseTime(lastRun)
		m.LastRun = &t
	}
	m.LastTotals.PagesVisited = pages
	m.LastTotals.RecordsFound = found
	m.LastTotals.RecordsSkipped = skipped
	m.LastTotals.StartedAt = parseTimePtr(runStarted)
	m.LastTotals.FinishedAt = parseTimePtr(runFinished)
	return m, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPublication(row rowScanner) (scrape.Publication, error) {
	var (
		p                     scrape.Publication
		scrapedAt, lastSeenAt string
	)
	err := row.Scan(&p.ID, &p.Title, &p.Category, &p.Date, &p.Year, &p.Commission,
		&p.Ministry, &p.URL, &p.Description, &p.PDFURL, &p.PDFFilename,
		&scrapedAt, &lastSeenAt)
	if err != nil {
		return scrape.Publication{}, err
	}
	p.ScrapedAt = parseTime(scrapedAt)
	p.LastSeenAt = parseTime(lastSeenAt)
	return p, nil
}

// timeLayout keeps the fractional seconds zero-padded so UTC timestamps
// sort chronologically as text. RFC3339Nano trims trailing zeros, which
// would put "…05Z" after "…05.5Z" in an ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
