// Package scrape defines core types shared across subsystems and owns the
// crawl orchestrator and its run state machine.
package scrape

import (
	"time"
)

// RunState represents the lifecycle state of the single crawl run slot.
type RunState string

// Run state values reported by the status endpoint and persisted in the
// run-metadata record.
const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateStopping  RunState = "stopping"
	RunStateCompleted RunState = "completed"
	RunStateStopped   RunState = "stopped"
	RunStateFailed    RunState = "failed"
)

// Terminal reports whether the state ends a run. Idle counts as terminal
// for admission purposes: a new Start is permitted.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateIdle, RunStateCompleted, RunStateStopped, RunStateFailed:
		return true
	default:
		return false
	}
}

// Publication is the canonical record for one publication listing entry.
// ID is a stable hash of the source URL and never changes once assigned.
type Publication struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	Date        string    `json:"date,omitempty"`
	Year        int       `json:"year,omitempty"`
	Commission  string    `json:"commission,omitempty"`
	Ministry    string    `json:"ministry,omitempty"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	PDFURL      string    `json:"pdf_url,omitempty"`
	PDFFilename string    `json:"pdf_filename,omitempty"`
	ScrapedAt   time.Time `json:"scraped_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// RawEntry is one listing item as extracted from page markup, before any
// validation. Every field is optional free text; the normalizer decides
// what is usable.
type RawEntry struct {
	Title       string
	Category    string
	DateText    string
	YearText    string
	Link        string
	Description string
	Commission  string
	Ministry    string
}

// Details carries optional enrichment extracted from a publication's
// detail page.
type Details struct {
	Description string
	Author      string
	PDFURL      string
	PDFFilename string
}

// RunStatus is the process-wide record of the current or most recent run.
type RunStatus struct {
	State          RunState   `json:"state"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	PagesVisited   int        `json:"pages_visited"`
	RecordsFound   int        `json:"records_found"`
	RecordsSkipped int        `json:"records_skipped"`
	Message        string     `json:"message,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Duration returns the elapsed run time, zero until the run has both
// timestamps.
func (s RunStatus) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// CrawlConfig captures the per-run knobs accepted by Start.
type CrawlConfig struct {
	MaxPages      int  `json:"max_pages"`
	ForceRescrape bool `json:"force_rescrape"`
}

// CrawlResult summarizes a finished run for the trigger path.
type CrawlResult struct {
	State             RunState `json:"state"`
	PublicationsCount int      `json:"publications_count"`
	PagesVisited      int      `json:"pages_visited"`
	Elapsed           float64  `json:"execution_time_seconds"`
}

// MergeResult counts the outcome of merging one batch into the corpus.
type MergeResult struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

// RunMarker is the small metadata record persisted alongside the corpus so
// a restart can tell a clean shutdown from a crash mid-run.
type RunMarker struct {
	InProgress bool       `json:"in_progress"`
	StartedAt  time.Time  `json:"started_at"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastState  RunState   `json:"last_state,omitempty"`
	LastTotals RunStatus  `json:"last_totals,omitempty"`
}
