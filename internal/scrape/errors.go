package scrape

import (
	"errors"
	"fmt"
)

// Sentinel errors returned before a run starts.
var (
	// ErrAlreadyRunning rejects Start while another run is active.
	ErrAlreadyRunning = errors.New("a scrape run is already active")
	// ErrInvalidConfig rejects Start with an unusable CrawlConfig.
	ErrInvalidConfig = errors.New("invalid scrape configuration")
	// ErrNotRunning is returned by Stop when no run is active.
	ErrNotRunning = errors.New("no scrape run is active")
)

// FetchKind classifies page fetch failures.
type FetchKind string

// Fetch failure kinds.
const (
	// FetchClientError is a 4xx response; retrying cannot help.
	FetchClientError FetchKind = "client_error"
	// FetchExhausted means all retries on a transient failure were spent.
	FetchExhausted FetchKind = "exhausted"
)

// FetchError reports a page-level fetch failure. The orchestrator skips the
// page and continues pagination; a run fails only if no page succeeded.
type FetchError struct {
	Kind   FetchKind
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError marks a listing entry that cannot become a Publication.
// Such entries are skipped and counted, never fatal to the run.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid entry: %s %s", e.Field, e.Reason)
}

// PersistenceError reports a failed corpus write. The in-memory corpus
// keeps the merged records; the caller surfaces the error instead of
// rolling back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
