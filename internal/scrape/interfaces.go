package scrape

import (
	"context"
	"iter"
	"time"
)

// Fetcher retrieves one page of markup. Implementations own retry,
// backoff, and the polite inter-request delay.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Page is one parsed listing page. Entries walks the matched items lazily;
// each page is parsed once per fetch, so the sequence need not be
// restartable.
type Page struct {
	Entries   iter.Seq[RawEntry]
	HasNext   bool
	Signature string
	// Skipped counts listing items too malformed to yield a RawEntry.
	Skipped int
}

// Parser turns raw markup into listing entries and detail enrichment.
type Parser interface {
	ParseListing(markup []byte) (Page, error)
	ParseDetails(markup []byte, pageURL string) Details
}

// Normalizer canonicalizes a RawEntry into a Publication.
type Normalizer interface {
	Normalize(entry RawEntry, now time.Time) (Publication, error)
}

// Filter narrows a corpus listing. Zero values match everything.
type Filter struct {
	Category string
	Year     int
}

// Store is the deduplicating corpus with atomic persistence.
type Store interface {
	// Merge upserts a batch keyed by Publication.ID. The batch is applied
	// atomically with respect to readers.
	Merge(ctx context.Context, batch []Publication) (MergeResult, error)
	// List returns publications matching the filter, ordered by scraped_at
	// descending with ties broken by id.
	List(ctx context.Context, f Filter) ([]Publication, error)
	// Categories returns the distinct category values in the corpus, sorted.
	Categories(ctx context.Context) ([]string, error)
	// Years returns the distinct nonzero years in the corpus, sorted.
	Years(ctx context.Context) ([]int, error)
	// Count returns the corpus size.
	Count(ctx context.Context) (int, error)
	// SaveRunMarker persists the crash/last-run marker.
	SaveRunMarker(ctx context.Context, m RunMarker) error
	// LoadRunMarker reads the marker; ok is false when none exists.
	LoadRunMarker(ctx context.Context) (m RunMarker, ok bool, err error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}
