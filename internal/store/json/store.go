// Package jsonstore implements the deduplicating corpus store on a single
// JSON file plus a small run-metadata record.
package jsonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maghrebdata/courtpubs/internal/scrape"
)

const (
	corpusFile  = "publications.json"
	runMetaFile = "run-meta.json"
)

// Config captures the parameters for the JSON-file store.
type Config struct {
	// DataDir is the directory holding the corpus and run-metadata files.
	DataDir string `mapstructure:"data_dir"`
	// SourceWebsite is recorded in the corpus envelope.
	SourceWebsite string `mapstructure:"source_website"`
	// Categories recorded in the corpus envelope.
	Categories []string `mapstructure:"categories"`
}

// envelope is the persisted corpus layout (flat list keyed internally by
// id).
type envelope struct {
	ScrapedAt  time.Time            `json:"scraped_at"`
	TotalItems int                  `json:"total_items"`
	Source     string               `json:"source_website,omitempty"`
	Categories []string             `json:"publication_categories,omitempty"`
	Data       []scrape.Publication `json:"data"`
}

// Store keeps the full corpus in memory keyed by id and persists it
// atomically. Readers always observe a consistent snapshot; a merge is
// never visible half-applied.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	records map[string]scrape.Publication
}

// New opens (or initializes) the store under cfg.DataDir, loading any
// existing corpus.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s := &Store{
		cfg:     cfg,
		logger:  logger,
		records: make(map[string]scrape.Publication),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	path := filepath.Join(s.cfg.DataDir, corpusFile)
	raw, err := os.ReadFile(path) // #nosec G304 -- path is under the configured data dir
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read corpus: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode corpus: %w", err)
	}
	for _, pub := range env.Data {
		if pub.ID == "" {
			continue
		}
		s.records[pub.ID] = pub
	}
	s.logger.Info("corpus loaded", zap.Int("publications", len(s.records)))
	return nil
}

// Merge upserts the batch under one writer lock, then persists the whole
// corpus all-or-nothing. A persist failure keeps the in-memory gains and
// surfaces a PersistenceError; fresh in-memory data is preferred over
// strict write-through consistency.
func (s *Store) Merge(ctx context.Context, batch []scrape.Publication) (scrape.MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return scrape.MergeResult{}, err
	}

	s.mu.Lock()
	var result scrape.MergeResult
	for _, incoming := range batch {
		if incoming.ID == "" {
			continue
		}
		existing, ok := s.records[incoming.ID]
		if !ok {
			s.records[incoming.ID] = incoming
			result.Inserted++
			continue
		}
		merged, changed := mergeRecord(existing, incoming)
		s.records[incoming.ID] = merged
		if changed {
			result.Updated++
		} else {
			result.Unchanged++
		}
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.persistCorpus(snapshot); err != nil {
		return result, &scrape.PersistenceError{Op: "corpus", Err: err}
	}
	return result, nil
}

// mergeRecord folds an incoming observation into the stored record.
// scraped_at is immutable; last_seen_at always advances; any other changed
// field (a corrected title, a filled-in description) is taken from the
// incoming record.
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

// List returns a filtered snapshot ordered by scraped_at descending, ties
// broken by id, so repeated calls list deterministically.
func (s *Store) List(ctx context.Context, f scrape.Filter) ([]scrape.Publication, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]scrape.Publication, 0, len(s.records))
	for _, pub := range s.records {
		if f.Category != "" && pub.Category != f.Category {
			continue
		}
		if f.Year != 0 && pub.Year != f.Year {
			continue
		}
		out = append(out, pub)
	}
	sortPublications(out)
	return out, nil
}

// Categories returns the distinct category values present in the corpus.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, pub := range s.records {
		if pub.Category != "" {
			seen[pub.Category] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// Years returns the distinct nonzero years present in the corpus.
func (s *Store) Years(ctx context.Context) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int]struct{})
	for _, pub := range s.records {
		if pub.Year != 0 {
			seen[pub.Year] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for y := range seen {
		out = append(out, y)
	}
	sort.Ints(out)
	return out, nil
}

// Count returns the corpus size.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// SaveRunMarker persists the crash/last-run marker atomically.
func (s *Store) SaveRunMarker(_ context.Context, m scrape.RunMarker) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &scrape.PersistenceError{Op: "run marker", Err: err}
	}
	if err := s.writeAtomic(runMetaFile, raw); err != nil {
		return &scrape.PersistenceError{Op: "run marker", Err: err}
	}
	return nil
}

// LoadRunMarker reads the marker; ok is false when none has been written.
func (s *Store) LoadRunMarker(_ context.Context) (scrape.RunMarker, bool, error) {
	path := filepath.Join(s.cfg.DataDir, runMetaFile)
	raw, err := os.ReadFile(path) // #nosec G304 -- path is under the configured data dir
	if os.IsNotExist(err) {
		return scrape.RunMarker{}, false, nil
	}
	if err != nil {
		return scrape.RunMarker{}, false, fmt.Errorf("read run marker: %w", err)
	}
	var m scrape.RunMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return scrape.RunMarker{}, false, fmt.Errorf("decode run marker: %w", err)
	}
	return m, true, nil
}

func (s *Store) persistCorpus(snapshot []scrape.Publication) error {
	env := envelope{
		ScrapedAt:  time.Now().UTC(),
		TotalItems: len(snapshot),
		Source:     s.cfg.SourceWebsite,
		Categories: s.cfg.Categories,
		Data:       snapshot,
	}
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode corpus: %w", err)
	}
	return s.writeAtomic(corpusFile, raw)
}

// writeAtomic writes via a temp file and rename so the persisted file is
// never observed half-written and a failed write leaves the previous copy
// intact.
func (s *Store) writeAtomic(name string, data []byte) error {
	final := filepath.Join(s.cfg.DataDir, name)
	tmp, err := os.CreateTemp(s.cfg.DataDir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// snapshotLocked copies the corpus; callers hold at least a read lock.
func (s *Store) snapshotLocked() []scrape.Publication {
	out := make([]scrape.Publication, 0, len(s.records))
	for _, pub := range s.records {
		out = append(out, pub)
	}
	sortPublications(out)
	return out
}

func sortPublications(pubs []scrape.Publication) {
	sort.Slice(pubs, func(i, j int) bool {
		if !pubs[i].ScrapedAt.Equal(pubs[j].ScrapedAt) {
			return pubs[i].ScrapedAt.After(pubs[j].ScrapedAt)
		}
		return pubs[i].ID < pubs[j].ID
	})
}
