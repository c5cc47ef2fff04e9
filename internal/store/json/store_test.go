package jsonstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maghrebdata/courtpubs/internal/scrape"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		DataDir:       t.TempDir(),
		SourceWebsite: "https://www.courdescomptes.ma",
		Categories:    []string{"Rapport annuel"},
	}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func samplePublication(id string, scrapedAt time.Time) scrape.Publication {
	return scrape.Publication{
		ID:         id,
		Title:      "Rapport annuel 2023",
		Category:   "Rapport annuel",
		Year:       2023,
		URL:        "https://www.courdescomptes.ma/publications/" + id,
		ScrapedAt:  scrapedAt,
		LastSeenAt: scrapedAt,
	}
}

func TestMergeInsertsNewRecords(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := s.Merge(context.Background(), []scrape.Publication{
		samplePublication("aaa", now),
		samplePublication("bbb", now),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Zero(t, res.Updated)
	assert.Zero(t, res.Unchanged)

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMergeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	batch := []scrape.Publication{samplePublication("aaa", first)}

	_, err := s.Merge(context.Background(), batch)
	require.NoError(t, err)

	// The same observation seen again later: nothing inserted, nothing
	// counted as changed, scraped_at untouched, last_seen_at advanced.
	later := samplePublication("aaa", first.Add(time.Hour))
	res, err := s.Merge(context.Background(), []scrape.Publication{later})
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 1, res.Unchanged)

	pubs, err := s.List(context.Background(), scrape.Filter{})
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.True(t, pubs[0].ScrapedAt.Equal(first))
	assert.True(t, pubs[0].LastSeenAt.Equal(first.Add(time.Hour)))
}

func TestMergeUpdatesChangedFields(t *testing.T) {
	s := newTestStore(t)
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err := s.Merge(context.Background(), []scrape.Publication{samplePublication("aaa", first)})
	require.NoError(t, err)

	updated := samplePublication("aaa", first.Add(time.Hour))
	updated.Description = "Résumé ajouté sur la page de détail."

	res, err := s.Merge(context.Background(), []scrape.Publication{updated})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	pubs, err := s.List(context.Background(), scrape.Filter{})
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, updated.Description, pubs[0].Description)
	assert.True(t, pubs[0].ScrapedAt.Equal(first), "scraped_at must survive updates")
}

func TestListOrderingAndFilters(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	older := samplePublication("zzz", base)
	newer := samplePublication("aaa", base.Add(time.Minute))
	newer.Category = "Référé"
	newer.Year = 2024
	tied := samplePublication("mmm", base)

	_, err := s.Merge(context.Background(), []scrape.Publication{older, newer, tied})
	require.NoError(t, err)

	pubs, err := s.List(context.Background(), scrape.Filter{})
	require.NoError(t, err)
	require.Len(t, pubs, 3)
	assert.Equal(t, "aaa", pubs[0].ID, "newest scraped_at first")
	assert.Equal(t, "mmm", pubs[1].ID, "ties broken by id")
	assert.Equal(t, "zzz", pubs[2].ID)

	byCategory, err := s.List(context.Background(), scrape.Filter{Category: "Référé"})
	require.NoError(t, err)
	require.Len(t, byCategory, 1)
	assert.Equal(t, "aaa", byCategory[0].ID)

	byYear, err := s.List(context.Background(), scrape.Filter{Year: 2023})
	require.NoError(t, err)
	assert.Len(t, byYear, 2)
}

func TestCategoriesAndYears(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	a := samplePublication("aaa", base)
	b := samplePublication("bbb", base)
	b.Category = "Arrêt"
	b.Year = 0 // unknown year must not surface

	_, err := s.Merge(context.Background(), []scrape.Publication{a, b})
	require.NoError(t, err)

	cats, err := s.Categories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Arrêt", "Rapport annuel"}, cats)

	years, err := s.Years(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2023}, years)
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DataDir: dir, SourceWebsite: "https://www.courdescomptes.ma"}

	s, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err = s.Merge(context.Background(), []scrape.Publication{samplePublication("aaa", base)})
	require.NoError(t, err)

	// Corpus file carries the envelope, not a bare array.
	raw, err := os.ReadFile(filepath.Join(dir, corpusFile))
	require.NoError(t, err)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Contains(t, env, "scraped_at")
	assert.Contains(t, env, "total_items")
	assert.Contains(t, env, "data")

	reopened, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	count, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMergePersistFailureKeepsMemory(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{DataDir: dir}, zap.NewNop())
	require.NoError(t, err)

	// Removing the data dir makes the temp-file creation fail.
	require.NoError(t, os.RemoveAll(dir))

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	res, err := s.Merge(context.Background(), []scrape.Publication{samplePublication("aaa", base)})

	var perr *scrape.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, res.Inserted)

	count, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count, "in-memory gains survive a persist failure")
}

func TestRunMarkerRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.LoadRunMarker(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	marker := scrape.RunMarker{
		InProgress: true,
		StartedAt:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveRunMarker(context.Background(), marker))

	loaded, ok, err := s.LoadRunMarker(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loaded.InProgress)
	assert.True(t, loaded.StartedAt.Equal(marker.StartedAt))
}
