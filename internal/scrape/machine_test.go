package scrape_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maghrebdata/courtpubs/internal/scrape"
)

func TestMachineBeginRejectsActiveRun(t *testing.T) {
	m := scrape.NewMachine()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, m.Begin(now))
	assert.ErrorIs(t, m.Begin(now.Add(time.Second)), scrape.ErrAlreadyRunning)

	// A stop request keeps the slot occupied until the run finishes.
	require.NoError(t, m.RequestStop())
	assert.ErrorIs(t, m.Begin(now.Add(2*time.Second)), scrape.ErrAlreadyRunning)

	m.Finish(now.Add(time.Minute), scrape.RunStateStopped, "stopped", "")
	assert.NoError(t, m.Begin(now.Add(2*time.Minute)))
}

func TestMachineBeginResetsCounters(t *testing.T) {
	m := scrape.NewMachine()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, m.Begin(now))
	m.RecordPage(7, 2)
	m.Finish(now.Add(time.Minute), scrape.RunStateCompleted, "done", "")

	require.NoError(t, m.Begin(now.Add(time.Hour)))
	snap := m.Snapshot()
	assert.Equal(t, scrape.RunStateRunning, snap.State)
	assert.Zero(t, snap.PagesVisited)
	assert.Zero(t, snap.RecordsFound)
	assert.Zero(t, snap.RecordsSkipped)
	assert.Nil(t, snap.FinishedAt)
	assert.Empty(t, snap.Message)
}

func TestMachineRequestStop(t *testing.T) {
	m := scrape.NewMachine()
	assert.ErrorIs(t, m.RequestStop(), scrape.ErrNotRunning)

	require.NoError(t, m.Begin(time.Now()))
	require.NoError(t, m.RequestStop())
	assert.True(t, m.StopRequested())

	// Idempotent while stopping.
	assert.NoError(t, m.RequestStop())

	m.Finish(time.Now(), scrape.RunStateStopped, "stopped", "")
	assert.ErrorIs(t, m.RequestStop(), scrape.ErrNotRunning)
}

func TestMachineRecordPageAccumulates(t *testing.T) {
	m := scrape.NewMachine()
	require.NoError(t, m.Begin(time.Now()))

	m.RecordPage(3, 1)
	m.RecordPage(2, 0)

	snap := m.Snapshot()
	assert.Equal(t, 2, snap.PagesVisited)
	assert.Equal(t, 5, snap.RecordsFound)
	assert.Equal(t, 1, snap.RecordsSkipped)
}

func TestMachineFinishRecordsErrorOnlyWhenFailed(t *testing.T) {
	m := scrape.NewMachine()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	require.NoError(t, m.Begin(start))
	m.Finish(end, scrape.RunStateCompleted, "done", "stale error text")
	snap := m.Snapshot()
	assert.Equal(t, scrape.RunStateCompleted, snap.State)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 90*time.Second, snap.Duration())

	require.NoError(t, m.Begin(end.Add(time.Second)))
	m.Finish(end.Add(time.Minute), scrape.RunStateFailed, "boom", "connection refused")
	snap = m.Snapshot()
	assert.Equal(t, scrape.RunStateFailed, snap.State)
	assert.Equal(t, "connection refused", snap.Error)
}

func TestMachineRecover(t *testing.T) {
	m := scrape.NewMachine()
	m.Recover(scrape.RunMarker{InProgress: true, StartedAt: time.Now()})
	snap := m.Snapshot()
	assert.Equal(t, scrape.RunStateFailed, snap.State)
	assert.NotEmpty(t, snap.Error)

	m.Recover(scrape.RunMarker{InProgress: false, LastState: scrape.RunStateCompleted})
	assert.Equal(t, scrape.RunStateIdle, m.Snapshot().State)
}
