package scrape

import (
	"sync"
	"time"
)

// Machine owns the single process-wide RunStatus. All transitions happen
// through its methods; there is no ambient mutable flag anywhere else.
type Machine struct {
	mu     sync.Mutex
	status RunStatus
}

// NewMachine returns a Machine in the idle state.
func NewMachine() *Machine {
	return &Machine{status: RunStatus{State: RunStateIdle}}
}

// Begin admits a new run, resetting RunStatus. It fails with
// ErrAlreadyRunning while a run is active.
func (m *Machine) Begin(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.State.Terminal() {
		return ErrAlreadyRunning
	}
	started := now
	m.status = RunStatus{
		State:     RunStateRunning,
		StartedAt: &started,
	}
	return nil
}

// RequestStop flips a running run to stopping. The crawl loop honors it at
// the next page boundary.
func (m *Machine) RequestStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.status.State {
	case RunStateRunning:
		m.status.State = RunStateStopping
		return nil
	case RunStateStopping:
		return nil
	default:
		return ErrNotRunning
	}
}

// StopRequested reports whether a cooperative stop is pending.
func (m *Machine) StopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State == RunStateStopping
}

// RecordPage accumulates per-page counters.
func (m *Machine) RecordPage(found, skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.PagesVisited++
	m.status.RecordsFound += found
	m.status.RecordsSkipped += skipped
}

// Finish moves the run to a terminal state and stamps timing and summary.
// errText is recorded only for failed runs.
func (m *Machine) Finish(now time.Time, state RunState, message, errText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	finished := now
	m.status.State = state
	m.status.FinishedAt = &finished
	m.status.Message = message
	if state == RunStateFailed {
		m.status.Error = errText
	} else {
		m.status.Error = ""
	}
}

// Recover seeds the machine after a restart: idle normally, failed when a
// crash-in-progress marker survived the previous process.
func (m *Machine) Recover(marker RunMarker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if marker.InProgress {
		started := marker.StartedAt
		m.status = RunStatus{
			State:     RunStateFailed,
			StartedAt: &started,
			Message:   "previous run was interrupted before completing",
			Error:     "run interrupted by process restart",
		}
		return
	}
	m.status = RunStatus{State: RunStateIdle}
}

// Snapshot returns a copy of the current RunStatus.
func (m *Machine) Snapshot() RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
