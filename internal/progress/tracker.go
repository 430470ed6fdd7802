// Package progress implements the Progress Tracker: a concurrent,
// ephemeral map from job id to latest JobStatus. It is never persisted
// and does not survive a restart.
package progress

import (
	"maps"

	"github.com/bksd/bksd/internal/status"
	"github.com/bksd/bksd/internal/syncutil"
)

// Tracker is safe for concurrent use. Writes are last-writer-wins per key;
// reads are snapshot-consistent per key but make no cross-key ordering
// guarantee.
type Tracker struct {
	mu   syncutil.RWMutex
	jobs map[string]status.JobStatus
}

func New() *Tracker {
	return &Tracker{jobs: make(map[string]status.JobStatus)}
}

// Set records the latest status for jobID. A terminal status does not
// remove the entry by itself — callers must call Remove explicitly once a
// job reaches a terminal state: a job_id is present iff its latest
// durable status is non-terminal.
func (t *Tracker) Set(jobID string, s status.JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[jobID] = s
}

// Get returns the current status for jobID, if tracked.
func (t *Tracker) Get(jobID string) (status.JobStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.jobs[jobID]
	return s, ok
}

// Active returns a snapshot copy of all tracked jobs.
func (t *Tracker) Active() map[string]status.JobStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.jobs)
}

// Remove drops jobID from the tracker, e.g. on reaching a terminal state.
func (t *Tracker) Remove(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobID)
}
