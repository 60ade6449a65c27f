// Package jobs tracks compute jobs through their lifecycle and holds the
// FIFO of jobs awaiting assignment.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateQueued    State = "queued"
	StateAssigned  State = "assigned"
	StateCompleted State = "completed"
	StateOrphaned  State = "orphaned"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDuplicateJob      = errors.New("job already exists")
	ErrAlreadyCompleted  = errors.New("job already completed")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Job is a snapshot of one job. Manager hands out copies; state only
// changes through Manager methods.
type Job struct {
	ID         string     `json:"id"`
	State      State      `json:"state"`
	WorkerID   int64      `json:"workerId,omitempty"`
	Attempts   int        `json:"attempts"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	AssignedAt *time.Time `json:"assignedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type Manager struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string
	seq   atomic.Uint64
}

func NewManager() *Manager {
	return &Manager{jobs: make(map[string]*Job)}
}

// Submit records a new queued job. An empty id is replaced by a UUID.
func (m *Manager) Submit(id string) (Job, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; ok {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}
	j := &Job{
		ID:        id,
		State:     StateQueued,
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[id] = j
	m.order = append(m.order, id)
	return *j, nil
}

// SubmitNext records a queued job under the next free id from the
// monotonic counter ("job-1", "job-2", ...). Ids already taken by other
// submissions are skipped.
func (m *Manager) SubmitNext() (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var id string
	for {
		id = fmt.Sprintf("job-%d", m.seq.Add(1))
		if _, ok := m.jobs[id]; !ok {
			break
		}
	}
	j := &Job{
		ID:        id,
		State:     StateQueued,
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[id] = j
	m.order = append(m.order, id)
	return *j, nil
}

// MarkAssigned moves a queued job to assigned on workerID.
func (m *Manager) MarkAssigned(id string, workerID int64) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.State != StateQueued {
		return Job{}, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, j.State, StateQueued)
	}
	now := time.Now().UTC()
	j.State = StateAssigned
	j.WorkerID = workerID
	j.Attempts++
	j.AssignedAt = &now
	j.FinishedAt = nil
	return *j, nil
}

// Complete marks an assigned job completed. Only the worker holding the
// job may complete it; a second report yields ErrAlreadyCompleted.
func (m *Manager) Complete(id string, workerID int64, result any, errMsg string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	switch {
	case j.State == StateCompleted:
		return *j, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
	case j.State != StateAssigned:
		return *j, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, j.State)
	case j.WorkerID != workerID:
		return *j, fmt.Errorf("%w: %s is assigned to worker %d, not %d", ErrInvalidTransition, id, j.WorkerID, workerID)
	}
	now := time.Now().UTC()
	j.State = StateCompleted
	j.Result = result
	j.Error = errMsg
	j.FinishedAt = &now
	return *j, nil
}

// Orphan marks an assigned job whose worker went away.
func (m *Manager) Orphan(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.State != StateAssigned {
		return *j, fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, j.State, StateAssigned)
	}
	now := time.Now().UTC()
	j.State = StateOrphaned
	j.FinishedAt = &now
	return *j, nil
}

// Requeue returns an assigned or orphaned job to the queued state. The
// caller is responsible for putting it back on the Queue.
func (m *Manager) Requeue(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.State != StateAssigned && j.State != StateOrphaned {
		return *j, fmt.Errorf("%w: cannot requeue %s job %s", ErrInvalidTransition, j.State, id)
	}
	j.State = StateQueued
	j.WorkerID = 0
	j.AssignedAt = nil
	j.FinishedAt = nil
	return *j, nil
}

func (m *Manager) Get(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns all jobs in submission order.
func (m *Manager) List() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Job, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.jobs[id])
	}
	return out
}

// Counts returns the number of jobs per state.
func (m *Manager) Counts() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[State]int{
		StateQueued:    0,
		StateAssigned:  0,
		StateCompleted: 0,
		StateOrphaned:  0,
	}
	for _, j := range m.jobs {
		out[j.State]++
	}
	return out
}
