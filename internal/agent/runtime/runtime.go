// Package runtime tracks the worker's Idle/Busy state. A worker runs at
// most one job at a time.
package runtime

import "sync"

type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
)

// Runtime is the worker-side state machine: Idle -> Busy -> Idle.
type Runtime struct {
	mu  sync.Mutex
	job string
}

func New() *Runtime { return &Runtime{} }

// TryStart moves Idle to Busy for jobID. When already busy it returns
// false together with the job currently running.
func (r *Runtime) TryStart(jobID string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job != "" {
		return false, r.job
	}
	r.job = jobID
	return true, ""
}

// Finish returns to Idle if jobID is the running job.
func (r *Runtime) Finish(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job != jobID {
		return false
	}
	r.job = ""
	return true
}

func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.job == "" {
		return StateIdle
	}
	return StateBusy
}

// Current returns the running job id, or "" when idle.
func (r *Runtime) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}
