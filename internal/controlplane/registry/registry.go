// Package registry owns the set of connected workers and the structural
// lock under which membership, busy flags and assignment decisions change.
package registry

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VerteraIO/loadmesh/internal/controlplane/scheduler"
	"github.com/VerteraIO/loadmesh/internal/metrics"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

// ErrWorkerNotFound reports an id with no registered handle.
var ErrWorkerNotFound = errors.New("worker not found")

// Registry is a concurrent map of active worker handles.
type Registry struct {
	mu      sync.Mutex
	handles map[int64]*Handle
	nextID  int64
	logger  *zap.Logger
}

// New returns an empty registry. A nil logger discards log output.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handles: make(map[int64]*Handle),
		logger:  logger,
	}
}

// Register binds conn to a new idle handle with the next sequential id.
func (r *Registry) Register(conn transport.Conn, name string) *Handle {
	r.mu.Lock()
	r.nextID++
	h := &Handle{
		ID:          r.nextID,
		Name:        name,
		Conn:        conn,
		ConnectedAt: time.Now().UTC(),
		done:        make(chan struct{}),
	}
	r.handles[h.ID] = h
	n := len(r.handles)
	r.mu.Unlock()

	metrics.WorkersRegistered.Set(float64(n))
	r.logger.Info("worker registered",
		zap.Int64("worker_id", h.ID),
		zap.String("worker_name", name),
		zap.String("remote_addr", conn.RemoteAddr()),
	)
	return h
}

// Removed describes a handle taken out of the registry and the job it was
// holding at that moment, if any.
type Removed struct {
	Handle *Handle
	Job    string
}

// Remove deletes the handle. Only the first caller for a given id gets
// ok=true, so the outstanding job is handed to exactly one owner.
func (r *Registry) Remove(id int64) (Removed, bool) {
	r.mu.Lock()
	h, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return Removed{}, false
	}
	delete(r.handles, id)
	out := Removed{Handle: h, Job: h.job}
	wasBusy := h.busy
	h.busy = false
	h.job = ""
	close(h.done)
	n := len(r.handles)
	busy := r.busyLocked()
	r.mu.Unlock()

	metrics.WorkersRegistered.Set(float64(n))
	metrics.WorkersBusy.Set(float64(busy))
	metrics.WorkerLoad.DeleteLabelValues(strconv.FormatInt(id, 10))
	r.logger.Info("worker removed",
		zap.Int64("worker_id", id),
		zap.String("worker_name", h.Name),
		zap.Bool("was_busy", wasBusy),
		zap.String("job_id", out.Job),
	)
	return out, true
}

// Get returns the handle registered under id.
func (r *Registry) Get(id int64) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Snapshot returns the current handles ordered by id. Callers work on the
// copy without holding the structural lock.
func (r *Registry) Snapshot() []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Claim is the outcome of a successful assignment decision.
type Claim struct {
	Handle  *Handle
	Load    float64
	HasLoad bool
}

// Claim asks policy to choose among idle handles and marks the chosen one
// busy with jobID. Selection and the busy flip happen in one critical
// section, so concurrent passes never pick the same idle worker.
func (r *Registry) Claim(policy scheduler.Policy, jobID string) (Claim, bool) {
	c, ok, _ := r.ClaimWith(policy, jobID, nil)
	return c, ok
}

// ClaimWith is Claim with a commit hook. commit runs under the structural
// lock after the worker is chosen and before it is marked busy, so a
// concurrent Remove observes either no claim or a committed one. When
// commit fails the worker stays idle and its error is returned with
// ok=true.
func (r *Registry) ClaimWith(policy scheduler.Policy, jobID string, commit func(workerID int64) error) (Claim, bool, error) {
	r.mu.Lock()
	idle := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		if !h.busy {
			idle = append(idle, h)
		}
	}
	if len(idle) == 0 {
		r.mu.Unlock()
		return Claim{}, false, nil
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].ID < idle[j].ID })
	cands := make([]scheduler.Candidate, len(idle))
	for i, h := range idle {
		load, has := h.Load()
		cands[i] = scheduler.Candidate{ID: h.ID, Load: load, HasLoad: has}
	}
	i := policy.Select(cands)
	if i < 0 || i >= len(idle) {
		r.mu.Unlock()
		return Claim{}, false, nil
	}
	h := idle[i]
	if commit != nil {
		if err := commit(h.ID); err != nil {
			r.mu.Unlock()
			return Claim{}, true, err
		}
	}
	h.busy = true
	h.job = jobID
	busy := r.busyLocked()
	r.mu.Unlock()

	metrics.WorkersBusy.Set(float64(busy))
	return Claim{Handle: h, Load: cands[i].Load, HasLoad: cands[i].HasLoad}, true, nil
}

// Release marks the handle idle if it is still holding jobID. A handle
// left busy without a job (after a refused run command) is released by
// any completion.
func (r *Registry) Release(id int64, jobID string) bool {
	r.mu.Lock()
	h, ok := r.handles[id]
	if !ok || !h.busy || (h.job != jobID && h.job != "") {
		r.mu.Unlock()
		return false
	}
	h.busy = false
	h.job = ""
	busy := r.busyLocked()
	r.mu.Unlock()

	metrics.WorkersBusy.Set(float64(busy))
	return true
}

// Detach clears the job held by a handle while keeping it busy. Used when
// a worker refuses a run command because it is busy with work the manager
// does not know about.
func (r *Registry) Detach(id int64, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok || h.job != jobID {
		return false
	}
	h.job = ""
	return true
}

// CurrentJob returns the job held by the handle.
func (r *Registry) CurrentJob(id int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	if !ok {
		return "", false
	}
	return h.job, h.busy
}

// Status is a read-only view of a handle for reporting.
type Status struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	RemoteAddr  string     `json:"remoteAddr"`
	Busy        bool       `json:"busy"`
	Job         string     `json:"job,omitempty"`
	Load        *float64   `json:"load,omitempty"`
	LoadAt      *time.Time `json:"loadReportedAt,omitempty"`
	ConnectedAt time.Time  `json:"connectedAt"`
}

// Statuses returns a consistent view of every handle, ordered by id.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.handles))
	for _, h := range r.handles {
		st := Status{
			ID:          h.ID,
			Name:        h.Name,
			RemoteAddr:  h.Conn.RemoteAddr(),
			Busy:        h.busy,
			Job:         h.job,
			ConnectedAt: h.ConnectedAt,
		}
		if load, ok := h.Load(); ok {
			at := h.LoadReportedAt()
			st.Load = &load
			st.LoadAt = &at
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) busyLocked() int {
	n := 0
	for _, h := range r.handles {
		if h.busy {
			n++
		}
	}
	return n
}
