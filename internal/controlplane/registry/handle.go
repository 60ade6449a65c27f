package registry

import (
	"sync"
	"time"

	"github.com/VerteraIO/loadmesh/internal/transport"
)

// Handle is the manager-side state for one connected worker. It is created
// by Registry.Register and never reused after removal.
type Handle struct {
	ID          int64
	Name        string
	Conn        transport.Conn
	ConnectedAt time.Time

	// mu guards the load fields and the pending status request only.
	mu         sync.Mutex
	load       float64
	hasLoad    bool
	loadAt     time.Time
	statusWait chan float64

	// Guarded by Registry.mu.
	busy bool
	job  string

	done chan struct{}
}

// Done is closed once the handle has been removed from the registry.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Load returns the last reported load metric, if any.
func (h *Handle) Load() (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load, h.hasLoad
}

// LoadReportedAt returns when the load metric was last updated.
func (h *Handle) LoadReportedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loadAt
}

// ObserveLoad records a load report and wakes a pending status request.
func (h *Handle) ObserveLoad(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.load = v
	h.hasLoad = true
	h.loadAt = time.Now().UTC()
	if h.statusWait != nil {
		select {
		case h.statusWait <- v:
		default:
		}
		h.statusWait = nil
	}
}

// BeginStatusRequest registers interest in the next load report. It
// returns false while a previous request is still outstanding so a slow
// worker never accumulates waiters.
func (h *Handle) BeginStatusRequest() (<-chan float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.statusWait != nil {
		return nil, false
	}
	ch := make(chan float64, 1)
	h.statusWait = ch
	return ch, true
}

// AbandonStatusRequest drops the pending request registered by
// BeginStatusRequest, if it is still the current one.
func (h *Handle) AbandonStatusRequest(ch <-chan float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.statusWait != nil && (<-chan float64)(h.statusWait) == ch {
		h.statusWait = nil
	}
}
