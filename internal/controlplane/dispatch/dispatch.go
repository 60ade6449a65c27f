// Package dispatch ties the manager together: it serves worker
// connections, runs assignment passes over the job queue and applies the
// orphan policy when a worker goes away holding a job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/VerteraIO/loadmesh/internal/controlplane/jobs"
	"github.com/VerteraIO/loadmesh/internal/controlplane/ledger"
	"github.com/VerteraIO/loadmesh/internal/controlplane/registry"
	"github.com/VerteraIO/loadmesh/internal/controlplane/scheduler"
	"github.com/VerteraIO/loadmesh/internal/metrics"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

// ErrAssignmentSend reports a run command that could not be delivered.
var ErrAssignmentSend = errors.New("assignment send failed")

// OrphanPolicy decides what happens to a job whose worker went away.
type OrphanPolicy string

const (
	// OrphanSurface leaves the job orphaned until an operator requeues it.
	OrphanSurface OrphanPolicy = "orphan"
	// OrphanRequeue puts the job straight back on the queue tail.
	OrphanRequeue OrphanPolicy = "requeue"
)

// ParseOrphanPolicy accepts "orphan" (default) or "requeue".
func ParseOrphanPolicy(s string) (OrphanPolicy, error) {
	switch OrphanPolicy(s) {
	case "", OrphanSurface:
		return OrphanSurface, nil
	case OrphanRequeue:
		return OrphanRequeue, nil
	default:
		return "", fmt.Errorf("unknown orphan policy %q", s)
	}
}

type Config struct {
	Policy       scheduler.Policy
	OrphanPolicy OrphanPolicy
	// JobFunction is the function name sent with run commands.
	JobFunction string
	// TotalJobs is the number of jobs Feed generates. Done closes once
	// all of them have completed; 0 disables both.
	TotalJobs int
	// JobInterval paces the feeder.
	JobInterval time.Duration
	// Verify checks handshake tokens. Nil accepts any token.
	Verify transport.VerifyFunc
}

// Dispatcher is the manager's context object. Every connection handler
// and background task receives it explicitly.
type Dispatcher struct {
	cfg      Config
	logger   *zap.Logger
	registry *registry.Registry
	jobs     *jobs.Manager
	queue    *jobs.Queue
	ledger   *ledger.Ledger
	handlers map[transport.Kind]handlerFunc

	// passMu serializes the dequeue-and-claim part of assignment passes so
	// a job taken off the queue is never hidden from a concurrent pass.
	passMu sync.Mutex

	// recording holds one channel per delivered job, closed once its
	// assignment record is written. Completions wait on it.
	recMu     sync.Mutex
	recording map[string]chan struct{}

	fedMu     sync.Mutex
	fed       map[string]struct{}
	completed atomic.Int64
	doneOnce  sync.Once
	done      chan struct{}
}

func New(cfg Config, reg *registry.Registry, jm *jobs.Manager, q *jobs.Queue, l *ledger.Ledger, logger *zap.Logger) *Dispatcher {
	if cfg.Policy == nil {
		cfg.Policy = &scheduler.WeightedLeastLoaded{}
	}
	if cfg.OrphanPolicy == "" {
		cfg.OrphanPolicy = OrphanSurface
	}
	if cfg.JobFunction == "" {
		cfg.JobFunction = transport.FuncRunJob
	}
	if cfg.Verify == nil {
		cfg.Verify = func(string) (string, error) { return "", nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:      cfg,
		logger:   logger.Named("dispatch"),
		registry: reg,
		jobs:     jm,
		queue:    q,
		ledger:    l,
		recording: make(map[string]chan struct{}),
		fed:       make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	d.handlers = d.dispatchTable()
	return d
}

func (d *Dispatcher) Registry() *registry.Registry { return d.registry }
func (d *Dispatcher) Jobs() *jobs.Manager          { return d.jobs }
func (d *Dispatcher) Queue() *jobs.Queue           { return d.queue }
func (d *Dispatcher) Ledger() *ledger.Ledger       { return d.ledger }
func (d *Dispatcher) Config() Config               { return d.cfg }

// Done is closed once every job generated by Feed has completed.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Submit records a new job, queues it and runs an assignment pass.
func (d *Dispatcher) Submit(ctx context.Context, id string) (jobs.Job, error) {
	j, err := d.jobs.Submit(id)
	if err != nil {
		return jobs.Job{}, err
	}
	d.enqueue(ctx, j)
	return j, nil
}

// SubmitGenerated records a job under the next free generated id. Only
// generated jobs count towards TotalJobs.
func (d *Dispatcher) SubmitGenerated(ctx context.Context) (jobs.Job, error) {
	j, err := d.jobs.SubmitNext()
	if err != nil {
		return jobs.Job{}, err
	}
	d.fedMu.Lock()
	d.fed[j.ID] = struct{}{}
	d.fedMu.Unlock()
	d.enqueue(ctx, j)
	return j, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, j jobs.Job) {
	d.queue.Enqueue(j.ID)
	metrics.JobsSubmittedTotal.Inc()
	metrics.QueueLength.Set(float64(d.queue.Len()))
	d.logger.Info("job submitted", zap.String("job_id", j.ID))
	d.AssignPending(ctx)
}

// Requeue moves an orphaned job back onto the queue tail.
func (d *Dispatcher) Requeue(ctx context.Context, id string) (jobs.Job, error) {
	cur, ok := d.jobs.Get(id)
	if !ok {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	if cur.State != jobs.StateOrphaned {
		return cur, fmt.Errorf("%w: only orphaned jobs can be requeued, %s is %s", jobs.ErrInvalidTransition, id, cur.State)
	}
	j, err := d.jobs.Requeue(id)
	if err != nil {
		return j, err
	}
	d.queue.Enqueue(id)
	metrics.JobsRequeuedTotal.WithLabelValues("manual").Inc()
	metrics.QueueLength.Set(float64(d.queue.Len()))
	d.logger.Info("job requeued", zap.String("job_id", id), zap.String("reason", "manual"))
	d.AssignPending(ctx)
	return j, nil
}

// Orphaned lists jobs waiting for an operator decision.
func (d *Dispatcher) Orphaned() []jobs.Job {
	var out []jobs.Job
	for _, j := range d.jobs.List() {
		if j.State == jobs.StateOrphaned {
			out = append(out, j)
		}
	}
	return out
}

type assignment struct {
	jobID string
	claim registry.Claim
}

// AssignPending runs one assignment pass: it pairs queued jobs with idle
// workers until either runs out, then delivers the run commands. It
// returns the number of jobs delivered.
func (d *Dispatcher) AssignPending(ctx context.Context) int {
	batch := d.claimPending()
	delivered, failed := 0, false
	for _, a := range batch {
		if err := d.deliver(ctx, a); err != nil {
			failed = true
			continue
		}
		delivered++
	}
	if failed {
		// Each failure removed a worker, so this recursion is bounded.
		delivered += d.AssignPending(ctx)
	}
	return delivered
}

func (d *Dispatcher) claimPending() []assignment {
	d.passMu.Lock()
	defer d.passMu.Unlock()

	var batch []assignment
	for {
		id, ok := d.queue.TryDequeue()
		if !ok {
			break
		}
		// The job turns assigned under the registry lock, so a disconnect
		// racing this claim always finds it assigned.
		claim, ok, err := d.registry.ClaimWith(d.cfg.Policy, id, func(workerID int64) error {
			_, err := d.jobs.MarkAssigned(id, workerID)
			return err
		})
		if !ok {
			d.queue.PushFront(id)
			break
		}
		if err != nil {
			d.logger.Error("dropping stale queue entry",
				zap.String("job_id", id),
				zap.Error(err),
			)
			continue
		}
		batch = append(batch, assignment{jobID: id, claim: claim})
	}
	metrics.QueueLength.Set(float64(d.queue.Len()))
	return batch
}

func (d *Dispatcher) deliver(ctx context.Context, a assignment) error {
	h := a.claim.Handle
	recorded := d.beginRecording(a.jobID)
	defer d.endRecording(a.jobID, recorded)

	at := time.Now()
	if err := h.Conn.Send(transport.Call(d.cfg.JobFunction, a.jobID)); err != nil {
		err = fmt.Errorf("%w: job %s to worker %d: %w", ErrAssignmentSend, a.jobID, h.ID, err)
		metrics.AssignmentSendFailuresTotal.Inc()
		d.logger.Error("run command not delivered",
			zap.String("job_id", a.jobID),
			zap.Int64("worker_id", h.ID),
			zap.Error(err),
		)
		// The worker is treated as gone. Whoever removes it owns the job.
		if removed, ok := d.registry.Remove(h.ID); ok && removed.Job == a.jobID {
			d.requeue(a.jobID, h.ID, "send_failure")
		}
		//nolint:errcheck // connection is already broken
		h.Conn.Close()
		return err
	}

	// Ledger writes outlive the request that triggered the pass.
	if err := d.ledger.RecordAssignment(context.WithoutCancel(ctx), a.jobID, h.ID, at, a.claim.Load, a.claim.HasLoad); err != nil {
		d.logger.Error("ledger write failed",
			zap.String("job_id", a.jobID),
			zap.Int64("worker_id", h.ID),
			zap.Error(err),
		)
	}

	metrics.JobsAssignedTotal.WithLabelValues(d.cfg.Policy.Name()).Inc()
	fields := []zap.Field{
		zap.String("job_id", a.jobID),
		zap.Int64("worker_id", h.ID),
		zap.String("policy", d.cfg.Policy.Name()),
	}
	if a.claim.HasLoad {
		fields = append(fields, zap.Float64("load", a.claim.Load))
	}
	d.logger.Info("job assigned", fields...)
	return nil
}

// abandon applies the orphan policy to a job whose worker can no longer
// complete it.
func (d *Dispatcher) abandon(ctx context.Context, jobID string, workerID int64, reason string) {
	if d.cfg.OrphanPolicy == OrphanRequeue {
		if d.requeue(jobID, workerID, reason) {
			d.AssignPending(ctx)
		}
		return
	}
	if _, err := d.jobs.Orphan(jobID); err != nil {
		d.logger.Error("orphan transition failed",
			zap.String("job_id", jobID),
			zap.Int64("worker_id", workerID),
			zap.Error(err),
		)
		return
	}
	metrics.JobsOrphanedTotal.Inc()
	d.logger.Warn("job orphaned",
		zap.String("job_id", jobID),
		zap.Int64("worker_id", workerID),
		zap.String("reason", reason),
	)
}

func (d *Dispatcher) requeue(jobID string, workerID int64, reason string) bool {
	if _, err := d.jobs.Requeue(jobID); err != nil {
		d.logger.Error("requeue failed",
			zap.String("job_id", jobID),
			zap.Int64("worker_id", workerID),
			zap.Error(err),
		)
		return false
	}
	d.queue.Enqueue(jobID)
	metrics.JobsRequeuedTotal.WithLabelValues(reason).Inc()
	metrics.QueueLength.Set(float64(d.queue.Len()))
	d.logger.Warn("job requeued",
		zap.String("job_id", jobID),
		zap.Int64("worker_id", workerID),
		zap.String("reason", reason),
	)
	return true
}

// complete records a worker's result. The returned error is a protocol
// error to report back to the worker.
func (d *Dispatcher) complete(ctx context.Context, h *registry.Handle, jobID string, result any, errMsg string) error {
	defer d.AssignPending(ctx)

	// The job leaves assigned before the worker is offered to the next
	// pass, so a worker never holds two assigned jobs.
	j, err := d.jobs.Complete(jobID, h.ID, result, errMsg)
	released := d.registry.Release(h.ID, jobID)
	if err != nil {
		code := transport.CodeConflict
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			code = transport.CodeNotFound
		case errors.Is(err, jobs.ErrAlreadyCompleted):
			metrics.DuplicateCompletionsTotal.Inc()
		}
		d.logger.Warn("completion rejected",
			zap.String("job_id", jobID),
			zap.Int64("worker_id", h.ID),
			zap.Bool("released", released),
			zap.Error(err),
		)
		return &transport.ProtocolError{Code: code, Function: transport.FuncJobCompleted, Message: err.Error()}
	}

	at := time.Now()
	if j.FinishedAt != nil {
		at = *j.FinishedAt
	}
	d.awaitRecording(ctx, jobID)
	if _, err := d.ledger.RecordCompletion(context.WithoutCancel(ctx), jobID, h.ID, at, result, errMsg); err != nil {
		d.logger.Error("ledger write failed",
			zap.String("job_id", jobID),
			zap.Int64("worker_id", h.ID),
			zap.Error(err),
		)
	}
	if j.AssignedAt != nil {
		metrics.JobDurationSeconds.Observe(at.Sub(*j.AssignedAt).Seconds())
	}
	metrics.JobsCompletedTotal.WithLabelValues(strconv.FormatBool(errMsg == "")).Inc()
	fields := []zap.Field{
		zap.String("job_id", jobID),
		zap.Int64("worker_id", h.ID),
		zap.Any("result", result),
	}
	if errMsg != "" {
		fields = append(fields, zap.String("job_error", errMsg))
	}
	d.logger.Info("job completed", fields...)

	d.fedMu.Lock()
	_, generated := d.fed[jobID]
	d.fedMu.Unlock()
	if !generated {
		return nil
	}
	n := d.completed.Add(1)
	if d.cfg.TotalJobs > 0 && n >= int64(d.cfg.TotalJobs) {
		d.doneOnce.Do(func() {
			d.logger.Info("all jobs completed", zap.Int("total_jobs", d.cfg.TotalJobs))
			close(d.done)
		})
	}
	return nil
}

func (d *Dispatcher) beginRecording(jobID string) chan struct{} {
	ch := make(chan struct{})
	d.recMu.Lock()
	d.recording[jobID] = ch
	d.recMu.Unlock()
	return ch
}

func (d *Dispatcher) endRecording(jobID string, ch chan struct{}) {
	d.recMu.Lock()
	if d.recording[jobID] == ch {
		delete(d.recording, jobID)
	}
	d.recMu.Unlock()
	close(ch)
}

// awaitRecording blocks until the assignment record of jobID, if one is
// being written, is in the ledger.
func (d *Dispatcher) awaitRecording(ctx context.Context, jobID string) {
	d.recMu.Lock()
	ch, ok := d.recording[jobID]
	d.recMu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// disconnect removes the worker and applies the orphan policy to the job
// it was holding.
func (d *Dispatcher) disconnect(ctx context.Context, h *registry.Handle) {
	removed, ok := d.registry.Remove(h.ID)
	if !ok || removed.Job == "" {
		return
	}
	d.abandon(ctx, removed.Job, h.ID, "disconnect")
}
