package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/VerteraIO/loadmesh/internal/controlplane/jobs"
	"github.com/VerteraIO/loadmesh/internal/controlplane/ledger"
	"github.com/VerteraIO/loadmesh/internal/controlplane/registry"
	"github.com/VerteraIO/loadmesh/internal/controlplane/scheduler"
	"github.com/VerteraIO/loadmesh/internal/controlplane/stores"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

const waitFor = 2 * time.Second

func newDispatcher(t *testing.T, cfg Config) *Dispatcher {
	t.Helper()
	return New(cfg, registry.New(nil), jobs.NewManager(), jobs.NewQueue(), ledger.New(stores.NewMemory()), nil)
}

// fakeWorker is the worker side of a pipe served by the dispatcher.
type fakeWorker struct {
	t    *testing.T
	conn transport.Conn
	id   int64
	runs chan string
	errs chan transport.Envelope

	// autoComplete reports every job back after a short delay and counts
	// run commands that arrive while the previous one is still running.
	autoComplete bool
	busy         atomic.Bool
	overlaps     atomic.Int32
}

type workerOption func(*fakeWorker)

func autoComplete() workerOption { return func(w *fakeWorker) { w.autoComplete = true } }

func connectWorker(t *testing.T, ctx context.Context, d *Dispatcher, name string, opts ...workerOption) *fakeWorker {
	t.Helper()
	client, server := transport.Pipe(transport.JSONCodec{})
	go func() {
		//nolint:errcheck // surfaced through the client side
		d.ServeConn(ctx, server)
	}()
	t.Cleanup(func() { client.Close() })

	require.NoError(t, transport.ClientHandshake(client, "token"))
	require.NoError(t, client.Send(transport.NewEnvelope(transport.KindRegister, name)))
	env, err := client.Receive()
	require.NoError(t, err)
	require.Equal(t, transport.KindRegistered, env.Kind())
	raw, err := env.StringArg(0)
	require.NoError(t, err)
	id, err := strconv.ParseInt(raw, 10, 64)
	require.NoError(t, err)

	w := &fakeWorker{
		t:    t,
		conn: client,
		id:   id,
		runs: make(chan string, 256),
		errs: make(chan transport.Envelope, 16),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w
}

func (w *fakeWorker) loop() {
	for {
		env, err := w.conn.Receive()
		if err != nil {
			return
		}
		switch env.Kind() {
		case transport.KindRunJob:
			jobID, _ := env.StringArg(0)
			if w.autoComplete {
				if !w.busy.CompareAndSwap(false, true) {
					w.overlaps.Add(1)
					continue
				}
				go func() {
					time.Sleep(time.Millisecond)
					w.busy.Store(false)
					//nolint:errcheck // pipe outlives the test body
					w.conn.Send(transport.NewEnvelope(transport.KindJobCompleted, jobID, 1.0))
				}()
			}
			w.runs <- jobID
		case transport.KindError:
			w.errs <- env
		}
	}
}

func (w *fakeWorker) reportLoad(d *Dispatcher, load float64) {
	w.t.Helper()
	require.NoError(w.t, w.conn.Send(transport.NewEnvelope(transport.KindCPUStatus, load)))
	h, ok := d.Registry().Get(w.id)
	require.True(w.t, ok)
	require.Eventually(w.t, func() bool {
		got, ok := h.Load()
		return ok && got == load
	}, waitFor, time.Millisecond)
}

func (w *fakeWorker) complete(jobID string, result any) {
	w.t.Helper()
	require.NoError(w.t, w.conn.Send(transport.NewEnvelope(transport.KindJobCompleted, jobID, result)))
}

func (w *fakeWorker) nextRun() string {
	w.t.Helper()
	select {
	case id := <-w.runs:
		return id
	case <-time.After(waitFor):
		w.t.Fatalf("worker %d received no run command", w.id)
		return ""
	}
}

func (w *fakeWorker) noRun() {
	w.t.Helper()
	select {
	case id := <-w.runs:
		w.t.Fatalf("worker %d unexpectedly received %s", w.id, id)
	case <-time.After(20 * time.Millisecond):
	}
}

func (w *fakeWorker) nextError() (int, transport.Envelope) {
	w.t.Helper()
	select {
	case env := <-w.errs:
		code, _, _ := env.ErrorDetail()
		return code, env
	case <-time.After(waitFor):
		w.t.Fatalf("worker %d received no error envelope", w.id)
		return 0, transport.Envelope{}
	}
}

func waitState(t *testing.T, d *Dispatcher, id string, want jobs.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, ok := d.Jobs().Get(id)
		return ok && j.State == want
	}, waitFor, time.Millisecond, "job %s never reached %s", id, want)
}

func TestWeightedPolicyPrefersLeastLoaded(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{})
	a := connectWorker(t, ctx, d, "A")
	b := connectWorker(t, ctx, d, "B")
	c := connectWorker(t, ctx, d, "C")
	a.reportLoad(d, 0.1)
	b.reportLoad(d, 0.3)
	c.reportLoad(d, 0.5)

	_, err := d.Submit(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", a.nextRun())

	_, err = d.Submit(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, "job-2", b.nextRun())
	c.noRun()

	assignments, err := d.Ledger().Assignments(ctx)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	require.NotNil(t, assignments[0].Load)
	require.InDelta(t, 0.1, *assignments[0].Load, 1e-9)
}

func TestRoundRobinWrapsAround(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{Policy: &scheduler.RoundRobin{}})
	workers := []*fakeWorker{
		connectWorker(t, ctx, d, "A"),
		connectWorker(t, ctx, d, "B"),
		connectWorker(t, ctx, d, "C"),
	}

	for i, w := range workers {
		id := fmt.Sprintf("job-%d", i+1)
		_, err := d.Submit(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, w.nextRun())
	}
	for i, w := range workers {
		id := fmt.Sprintf("job-%d", i+1)
		w.complete(id, 3.14)
		waitState(t, d, id, jobs.StateCompleted)
	}

	_, err := d.Submit(ctx, "job-4")
	require.NoError(t, err)
	require.Equal(t, "job-4", workers[0].nextRun())
}

func TestJobWaitsForIdleWorker(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{})

	_, err := d.Submit(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, []string{"job-1"}, d.Queue().Snapshot())

	w := connectWorker(t, ctx, d, "late")
	require.Equal(t, "job-1", w.nextRun())

	_, err = d.Submit(ctx, "job-2")
	require.NoError(t, err)
	w.noRun()
	require.Equal(t, []string{"job-2"}, d.Queue().Snapshot())

	w.complete("job-1", 3.14)
	require.Equal(t, "job-2", w.nextRun())
}

func TestDisconnectOrphansJob(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{})
	w := connectWorker(t, ctx, d, "A")

	_, err := d.Submit(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", w.nextRun())

	require.NoError(t, w.conn.Close())
	waitState(t, d, "job-1", jobs.StateOrphaned)
	require.Eventually(t, func() bool { return d.Registry().Len() == 0 }, waitFor, time.Millisecond)
	require.Zero(t, d.Queue().Len())
	require.Len(t, d.Orphaned(), 1)

	b := connectWorker(t, ctx, d, "B")
	b.noRun()
	_, err = d.Requeue(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", b.nextRun())

	j, ok := d.Jobs().Get("job-1")
	require.True(t, ok)
	require.Equal(t, b.id, j.WorkerID)
	require.Equal(t, 2, j.Attempts)

	_, err = d.Requeue(ctx, "job-1")
	require.ErrorIs(t, err, jobs.ErrInvalidTransition)
}

func TestDisconnectRequeuesJob(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{OrphanPolicy: OrphanRequeue})
	a := connectWorker(t, ctx, d, "A")

	_, err := d.Submit(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", a.nextRun())

	require.NoError(t, a.conn.Close())
	waitState(t, d, "job-1", jobs.StateQueued)
	require.Equal(t, []string{"job-1"}, d.Queue().Snapshot())

	b := connectWorker(t, ctx, d, "B")
	require.Equal(t, "job-1", b.nextRun())
	b.complete("job-1", 3.14)
	waitState(t, d, "job-1", jobs.StateCompleted)
	require.Empty(t, d.Orphaned())
}

func TestSendFailureRequeuesAndRemoves(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{})
	dead, _ := transport.Pipe(transport.JSONCodec{})
	require.NoError(t, dead.Close())
	d.Registry().Register(dead, "dead")

	_, err := d.Submit(ctx, "job-1")
	require.NoError(t, err)

	require.Zero(t, d.Registry().Len())
	j, ok := d.Jobs().Get("job-1")
	require.True(t, ok)
	require.Equal(t, jobs.StateQueued, j.State)
	require.Equal(t, []string{"job-1"}, d.Queue().Snapshot())

	w := connectWorker(t, ctx, d, "alive")
	require.Equal(t, "job-1", w.nextRun())
	w.complete("job-1", 3.14)
	waitState(t, d, "job-1", jobs.StateCompleted)

	// The undelivered attempt leaves no trace in the ledger.
	assignments, err := d.Ledger().Assignments(ctx)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, w.id, assignments[0].WorkerID)
	require.Eventually(t, func() bool {
		c, err := d.Ledger().Completions(ctx)
		return err == nil && len(c) == 1 && c[0].WorkerID == w.id
	}, waitFor, time.Millisecond)
}

func TestLedgerWritesSurviveCancelledCaller(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := ledger.New(stores.NewRedis(rdb, ""))
	t.Cleanup(func() { l.Close() })
	d := New(Config{}, registry.New(nil), jobs.NewManager(), jobs.NewQueue(), l, nil)

	ctx := t.Context()
	w := connectWorker(t, ctx, d, "A")

	aborted, cancel := context.WithCancel(ctx)
	cancel()
	_, err := d.Submit(aborted, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", w.nextRun())
	w.complete("job-1", 3.14)
	waitState(t, d, "job-1", jobs.StateCompleted)

	require.Eventually(t, func() bool {
		c, err := l.Completions(ctx)
		return err == nil && len(c) == 1
	}, waitFor, time.Millisecond)
	assignments, err := l.Assignments(ctx)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, "job-1", assignments[0].JobID)
}

// hookPolicy runs hook once from inside Select, while the registry lock
// is held, then defers to the weighted policy.
type hookPolicy struct {
	scheduler.WeightedLeastLoaded
	once sync.Once
	hook func()
}

func (p *hookPolicy) Select(cands []scheduler.Candidate) int {
	p.once.Do(p.hook)
	return p.WeightedLeastLoaded.Select(cands)
}

func TestDisconnectDuringClaimReleasesJob(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	policy := &hookPolicy{}
	d := newDispatcher(t, Config{Policy: policy})
	w := connectWorker(t, ctx, d, "A")

	// The worker drops while it is being chosen for job-1.
	policy.hook = func() { w.conn.Close() }
	_, err := d.Submit(ctx, "job-1")
	require.NoError(t, err)

	// Depending on whether the failed send or the disconnect removes the
	// worker first, the job is requeued or orphaned. It is never left
	// assigned to the vanished worker.
	require.Eventually(t, func() bool {
		j, ok := d.Jobs().Get("job-1")
		if !ok || d.Registry().Len() != 0 {
			return false
		}
		switch j.State {
		case jobs.StateOrphaned:
			return d.Queue().Len() == 0
		case jobs.StateQueued:
			return d.Queue().Len() == 1
		}
		return false
	}, waitFor, time.Millisecond)
	require.Zero(t, d.Jobs().Counts()[jobs.StateAssigned])
}

func TestConcurrentSubmissionsKeepInvariants(t *testing.T) {
	t.Parallel()

	const total = 60
	ctx := t.Context()
	d := newDispatcher(t, Config{})
	var workers []*fakeWorker
	for i := 0; i < 4; i++ {
		workers = append(workers, connectWorker(t, ctx, d, fmt.Sprintf("w%d", i), autoComplete()))
	}

	// Sample the job table while work is in flight: no worker may ever
	// hold two assigned jobs.
	stop := make(chan struct{})
	var violation atomic.Value
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			perWorker := map[int64]int{}
			for _, j := range d.Jobs().List() {
				if j.State == jobs.StateAssigned {
					perWorker[j.WorkerID]++
					if perWorker[j.WorkerID] > 1 {
						violation.Store(fmt.Sprintf("worker %d holds two assigned jobs", j.WorkerID))
					}
				}
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < total/6; i++ {
				_, err := d.Submit(ctx, fmt.Sprintf("job-%d-%d", g, i))
				if err != nil {
					violation.Store(err.Error())
				}
			}
		}(g)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return d.Jobs().Counts()[jobs.StateCompleted] == total
	}, 10*time.Second, time.Millisecond, "not every job completed")
	require.Eventually(t, func() bool {
		c, err := d.Ledger().Completions(ctx)
		return err == nil && len(c) == total
	}, waitFor, time.Millisecond)
	close(stop)
	sampler.Wait()
	require.Nil(t, violation.Load())

	for _, w := range workers {
		require.Zero(t, w.overlaps.Load(), "worker %d got overlapping run commands", w.id)
	}

	assignments, err := d.Ledger().Assignments(ctx)
	require.NoError(t, err)
	completions, err := d.Ledger().Completions(ctx)
	require.NoError(t, err)
	assigned := map[string]int{}
	for _, a := range assignments {
		assigned[a.JobID]++
	}
	completed := map[string]int{}
	for _, c := range completions {
		completed[c.JobID]++
	}
	for _, j := range d.Jobs().List() {
		require.Equal(t, jobs.StateCompleted, j.State, j.ID)
		require.Equal(t, 1, assigned[j.ID], j.ID)
		require.Equal(t, 1, completed[j.ID], j.ID)
	}
}

func TestMalformedEnvelopeKeepsConnectionUsable(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{})
	clientFramer, serverFramer := transport.PipeFramers()
	go func() {
		//nolint:errcheck // surfaced through the client side
		d.ServeConn(ctx, transport.NewConn(serverFramer, transport.JSONCodec{}))
	}()
	client := transport.NewConn(clientFramer, transport.JSONCodec{})
	defer client.Close()
	require.NoError(t, transport.ClientHandshake(client, "token"))

	expectError := func(want int) {
		t.Helper()
		env, err := client.Receive()
		require.NoError(t, err)
		code, _, ok := env.ErrorDetail()
		require.True(t, ok, env.Function)
		require.Equal(t, want, code)
	}

	require.NoError(t, clientFramer.WriteFrame([]byte(`["cpu_status", 0.5]`)))
	expectError(transport.CodeBadRequest)

	require.NoError(t, client.Send(transport.Call("launch_missiles")))
	expectError(transport.CodeUnknownFunction)

	require.NoError(t, client.Send(transport.NewEnvelope(transport.KindCPUStatus, 0.5)))
	expectError(transport.CodeBadRequest)

	require.NoError(t, client.Send(transport.NewEnvelope(transport.KindRegister, "w")))
	env, err := client.Receive()
	require.NoError(t, err)
	require.Equal(t, transport.KindRegistered, env.Kind())

	require.NoError(t, client.Send(transport.NewEnvelope(transport.KindCPUStatus, "high")))
	expectError(transport.CodeBadRequest)

	require.NoError(t, client.Send(transport.NewEnvelope(transport.KindRegister, "w")))
	expectError(transport.CodeConflict)
}

func TestStatusMappingForm(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{})
	w := connectWorker(t, ctx, d, "A")
	require.NoError(t, w.conn.Send(transport.NewEnvelope(transport.KindCPUStatus,
		map[string]any{"lavg_1": 0.7, "lavg_5": 0.2, "lavg_15": 0.1})))

	h, ok := d.Registry().Get(w.id)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		got, ok := h.Load()
		return ok && got == 0.7
	}, waitFor, time.Millisecond)
}

func TestResultWithoutJobID(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{JobFunction: transport.FuncCalculatePi})
	w := connectWorker(t, ctx, d, "A")

	_, err := d.Submit(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", w.nextRun())

	require.NoError(t, w.conn.Send(transport.Call(transport.FuncPiResult, 3.14159)))
	waitState(t, d, "job-1", jobs.StateCompleted)
	j, _ := d.Jobs().Get("job-1")
	require.Equal(t, 3.14159, j.Result)
}

func TestDuplicateCompletionRejected(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{})
	w := connectWorker(t, ctx, d, "A")

	_, err := d.Submit(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", w.nextRun())
	w.complete("job-1", 1.0)
	waitState(t, d, "job-1", jobs.StateCompleted)

	w.complete("job-1", 2.0)
	code, _ := w.nextError()
	require.Equal(t, transport.CodeConflict, code)

	w.complete("job-404", 2.0)
	code, _ = w.nextError()
	require.Equal(t, transport.CodeNotFound, code)

	completions, err := d.Ledger().Completions(ctx)
	require.NoError(t, err)
	require.Len(t, completions, 1)
	require.Equal(t, 1.0, completions[0].Result)
}

func TestRefusedRunCommand(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{})
	w := connectWorker(t, ctx, d, "A")

	_, err := d.Submit(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", w.nextRun())

	require.NoError(t, w.conn.Send(transport.ErrorEnvelope(transport.CodeConflict, "busy", "job_id", "job-1")))
	waitState(t, d, "job-1", jobs.StateOrphaned)

	// Still busy with work the manager does not know about.
	job, busy := d.Registry().CurrentJob(w.id)
	require.True(t, busy)
	require.Empty(t, job)
	_, err = d.Submit(ctx, "job-2")
	require.NoError(t, err)
	w.noRun()

	// Finishing the unknown work frees the worker.
	w.complete("elsewhere", 1.0)
	code, _ := w.nextError()
	require.Equal(t, transport.CodeNotFound, code)
	require.Equal(t, "job-2", w.nextRun())
}

func TestHandshakeRejected(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, Config{Verify: func(token string) (string, error) {
		return "", errors.New("nope")
	}})
	client, server := transport.Pipe(transport.JSONCodec{})
	defer client.Close()
	served := make(chan error, 1)
	go func() { served <- d.ServeConn(t.Context(), server) }()

	require.ErrorIs(t, transport.ClientHandshake(client, "bad"), transport.ErrAuthenticationFailed)
	require.ErrorIs(t, <-served, transport.ErrAuthenticationFailed)
	require.Zero(t, d.Registry().Len())
}

func TestServeConnStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	d := newDispatcher(t, Config{})
	client, server := transport.Pipe(transport.JSONCodec{})
	defer client.Close()
	served := make(chan error, 1)
	go func() { served <- d.ServeConn(ctx, server) }()
	require.NoError(t, transport.ClientHandshake(client, "token"))
	require.NoError(t, client.Send(transport.NewEnvelope(transport.KindRegister, "w")))
	_, err := client.Receive()
	require.NoError(t, err)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("ServeConn did not return after cancel")
	}
	require.Zero(t, d.Registry().Len())
}

func TestFeedSubmitsTotalJobs(t *testing.T) {
	t.Parallel()

	d := newDispatcher(t, Config{TotalJobs: 3})
	require.NoError(t, d.Feed(t.Context()))
	require.Equal(t, []string{"job-1", "job-2", "job-3"}, d.Queue().Snapshot())
	require.Equal(t, 3, d.Jobs().Counts()[jobs.StateQueued])
}

func TestDoneCountsOnlyGeneratedJobs(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	d := newDispatcher(t, Config{TotalJobs: 2})
	connectWorker(t, ctx, d, "A", autoComplete())

	for _, id := range []string{"manual-a", "job-1"} {
		_, err := d.Submit(ctx, id)
		require.NoError(t, err)
		waitState(t, d, id, jobs.StateCompleted)
	}
	select {
	case <-d.Done():
		t.Fatal("done closed before any generated job ran")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, d.Feed(ctx))
	select {
	case <-d.Done():
	case <-time.After(waitFor):
		t.Fatal("done not closed after generated jobs completed")
	}
	waitState(t, d, "job-2", jobs.StateCompleted)
	waitState(t, d, "job-3", jobs.StateCompleted)
}

func TestParseOrphanPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseOrphanPolicy("")
	require.NoError(t, err)
	require.Equal(t, OrphanSurface, p)
	p, err = ParseOrphanPolicy("requeue")
	require.NoError(t, err)
	require.Equal(t, OrphanRequeue, p)
	_, err = ParseOrphanPolicy("drop")
	require.Error(t, err)
}
