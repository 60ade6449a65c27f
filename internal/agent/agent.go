// Package agent is the worker side of the mesh: it connects to the
// manager, answers load requests and runs one job at a time.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VerteraIO/loadmesh/internal/agent/collector"
	"github.com/VerteraIO/loadmesh/internal/agent/executor"
	"github.com/VerteraIO/loadmesh/internal/agent/runtime"
	"github.com/VerteraIO/loadmesh/internal/security/enroll"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

// Dialer opens a fresh connection to the manager.
type Dialer func(ctx context.Context) (transport.Conn, error)

type Config struct {
	Name           string
	Secret         []byte
	Reconnect      bool
	ReconnectDelay time.Duration
}

type Agent struct {
	cfg       Config
	dial      Dialer
	collector collector.Collector
	executor  executor.Executor
	runtime   *runtime.Runtime
	logger    *zap.Logger
	handlers  map[transport.Kind]handlerFunc

	mu       sync.Mutex
	workerID int64
}

type handlerFunc func(ctx context.Context, s *session, env transport.Envelope) error

// session is the state of one connection to the manager.
type session struct {
	conn transport.Conn
	jobs sync.WaitGroup
}

func New(cfg Config, dial Dialer, c collector.Collector, e executor.Executor, logger *zap.Logger) *Agent {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		cfg:       cfg,
		dial:      dial,
		collector: c,
		executor:  e,
		runtime:   runtime.New(),
		logger:    logger.Named("agent").With(zap.String("worker_name", cfg.Name)),
	}
	a.handlers = map[transport.Kind]handlerFunc{
		transport.KindRegistered:   a.handleRegistered,
		transport.KindGetCPUStatus: a.handleGetCPUStatus,
		transport.KindRunJob:       a.handleRunJob,
		transport.KindError:        a.handleError,
	}
	return a
}

// WorkerID is the id the manager assigned on the current connection, or 0.
func (a *Agent) WorkerID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}

// Runtime exposes the Idle/Busy state.
func (a *Agent) Runtime() *runtime.Runtime { return a.runtime }

// Run connects and serves until ctx is cancelled or the connection ends.
// With Reconnect set, lost connections are re-dialled after
// ReconnectDelay. A rejected handshake is never retried.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.connectAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, transport.ErrAuthenticationFailed) {
			a.logger.Error("manager rejected credentials", zap.Error(err))
			return err
		}
		if !a.cfg.Reconnect {
			return err
		}
		a.logger.Warn("connection ended, reconnecting",
			zap.Duration("delay", a.cfg.ReconnectDelay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectDelay):
		}
	}
}

func (a *Agent) connectAndServe(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial manager: %w", transport.ErrConnectionLost, err)
	}
	return a.Serve(ctx, conn)
}

// Serve authenticates, registers and processes manager envelopes on conn
// until it closes. It owns conn. A running job is cancelled when the
// connection ends since its result could no longer be reported.
func (a *Agent) Serve(ctx context.Context, conn transport.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	s := &session{conn: conn}
	defer func() {
		cancel()
		s.jobs.Wait()
		a.mu.Lock()
		a.workerID = 0
		a.mu.Unlock()
	}()
	defer conn.Close()

	go func() {
		<-ctx.Done()
		//nolint:errcheck // unblocks Receive
		conn.Close()
	}()

	token, err := enroll.IssueToken(a.cfg.Secret, a.cfg.Name, enroll.DefaultTTL)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrAuthenticationFailed, err)
	}
	if err := transport.ClientHandshake(conn, token); err != nil {
		return err
	}
	if err := conn.Send(transport.NewEnvelope(transport.KindRegister, a.cfg.Name)); err != nil {
		return err
	}

	for {
		env, err := conn.Receive()
		if err != nil {
			var pe *transport.ProtocolError
			if errors.As(err, &pe) {
				a.logger.Warn("malformed envelope from manager", zap.String("error", pe.Message))
				//nolint:errcheck // a dead connection surfaces on the next Receive
				conn.Send(pe.Envelope())
				continue
			}
			return err
		}
		if err := a.dispatch(ctx, s, env); err != nil {
			var pe *transport.ProtocolError
			if errors.As(err, &pe) {
				a.logger.Warn("rejected envelope from manager", zap.String("function", env.Function), zap.String("error", pe.Message))
				//nolint:errcheck // a dead connection surfaces on the next Receive
				conn.Send(pe.Envelope())
				continue
			}
			return err
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, s *session, env transport.Envelope) error {
	h, ok := a.handlers[env.Kind()]
	if !ok {
		return &transport.ProtocolError{Code: transport.CodeUnknownFunction, Function: env.Function, Message: "not accepted by worker"}
	}
	return h(ctx, s, env)
}

func (a *Agent) handleRegistered(_ context.Context, _ *session, env transport.Envelope) error {
	raw, err := env.StringArg(0)
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return &transport.ProtocolError{Code: transport.CodeBadRequest, Function: env.Function, Message: "worker id must be an integer"}
	}
	a.mu.Lock()
	a.workerID = id
	a.mu.Unlock()
	a.logger.Info("registered with manager", zap.Int64("worker_id", id))
	return nil
}

func (a *Agent) handleGetCPUStatus(_ context.Context, s *session, _ transport.Envelope) error {
	load, err := a.collector.Collect()
	if err != nil {
		a.logger.Error("load sample failed", zap.String("collector", a.collector.Name()), zap.Error(err))
		return s.conn.Send(transport.ErrorEnvelope(transport.CodeInternal, "load sample failed: "+err.Error()))
	}
	return s.conn.Send(transport.NewEnvelope(transport.KindCPUStatus, load))
}

func (a *Agent) handleRunJob(ctx context.Context, s *session, env transport.Envelope) error {
	jobID, err := env.StringArg(0)
	if err != nil {
		return err
	}
	if ok, current := a.runtime.TryStart(jobID); !ok {
		a.logger.Error("run command while busy",
			zap.Int64("worker_id", a.WorkerID()),
			zap.String("job_id", jobID),
			zap.String("running_job_id", current),
		)
		return s.conn.Send(transport.ErrorEnvelope(transport.CodeConflict, "worker busy", "job_id", jobID, "running", current))
	}

	reply := transport.FuncJobCompleted
	if env.Function == transport.FuncCalculatePi {
		reply = transport.FuncPiResult
	}
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		a.execute(ctx, s.conn, jobID, reply)
	}()
	return nil
}

func (a *Agent) execute(ctx context.Context, conn transport.Conn, jobID, reply string) {
	start := time.Now()
	a.logger.Info("job started", zap.Int64("worker_id", a.WorkerID()), zap.String("job_id", jobID))
	result, err := a.executor.Run(ctx, jobID)
	a.runtime.Finish(jobID)

	if ctx.Err() != nil {
		a.logger.Warn("job abandoned with connection", zap.String("job_id", jobID), zap.Error(ctx.Err()))
		return
	}
	out := transport.Call(reply, jobID, result)
	if err != nil {
		out = transport.Call(reply, jobID, nil).WithKwarg("error", err.Error())
		a.logger.Error("job failed", zap.Int64("worker_id", a.WorkerID()), zap.String("job_id", jobID), zap.Error(err))
	} else {
		a.logger.Info("job finished",
			zap.Int64("worker_id", a.WorkerID()),
			zap.String("job_id", jobID),
			zap.Any("result", result),
			zap.Duration("took", time.Since(start)),
		)
	}
	if err := conn.Send(out); err != nil {
		a.logger.Error("completion not delivered", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (a *Agent) handleError(_ context.Context, _ *session, env transport.Envelope) error {
	code, msg, _ := env.ErrorDetail()
	a.logger.Warn("manager reported error",
		zap.Int64("worker_id", a.WorkerID()),
		zap.Int("code", code),
		zap.String("message", msg),
		zap.String("function", env.KwargString("function")),
	)
	return nil
}
