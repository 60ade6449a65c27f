package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VerteraIO/loadmesh/internal/controlplane/registry"
	"github.com/VerteraIO/loadmesh/internal/metrics"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

// session is the per-connection state owned by one ServeConn call.
type session struct {
	id      string
	conn    transport.Conn
	subject string
	handle  *registry.Handle
	logger  *zap.Logger
}

type handlerFunc func(ctx context.Context, s *session, env transport.Envelope) error

func (d *Dispatcher) dispatchTable() map[transport.Kind]handlerFunc {
	return map[transport.Kind]handlerFunc{
		transport.KindRegister:     d.handleRegister,
		transport.KindCPUStatus:    d.handleCPUStatus,
		transport.KindJobCompleted: d.handleJobCompleted,
		transport.KindError:        d.handleWorkerError,
	}
}

// ServeConn authenticates conn and processes its envelopes until the peer
// goes away or ctx is cancelled. It owns conn and closes it on return.
func (d *Dispatcher) ServeConn(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	s := &session{id: uuid.NewString(), conn: conn}
	s.logger = d.logger.With(zap.String("session", s.id), zap.String("remote_addr", conn.RemoteAddr()))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			//nolint:errcheck // unblocks Receive
			conn.Close()
		case <-stop:
		}
	}()

	subject, err := transport.ServerHandshake(conn, d.cfg.Verify)
	if err != nil {
		s.logger.Warn("handshake failed", zap.Error(err))
		return err
	}
	s.subject = subject
	s.logger.Debug("connection authenticated", zap.String("subject", subject))

	defer func() {
		if s.handle != nil {
			d.disconnect(context.WithoutCancel(ctx), s.handle)
		}
	}()

	for {
		env, err := conn.Receive()
		if err != nil {
			var pe *transport.ProtocolError
			if errors.As(err, &pe) {
				d.reportProtocolError(s, pe)
				continue
			}
			if errors.Is(err, transport.ErrConnectionLost) {
				s.logger.Info("connection closed", s.workerField())
				return nil
			}
			return err
		}
		if err := d.dispatch(ctx, s, env); err != nil {
			var pe *transport.ProtocolError
			if errors.As(err, &pe) {
				d.reportProtocolError(s, pe)
				continue
			}
			if errors.Is(err, transport.ErrConnectionLost) {
				s.logger.Info("connection lost while replying", s.workerField(), zap.Error(err))
				return nil
			}
			s.logger.Error("handler failed", s.workerField(), zap.String("function", env.Function), zap.Error(err))
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, s *session, env transport.Envelope) error {
	k := env.Kind()
	if k == transport.KindUnknown {
		return &transport.ProtocolError{Code: transport.CodeUnknownFunction, Function: env.Function, Message: "unknown function"}
	}
	h, ok := d.handlers[k]
	if !ok {
		return &transport.ProtocolError{Code: transport.CodeUnknownFunction, Function: env.Function, Message: "not accepted by manager"}
	}
	if k != transport.KindRegister && k != transport.KindError && s.handle == nil {
		return &transport.ProtocolError{Code: transport.CodeBadRequest, Function: env.Function, Message: "register_and_connect first"}
	}
	return h(ctx, s, env)
}

func (d *Dispatcher) reportProtocolError(s *session, pe *transport.ProtocolError) {
	metrics.ProtocolErrorsTotal.WithLabelValues(strconv.Itoa(pe.Code)).Inc()
	s.logger.Warn("protocol error", s.workerField(), zap.Int("code", pe.Code), zap.String("function", pe.Function), zap.String("error", pe.Message))
	if err := s.conn.Send(pe.Envelope()); err != nil {
		s.logger.Warn("error reply not delivered", s.workerField(), zap.Error(err))
	}
}

func (s *session) workerField() zap.Field {
	if s.handle == nil {
		return zap.Skip()
	}
	return zap.Int64("worker_id", s.handle.ID)
}

func (d *Dispatcher) handleRegister(ctx context.Context, s *session, env transport.Envelope) error {
	if s.handle != nil {
		return &transport.ProtocolError{Code: transport.CodeConflict, Function: env.Function, Message: fmt.Sprintf("already registered as worker %d", s.handle.ID)}
	}
	name := s.subject
	if len(env.Args) > 0 {
		if n, err := env.StringArg(0); err == nil && n != "" {
			name = n
		}
	}
	s.handle = d.registry.Register(s.conn, name)
	if err := s.conn.Send(transport.NewEnvelope(transport.KindRegistered, s.handle.ID)); err != nil {
		return err
	}
	d.AssignPending(ctx)
	return nil
}

func (d *Dispatcher) handleCPUStatus(_ context.Context, s *session, env transport.Envelope) error {
	v, err := env.Arg(0)
	if err != nil {
		return err
	}
	load, ok := transport.AsFloat(v)
	if !ok {
		load, ok = loadFromMapping(v)
	}
	if !ok {
		return &transport.ProtocolError{Code: transport.CodeBadRequest, Function: env.Function, Message: fmt.Sprintf("load metric must be a number, got %T", v)}
	}
	s.handle.ObserveLoad(load)
	metrics.WorkerLoad.WithLabelValues(strconv.FormatInt(s.handle.ID, 10)).Set(load)
	return nil
}

// loadFromMapping accepts the {"lavg_1": x, ...} form of a status reply.
func loadFromMapping(v any) (float64, bool) {
	switch m := v.(type) {
	case map[string]any:
		return transport.AsFloat(m["lavg_1"])
	case map[any]any:
		return transport.AsFloat(m["lavg_1"])
	}
	return 0, false
}

func (d *Dispatcher) handleJobCompleted(ctx context.Context, s *session, env transport.Envelope) error {
	var (
		jobID  string
		result any
		err    error
	)
	switch len(env.Args) {
	case 0:
		return &transport.ProtocolError{Code: transport.CodeBadRequest, Function: env.Function, Message: "expected [job_id, result]"}
	case 1:
		// [result] alone: attribute it to the worker's outstanding job.
		cur, busy := d.registry.CurrentJob(s.handle.ID)
		if !busy || cur == "" {
			return &transport.ProtocolError{Code: transport.CodeBadRequest, Function: env.Function, Message: "result without job id and no outstanding job"}
		}
		jobID, result = cur, env.Args[0]
	default:
		if jobID, err = env.StringArg(0); err != nil {
			return err
		}
		result = env.Args[1]
	}
	return d.complete(ctx, s.handle, jobID, result, env.KwargString("error"))
}

// handleWorkerError logs error envelopes from the worker. A 409 naming a
// job is a refused run command: the worker is busy with something else.
func (d *Dispatcher) handleWorkerError(ctx context.Context, s *session, env transport.Envelope) error {
	code, msg, _ := env.ErrorDetail()
	jobID := env.KwargString("job_id")
	s.logger.Warn("worker reported error",
		s.workerField(),
		zap.Int("code", code),
		zap.String("message", msg),
		zap.String("job_id", jobID),
	)
	if s.handle == nil || code != transport.CodeConflict || jobID == "" {
		return nil
	}
	if d.registry.Detach(s.handle.ID, jobID) {
		d.abandon(ctx, jobID, s.handle.ID, "refused")
	}
	return nil
}
