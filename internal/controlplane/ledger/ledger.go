// Package ledger keeps the append-only story of which worker got which job
// and what came back. Records are never mutated or deleted; the external
// analytics side reads them as two ordered sequences.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VerteraIO/loadmesh/internal/metrics"
)

// Assignment records a job handed to a worker, with the worker's load at
// the moment of selection (nil when the worker had not reported yet).
type Assignment struct {
	JobID        string    `json:"job_id"`
	WorkerID     int64     `json:"worker_id"`
	TimeAssigned time.Time `json:"time_assigned"`
	Load         *float64  `json:"cpu_usage"`
}

// Completion records a worker's result for a job.
type Completion struct {
	JobID         string    `json:"job_id"`
	WorkerID      int64     `json:"worker_id"`
	TimeCompleted time.Time `json:"time_completed"`
	Result        any       `json:"result"`
	Error         string    `json:"error,omitempty"`
}

// Store persists ledger records in append order.
type Store interface {
	AppendAssignment(ctx context.Context, rec Assignment) error
	AppendCompletion(ctx context.Context, rec Completion) error
	Assignments(ctx context.Context) ([]Assignment, error)
	Completions(ctx context.Context) ([]Completion, error)
	Flush(ctx context.Context) error
	Close() error
}

type Option func(*Ledger)

// WithExportPath makes Flush also write every record as JSON lines to path.
func WithExportPath(path string) Option {
	return func(l *Ledger) { l.exportPath = path }
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger fronts a Store and keeps only the first completion per job id.
type Ledger struct {
	store      Store
	logger     *zap.Logger
	exportPath string

	mu        sync.Mutex
	completed map[string]struct{}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		logger:    zap.NewNop(),
		completed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordAssignment appends an assignment record.
func (l *Ledger) RecordAssignment(ctx context.Context, jobID string, workerID int64, at time.Time, load float64, hasLoad bool) error {
	rec := Assignment{JobID: jobID, WorkerID: workerID, TimeAssigned: at.UTC()}
	if hasLoad {
		rec.Load = &load
	}
	if err := l.store.AppendAssignment(ctx, rec); err != nil {
		return fmt.Errorf("record assignment %s: %w", jobID, err)
	}
	return nil
}

// RecordCompletion appends a completion record unless one already exists
// for jobID, in which case it reports recorded=false.
func (l *Ledger) RecordCompletion(ctx context.Context, jobID string, workerID int64, at time.Time, result any, errMsg string) (bool, error) {
	l.mu.Lock()
	if _, dup := l.completed[jobID]; dup {
		l.mu.Unlock()
		metrics.DuplicateCompletionsTotal.Inc()
		l.logger.Warn("duplicate completion ignored",
			zap.String("job_id", jobID),
			zap.Int64("worker_id", workerID),
		)
		return false, nil
	}
	l.completed[jobID] = struct{}{}
	l.mu.Unlock()

	rec := Completion{JobID: jobID, WorkerID: workerID, TimeCompleted: at.UTC(), Result: result, Error: errMsg}
	if err := l.store.AppendCompletion(ctx, rec); err != nil {
		l.mu.Lock()
		delete(l.completed, jobID)
		l.mu.Unlock()
		return false, fmt.Errorf("record completion %s: %w", jobID, err)
	}
	return true, nil
}

func (l *Ledger) Assignments(ctx context.Context) ([]Assignment, error) {
	return l.store.Assignments(ctx)
}

func (l *Ledger) Completions(ctx context.Context) ([]Completion, error) {
	return l.store.Completions(ctx)
}

// Flush pushes buffered records to the store and writes the export file
// when one is configured.
func (l *Ledger) Flush(ctx context.Context) error {
	if err := l.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush ledger store: %w", err)
	}
	if l.exportPath == "" {
		return nil
	}
	assignments, err := l.store.Assignments(ctx)
	if err != nil {
		return fmt.Errorf("read assignments: %w", err)
	}
	completions, err := l.store.Completions(ctx)
	if err != nil {
		return fmt.Errorf("read completions: %w", err)
	}
	if err := writeExport(l.exportPath, assignments, completions); err != nil {
		return fmt.Errorf("export ledger: %w", err)
	}
	l.logger.Info("ledger exported",
		zap.String("path", l.exportPath),
		zap.Int("assignments", len(assignments)),
		zap.Int("completions", len(completions)),
	)
	return nil
}

func (l *Ledger) Close() error { return l.store.Close() }

func writeExport(path string, assignments []Assignment, completions []Completion) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, a := range assignments {
		if err := enc.Encode(struct {
			Type string `json:"type"`
			Assignment
		}{"assignment", a}); err != nil {
			return err
		}
	}
	for _, c := range completions {
		if err := enc.Encode(struct {
			Type string `json:"type"`
			Completion
		}{"completion", c}); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}
