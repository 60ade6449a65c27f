// Package reconciler runs the periodic safety-net assignment pass that
// catches queued jobs whose event-driven trigger was missed.
package reconciler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the safety-net cadence when none is configured.
const DefaultInterval = 10 * time.Second

// Assigner runs one assignment pass and reports how many jobs it handed out.
type Assigner interface {
	AssignPending(ctx context.Context) int
}

// Reconciler drives queued jobs towards idle workers on a fixed tick.
type Reconciler struct {
	assigner Assigner
	interval time.Duration
	logger   *zap.Logger
}

func New(assigner Assigner, interval time.Duration, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{assigner: assigner, interval: interval, logger: logger.Named("reconciler")}
}

// Run ticks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if n := r.assigner.AssignPending(ctx); n > 0 {
				r.logger.Info("safety-net pass assigned jobs", zap.Int("assigned", n))
			}
		}
	}
}
