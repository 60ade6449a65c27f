// Package health polls every connected worker for its load metric on a
// fixed interval. Exchanges run concurrently per worker and are never timed
// out; a silent worker only stalls its own exchange.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VerteraIO/loadmesh/internal/controlplane/registry"
	"github.com/VerteraIO/loadmesh/internal/metrics"
	"github.com/VerteraIO/loadmesh/internal/transport"
)

// DefaultInterval is the polling cadence when none is configured.
const DefaultInterval = 5 * time.Second

type Monitor struct {
	registry *registry.Registry
	interval time.Duration
	logger   *zap.Logger

	wg sync.WaitGroup
}

func NewMonitor(reg *registry.Registry, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{registry: reg, interval: interval, logger: logger.Named("health")}
}

// Run polls on every tick until ctx is cancelled, then waits for the
// in-flight exchanges to unwind.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.wg.Wait()

	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.PollOnce(ctx)
			}()
		}
	}
}

// PollOnce asks every worker in a registry snapshot for its load and
// blocks until each started exchange has been answered, the worker has gone
// away, or ctx is done. Workers with a request still outstanding from an
// earlier round are skipped. It returns the number of updated workers.
func (m *Monitor) PollOnce(ctx context.Context) int {
	handles := m.registry.Snapshot()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		updated int
	)
	for _, h := range handles {
		wait, ok := h.BeginStatusRequest()
		if !ok {
			m.logger.Debug("status request still outstanding", zap.Int64("worker_id", h.ID))
			continue
		}
		wg.Add(1)
		go func(h *registry.Handle, wait <-chan float64) {
			defer wg.Done()
			if m.exchange(ctx, h, wait) {
				mu.Lock()
				updated++
				mu.Unlock()
			}
		}(h, wait)
	}
	wg.Wait()
	return updated
}

func (m *Monitor) exchange(ctx context.Context, h *registry.Handle, wait <-chan float64) bool {
	if err := h.Conn.Send(transport.NewEnvelope(transport.KindGetCPUStatus)); err != nil {
		h.AbandonStatusRequest(wait)
		metrics.HealthPollFailuresTotal.Inc()
		m.logger.Warn("status request failed",
			zap.Int64("worker_id", h.ID),
			zap.Error(err),
		)
		return false
	}
	select {
	case load := <-wait:
		m.logger.Debug("load updated", zap.Int64("worker_id", h.ID), zap.Float64("load", load))
		return true
	case <-h.Done():
		metrics.HealthPollFailuresTotal.Inc()
		m.logger.Info("worker went away before reporting load", zap.Int64("worker_id", h.ID))
		return false
	case <-ctx.Done():
		h.AbandonStatusRequest(wait)
		return false
	}
}
