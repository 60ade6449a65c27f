package dispatch

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Feed submits TotalJobs generated jobs, one per JobInterval, starting
// immediately. It returns early when ctx is cancelled.
func (d *Dispatcher) Feed(ctx context.Context) error {
	if d.cfg.TotalJobs <= 0 {
		return nil
	}
	limit := rate.Inf
	if d.cfg.JobInterval > 0 {
		limit = rate.Every(d.cfg.JobInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	d.logger.Info("job feeder started",
		zap.Int("total_jobs", d.cfg.TotalJobs),
		zap.Duration("interval", d.cfg.JobInterval),
	)
	for i := 0; i < d.cfg.TotalJobs; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := d.SubmitGenerated(ctx); err != nil {
			d.logger.Error("feeder submit failed", zap.Error(err))
		}
	}
	d.logger.Info("job feeder finished", zap.Int("submitted", d.cfg.TotalJobs))
	return nil
}
