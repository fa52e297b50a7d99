package worker

import (
	"context"
	"time"
)

// ReapOnce releases events whose lease has expired.
func (w *Worker) ReapOnce(ctx context.Context) (int, error) {
	return w.queue.ReclaimStale(ctx, w.cfg.LeaseTimeout)
}

func (w *Worker) reap(ctx context.Context) {
	t := time.NewTicker(w.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := w.ReapOnce(ctx)
			if err != nil {
				w.logger.Error("reclaiming stale events", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Warn("reclaimed stale events", "count", n, "lease", w.cfg.LeaseTimeout)
			}
		}
	}
}
