package engine

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler triggers aggregation runs on a periodic interval. It is
// stateless: each tick independently works from the durable checkpoint, and
// ticks that lose the cluster lock are skipped.
type Scheduler struct {
	interval  time.Duration
	batchSize int
	engine    *Engine
}

// NewScheduler creates a periodic trigger for the engine.
func NewScheduler(tick time.Duration, batchSize int, eng *Engine) *Scheduler {
	return &Scheduler{interval: tick, batchSize: batchSize, engine: eng}
}

// Start runs until the context is cancelled, then performs a final drain so a
// clean shutdown leaves no backlog behind.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting aggregation scheduler",
		"interval", s.interval,
		"batch_size", s.batchSize,
	)

	// Initial drain catches up with any backlog from downtime.
	s.drainBacklog(ctx)

	for {
		select {
		case <-ticker.C:
			s.drainBacklog(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Scheduler] Running final drain before shutdown...")
			s.drainBacklog(shutdownCtx)
			slog.Info("[Scheduler] Final drain complete")

			return nil
		}
	}
}

// drainBacklog processes pending events in batches until the backlog is empty
// or the safety limit is hit. Prevents unbounded staleness during bursts.
func (s *Scheduler) drainBacklog(ctx context.Context) {
	const maxConsecutiveBatches = 100

	for batchCount := 0; batchCount < maxConsecutiveBatches; batchCount++ {
		select {
		case <-ctx.Done():
			slog.Info("[Scheduler] Drain interrupted by context cancellation",
				"batches_processed", batchCount)
			return
		default:
		}

		processed, ran, err := s.engine.AggregateRawEvents(ctx, s.batchSize)
		if err != nil {
			slog.Error("[Scheduler] Aggregation batch failed",
				"error", err,
				"batch_number", batchCount+1,
			)
			return
		}
		if !ran {
			// Another node is draining; nothing for this one to do.
			return
		}
		if processed < s.batchSize {
			if batchCount > 0 {
				slog.Info("[Scheduler] Backlog drained", "total_batches", batchCount+1)
			}
			return
		}

		slog.Info("[Scheduler] Backlog detected, continuing to drain",
			"batches_so_far", batchCount+1)
	}

	slog.Warn("[Scheduler] Max consecutive batches reached, pausing drain",
		"max_batches", maxConsecutiveBatches,
		"note", "Will resume on next tick",
	)
}
