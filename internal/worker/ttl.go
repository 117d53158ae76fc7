// Package worker runs periodic background sweeps for the lifetime of the process.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/answerstream/internal/monitor"
	"github.com/ashureev/answerstream/internal/thread"
)

// Sweep performs one cleanup pass and returns how many items it removed.
type Sweep func(ctx context.Context) int

// RunStaleStreamWorker reaps stream connections older than staleAfter every
// interval. It blocks until ctx is done.
func RunStaleStreamWorker(ctx context.Context, mon *monitor.Monitor, interval, staleAfter time.Duration, logger *slog.Logger) {
	run(ctx, "stale stream worker", interval, func(context.Context) int {
		return mon.CleanupStale(staleAfter)
	}, logger.With("stale_after", staleAfter))
}

// RunThreadTTLWorker removes threads idle for longer than maxAge every
// interval. It blocks until ctx is done.
func RunThreadTTLWorker(ctx context.Context, threads *thread.Store, interval, maxAge time.Duration, logger *slog.Logger) {
	run(ctx, "thread TTL worker", interval, func(ctx context.Context) int {
		return threads.CleanupOlderThan(ctx, maxAge)
	}, logger.With("max_age", maxAge))
}

func run(ctx context.Context, name string, interval time.Duration, sweep Sweep, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info(name+" started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			if removed := sweep(ctx); removed > 0 {
				logger.Info(name+" cleanup completed", "removed", removed)
			}
		case <-ctx.Done():
			logger.Info(name+" shutting down", "reason", ctx.Err())
			return
		}
	}
}
