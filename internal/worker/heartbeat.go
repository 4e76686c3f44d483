package worker

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryabova/genqueue/internal/store"
)

// staleFactor sets the registration TTL relative to the heartbeat
// interval: a worker missing three beats is considered dead.
const staleFactor = 3

// Register claims the worker slot in the store, refusing to start over a
// live registration and taking over a stale one left by a crash.
func Register(ctx context.Context, s *store.Store, workerID string, interval time.Duration) (*store.Registration, error) {
	hostname, _ := os.Hostname()
	reg := &store.Registration{
		WorkerID:  workerID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	}
	if err := s.RegisterWorker(ctx, reg, staleFactor*interval); err != nil {
		return nil, err
	}
	return reg, nil
}

// Heartbeat refreshes the registration until ctx is cancelled, then
// deregisters. Run it on its own goroutine next to the pool.
func Heartbeat(ctx context.Context, s *store.Store, reg *store.Registration, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.DeregisterWorker(context.WithoutCancel(ctx), reg.WorkerID); err != nil {
				logger.Warn("deregister failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := s.HeartbeatWorker(ctx, reg, staleFactor*interval); err != nil {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
