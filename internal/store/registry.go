package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrWorkerActive is returned when a registration with a fresh heartbeat
// already exists for the worker id.
var ErrWorkerActive = errors.New("worker already registered and alive")

// Registration is the operational record of one worker process. Liveness
// is determined by heartbeat freshness, never by inspecting the OS process
// table, so the record works across deployment models.
type Registration struct {
	WorkerID      string    `json:"worker_id"`
	PID           int       `json:"pid"`
	Hostname      string    `json:"hostname"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func workerKey(id string) string { return workerPrefix + id }

// RegisterWorker claims the worker slot. A fresh registration blocks the
// start; a stale one (heartbeat older than staleAfter, left by a crash) is
// taken over without operator intervention. The record carries a TTL of
// staleAfter so crashed workers disappear on their own.
func (s *Store) RegisterWorker(ctx context.Context, reg *Registration, staleAfter time.Duration) error {
	reg.LastHeartbeat = time.Now().UTC()
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}

	ok, err := s.client.SetNX(ctx, workerKey(reg.WorkerID), data, staleAfter).Result()
	if err != nil {
		return fmt.Errorf("register worker %s: %w", reg.WorkerID, err)
	}
	if ok {
		return nil
	}

	existing, err := s.GetWorker(ctx, reg.WorkerID)
	if err != nil {
		return err
	}
	if existing != nil && time.Since(existing.LastHeartbeat) < staleAfter {
		return fmt.Errorf("worker %s (pid %d, heartbeat %s ago): %w",
			existing.WorkerID, existing.PID,
			time.Since(existing.LastHeartbeat).Round(time.Second), ErrWorkerActive)
	}

	s.logger.Warn("taking over stale worker registration",
		zap.String("worker_id", reg.WorkerID))
	if err := s.client.Set(ctx, workerKey(reg.WorkerID), data, staleAfter).Err(); err != nil {
		return fmt.Errorf("register worker %s: %w", reg.WorkerID, err)
	}
	return nil
}

// HeartbeatWorker refreshes the registration timestamp and TTL. The record
// is recreated if it lapsed, so a long GC pause does not permanently
// deregister a live worker.
func (s *Store) HeartbeatWorker(ctx context.Context, reg *Registration, staleAfter time.Duration) error {
	reg.LastHeartbeat = time.Now().UTC()
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	if err := s.client.Set(ctx, workerKey(reg.WorkerID), data, staleAfter).Err(); err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", reg.WorkerID, err)
	}
	return nil
}

func (s *Store) DeregisterWorker(ctx context.Context, workerID string) error {
	if err := s.client.Del(ctx, workerKey(workerID)).Err(); err != nil {
		return fmt.Errorf("deregister worker %s: %w", workerID, err)
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (*Registration, error) {
	data, err := s.client.Get(ctx, workerKey(workerID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get worker %s: %w", workerID, err)
	}

	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("unmarshal registration %s: %w", workerID, err)
	}
	return &reg, nil
}

// ListWorkers returns every live registration.
func (s *Store) ListWorkers(ctx context.Context) ([]*Registration, error) {
	keys, err := s.client.Keys(ctx, workerPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	regs := make([]*Registration, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var reg Registration
		if err := json.Unmarshal(data, &reg); err != nil {
			continue
		}
		regs = append(regs, &reg)
	}
	return regs, nil
}
