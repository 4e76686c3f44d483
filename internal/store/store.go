package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ryabova/genqueue/internal/batch"
	"github.com/ryabova/genqueue/internal/task"
)

const (
	dispatchKey  = "genqueue:dispatch"
	batchPrefix  = "genqueue:batch:"
	taskPrefix   = "genqueue:task:"
	ownerPrefix  = "genqueue:owner:"
	workerPrefix = "genqueue:worker:"

	transitionAttempts = 5
)

// ErrIllegalTransition is returned when a batch status change violates the
// transition table (for example cancelling an already-terminal batch).
var ErrIllegalTransition = errors.New("illegal batch transition")

// Store holds all cross-process state in Redis: batch records as hashes
// (counters use the server's atomic HINCRBY), task descriptors as JSON
// blobs, the dispatch list consumed by workers, and a per-owner index of
// batches. Terminal records expire after the retention window; non-terminal
// keys never expire.
type Store struct {
	client    *redis.Client
	retention time.Duration
	logger    *zap.Logger
}

func New(addr, password string, db int, retention time.Duration, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Store{client: client, retention: retention, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func batchKey(queueID string) string     { return batchPrefix + queueID }
func completedKey(queueID string) string { return batchPrefix + queueID + ":completed" }
func failedKey(queueID string) string    { return batchPrefix + queueID + ":failed" }
func taskKey(id string) string           { return taskPrefix + id }
func recordedKey(id string) string       { return taskPrefix + id + ":recorded" }
func ownerKey(owner string) string       { return ownerPrefix + owner }

// CreateBatch persists the batch record and every task descriptor in one
// round trip. Nothing is dispatched here: the caller dispatches only after
// this write succeeded, so a task can never exist without a queryable batch.
func (s *Store) CreateBatch(ctx context.Context, b *batch.Batch, tasks []*task.Task) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, batchKey(b.QueueID), batchToMap(b))
	pipe.ZAdd(ctx, ownerKey(b.Owner), redis.Z{
		Score:  float64(b.CreatedAt.UnixNano()),
		Member: b.QueueID,
	})

	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", t.ID, err)
		}
		pipe.Set(ctx, taskKey(t.ID), data, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create batch %s: %w", b.QueueID, err)
	}
	return nil
}

// Dispatch pushes task ids onto the shared work list.
func (s *Store) Dispatch(ctx context.Context, taskIDs []string) error {
	ids := make([]interface{}, len(taskIDs))
	for i, id := range taskIDs {
		ids[i] = id
	}
	if err := s.client.RPush(ctx, dispatchKey, ids...).Err(); err != nil {
		return fmt.Errorf("dispatch tasks: %w", err)
	}
	return nil
}

// PopTask blocks up to timeout for the next dispatched task. Returns
// (nil, nil) when the list stayed empty or the descriptor is gone.
func (s *Store) PopTask(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	result, err := s.client.BLPop(ctx, timeout, dispatchKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("pop task: %w", err)
	}
	return s.GetTask(ctx, result[1])
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// UpdateTask overwrites the task descriptor. Terminal descriptors pick up
// the retention TTL; everything else stays without expiry.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	var ttl time.Duration
	if t.Status.Terminal() {
		ttl = s.retention
	}
	if err := s.client.Set(ctx, taskKey(t.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, queueID string) (*batch.Batch, error) {
	vals, err := s.client.HGetAll(ctx, batchKey(queueID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", queueID, err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return batchFromMap(queueID, vals)
}

// RecordResult persists one terminal task descriptor, appends it to the
// batch's completed or failed collection and bumps the matching counter
// with HINCRBY. The increment is atomic on the server, so concurrent
// completions on the same batch never lose updates. The batch is re-read
// afterwards so the caller can decide on finalization.
//
// The write is guarded by a per-task marker claimed with SETNX, making the
// whole call idempotent: a retry after a transient re-read failure (or a
// duplicate delivery) skips the counter pipeline instead of inflating the
// counters and duplicating list entries.
func (s *Store) RecordResult(ctx context.Context, t *task.Task) (*batch.Batch, error) {
	if !t.Status.Terminal() {
		return nil, fmt.Errorf("record result for task %s: status %q is not terminal", t.ID, t.Status)
	}

	claimed, err := s.client.SetNX(ctx, recordedKey(t.ID), 1, s.retention).Result()
	if err != nil {
		return nil, fmt.Errorf("claim result marker for task %s: %w", t.ID, err)
	}

	field, listKey := "total_completed", completedKey(t.QueueID)
	if t.Status == task.StatusFailed {
		field, listKey = "total_failed", failedKey(t.QueueID)
	}

	if claimed {
		t.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("marshal task %s: %w", t.ID, err)
		}

		pipe := s.client.Pipeline()
		pipe.Set(ctx, taskKey(t.ID), data, s.retention)
		pipe.RPush(ctx, listKey, data)
		pipe.HIncrBy(ctx, batchKey(t.QueueID), field, 1)
		pipe.HSet(ctx, batchKey(t.QueueID), "updated_at", t.UpdatedAt.Format(time.RFC3339Nano))

		if _, err := pipe.Exec(ctx); err != nil {
			// Release the marker so a retry re-runs the pipeline; if the
			// release fails too the task under-counts rather than
			// over-counts, keeping the counter invariant intact.
			s.client.Del(ctx, recordedKey(t.ID))
			return nil, fmt.Errorf("record result for task %s: %w", t.ID, err)
		}
	}

	b, err := s.GetBatch(ctx, t.QueueID)
	if err != nil {
		return nil, err
	}
	// Results recorded after cancellation land on a list created past the
	// terminal transition; re-arm its TTL so it expires with the batch.
	if b != nil && b.Status.Terminal() {
		s.client.Expire(ctx, listKey, s.retention)
	}
	return b, nil
}

// TerminalTasks returns the completion-ordered terminal descriptors of a
// batch, completed and failed separately.
func (s *Store) TerminalTasks(ctx context.Context, queueID string) (completed, failed []*task.Task, err error) {
	pipe := s.client.Pipeline()
	completedCmd := pipe.LRange(ctx, completedKey(queueID), 0, -1)
	failedCmd := pipe.LRange(ctx, failedKey(queueID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, nil, fmt.Errorf("terminal tasks for %s: %w", queueID, err)
	}

	completed = decodeTaskList(completedCmd.Val(), s.logger)
	failed = decodeTaskList(failedCmd.Val(), s.logger)
	return completed, failed, nil
}

func decodeTaskList(items []string, logger *zap.Logger) []*task.Task {
	tasks := make([]*task.Task, 0, len(items))
	for _, item := range items {
		var t task.Task
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			logger.Warn("skipping undecodable task record", zap.Error(err))
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks
}

// TransitionBatch applies a status change under WATCH so concurrent
// writers (cancel vs. finalize) cannot clobber each other. A no-op when
// the batch is already in the target state; ErrIllegalTransition when the
// transition table forbids the move. Entering a terminal state arms the
// retention TTL on the batch keys.
func (s *Store) TransitionBatch(ctx context.Context, queueID string, to batch.Status) error {
	key := batchKey(queueID)

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return fmt.Errorf("batch %s: %w", queueID, redis.Nil)
		}
		b, err := batchFromMap(queueID, vals)
		if err != nil {
			return err
		}
		if b.Status == to {
			return nil
		}
		if !batch.CanTransition(b.Status, to) {
			return fmt.Errorf("batch %s: %s -> %s: %w", queueID, b.Status, to, ErrIllegalTransition)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", string(to),
				"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
			)
			if to.Terminal() {
				pipe.Expire(ctx, key, s.retention)
				pipe.Expire(ctx, completedKey(queueID), s.retention)
				pipe.Expire(ctx, failedKey(queueID), s.retention)
			}
			return nil
		})
		return err
	}

	for i := 0; i < transitionAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return fmt.Errorf("transition batch %s to %s: %w", queueID, to, err)
		}
		return nil
	}
	return fmt.Errorf("transition batch %s to %s: %w", queueID, to, redis.TxFailedErr)
}

// ListOwnerBatches returns the owner's non-terminal batches, newest first.
// Index entries whose batch record has expired are pruned on the way.
func (s *Store) ListOwnerBatches(ctx context.Context, owner string) ([]*batch.Batch, error) {
	ids, err := s.client.ZRevRange(ctx, ownerKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list batches for %s: %w", owner, err)
	}

	active := make([]*batch.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := s.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if b == nil {
			s.client.ZRem(ctx, ownerKey(owner), id)
			continue
		}
		if b.Status.Terminal() {
			continue
		}
		active = append(active, b)
	}
	return active, nil
}

func batchToMap(b *batch.Batch) map[string]interface{} {
	return map[string]interface{}{
		"owner":           b.Owner,
		"project_id":      b.ProjectID,
		"concurrency":     strconv.Itoa(b.Concurrency),
		"status":          string(b.Status),
		"total_tasks":     strconv.Itoa(b.TotalTasks),
		"total_completed": strconv.Itoa(b.TotalCompleted),
		"total_failed":    strconv.Itoa(b.TotalFailed),
		"created_at":      b.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      b.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func batchFromMap(queueID string, vals map[string]string) (*batch.Batch, error) {
	b := &batch.Batch{
		QueueID:   queueID,
		Owner:     vals["owner"],
		ProjectID: vals["project_id"],
		Status:    batch.Status(vals["status"]),
	}

	var err error
	if b.Concurrency, err = strconv.Atoi(vals["concurrency"]); err != nil {
		return nil, fmt.Errorf("batch %s: bad concurrency %q", queueID, vals["concurrency"])
	}
	if b.TotalTasks, err = strconv.Atoi(vals["total_tasks"]); err != nil {
		return nil, fmt.Errorf("batch %s: bad total_tasks %q", queueID, vals["total_tasks"])
	}
	if b.TotalCompleted, err = strconv.Atoi(vals["total_completed"]); err != nil {
		return nil, fmt.Errorf("batch %s: bad total_completed %q", queueID, vals["total_completed"])
	}
	if b.TotalFailed, err = strconv.Atoi(vals["total_failed"]); err != nil {
		return nil, fmt.Errorf("batch %s: bad total_failed %q", queueID, vals["total_failed"])
	}
	if b.CreatedAt, err = time.Parse(time.RFC3339Nano, vals["created_at"]); err != nil {
		return nil, fmt.Errorf("batch %s: bad created_at %q", queueID, vals["created_at"])
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339Nano, vals["updated_at"]); err != nil {
		return nil, fmt.Errorf("batch %s: bad updated_at %q", queueID, vals["updated_at"])
	}
	return b, nil
}
