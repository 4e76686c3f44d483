package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryabova/genqueue/internal/batch"
	"github.com/ryabova/genqueue/internal/generate"
	"github.com/ryabova/genqueue/internal/store"
	"github.com/ryabova/genqueue/internal/task"
)

const (
	popTimeout    = 2 * time.Second
	storeAttempts = 3
	storeBackoff  = 100 * time.Millisecond
)

// Pool is a fixed-size executor: each slot is a goroutine draining the
// dispatch list. At most `slots` tasks are active at once; a batch's
// requested concurrency is advisory and the effective bound is the smaller
// of the two.
type Pool struct {
	store       *store.Store
	gen         generate.Generator
	slots       int
	taskTimeout time.Duration
	logger      *zap.Logger
	wg          sync.WaitGroup
}

func NewPool(s *store.Store, gen generate.Generator, slots int, taskTimeout time.Duration, logger *zap.Logger) *Pool {
	return &Pool{
		store:       s,
		gen:         gen,
		slots:       slots,
		taskTimeout: taskTimeout,
		logger:      logger,
	}
}

// Start launches the slot goroutines. Cancelling ctx stops them from
// picking up new tasks; tasks already claimed keep running on a detached
// context so a shutdown can drain them.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.slots; i++ {
		p.wg.Add(1)
		go p.slot(ctx, i)
	}
	p.logger.Info("worker pool started", zap.Int("slots", p.slots))
}

// Stop waits up to timeout for in-flight tasks, then gives up. It returns
// false on force-termination; any task still executing at that point is
// left in running state in the store and becomes the staleness rule's
// problem.
func (p *Pool) Stop(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return true
	case <-time.After(timeout):
		p.logger.Warn("worker pool drain timed out, forcing shutdown",
			zap.Duration("timeout", timeout))
		return false
	}
}

func (p *Pool) slot(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("slot", id))
	logger.Debug("slot started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("slot shutting down")
			return
		default:
			t, err := p.store.PopTask(ctx, popTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("pop task failed", zap.Error(err))
				time.Sleep(time.Second)
				continue
			}
			if t == nil {
				continue
			}
			// Finish the claimed task even if shutdown starts meanwhile.
			p.process(context.WithoutCancel(ctx), logger, t)
		}
	}
}

func (p *Pool) process(ctx context.Context, logger *zap.Logger, t *task.Task) {
	logger = logger.With(zap.String("task_id", t.ID), zap.String("queue_id", t.QueueID))

	if t.Status != task.StatusPending {
		logger.Warn("dropping task not in pending state", zap.String("status", string(t.Status)))
		return
	}

	b, err := p.store.GetBatch(ctx, t.QueueID)
	if err != nil {
		logger.Error("read batch failed, task left pending", zap.Error(err))
		return
	}
	if b == nil {
		logger.Warn("batch gone, dropping task")
		return
	}

	// Cancellation is checked only at the task-start boundary.
	if b.Status == batch.StatusCancelled {
		t.Status = task.StatusFailed
		t.Error = "queue cancelled"
		if _, err := p.recordWithRetry(ctx, t); err != nil {
			logger.Error("task lost: could not record cancellation", zap.Error(err))
		}
		return
	}

	t.Status = task.StatusRunning
	if err := p.store.UpdateTask(ctx, t); err != nil {
		logger.Error("mark task running failed", zap.Error(err))
	}

	result, err := p.runGeneration(ctx, t)
	if err != nil {
		t.Status = task.StatusFailed
		t.Error = err.Error()
		logger.Warn("task failed", zap.Error(err))
	} else {
		t.Status = task.StatusCompleted
		t.Result = result.Artifacts
		t.Error = ""
		logger.Info("task completed", zap.Int("artifacts", len(result.Artifacts)))
	}

	updated, err := p.recordWithRetry(ctx, t)
	if err != nil {
		logger.Error("task lost: could not record result", zap.Error(err))
		return
	}

	p.finalize(ctx, logger, updated)
}

// runGeneration bridges the external call into this slot: the call runs on
// its own goroutine under a hard timeout, so an unresponsive model blocks
// only this slot and only until the deadline.
func (p *Pool) runGeneration(ctx context.Context, t *task.Task) (generate.Result, error) {
	genCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	type outcome struct {
		result generate.Result
		err    error
	}
	out := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: fmt.Errorf("generation panicked: %v", r)}
			}
		}()
		result, err := p.gen.Generate(genCtx, t)
		out <- outcome{result: result, err: err}
	}()

	select {
	case o := <-out:
		return o.result, o.err
	case <-genCtx.Done():
		return generate.Result{}, fmt.Errorf("generation timed out after %s", p.taskTimeout)
	}
}

// finalize moves the batch to completed once every task is terminal. A
// cancelled batch stays cancelled: the transition guard rejects leaving a
// terminal state, and losing the race to a sibling slot is a no-op.
// Transient store errors are retried with backoff — this is the last task's
// only chance to close out the batch, no later event re-triggers it.
func (p *Pool) finalize(ctx context.Context, logger *zap.Logger, b *batch.Batch) {
	if b == nil || !b.Done() || b.Status != batch.StatusProcessing {
		return
	}
	if err := p.transitionWithRetry(ctx, b.QueueID, batch.StatusCompleted); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// A concurrent cancel reached the terminal state first.
			logger.Debug("batch already terminal, skipping finalize")
			return
		}
		logger.Error("finalize batch failed", zap.Error(err))
		return
	}
	logger.Info("batch completed",
		zap.Int("total", b.TotalTasks),
		zap.Int("completed", b.TotalCompleted),
		zap.Int("failed", b.TotalFailed))
}

func (p *Pool) transitionWithRetry(ctx context.Context, queueID string, to batch.Status) error {
	var err error
	backoff := storeBackoff
	for attempt := 0; attempt < storeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err = p.store.TransitionBatch(ctx, queueID, to); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrIllegalTransition) {
			return err
		}
	}
	return err
}

func (p *Pool) recordWithRetry(ctx context.Context, t *task.Task) (*batch.Batch, error) {
	var b *batch.Batch
	var err error
	backoff := storeBackoff
	for attempt := 0; attempt < storeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if b, err = p.store.RecordResult(ctx, t); err == nil {
			return b, nil
		}
	}
	return nil, err
}
