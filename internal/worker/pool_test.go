package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryabova/genqueue/internal/batch"
	"github.com/ryabova/genqueue/internal/generate"
	"github.com/ryabova/genqueue/internal/store"
	"github.com/ryabova/genqueue/internal/task"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, t *task.Task) (generate.Result, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, t *task.Task) (generate.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.fn != nil {
		return f.fn(ctx, t)
	}
	return generate.Result{Artifacts: []string{"/artifacts/" + t.ID + ".png"}}, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setupTestPool(t *testing.T, gen generate.Generator, slots int, taskTimeout time.Duration) (*Pool, *store.Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	s, err := store.New(mr.Addr(), "", 0, 24*time.Hour, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	return NewPool(s, gen, slots, taskTimeout, zaptest.NewLogger(t)), s, mr
}

// submitBatch persists a batch with n tasks and dispatches them, the same
// sequence the queue manager performs.
func submitBatch(t *testing.T, s *store.Store, n int) (*batch.Batch, []*task.Task) {
	ctx := context.Background()
	now := time.Now().UTC()
	b := &batch.Batch{
		QueueID:     uuid.New().String(),
		Owner:       "alice",
		Concurrency: 2,
		Status:      batch.StatusWaiting,
		TotalTasks:  n,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tasks := make([]*task.Task, n)
	ids := make([]string, n)
	for i := range tasks {
		tasks[i] = &task.Task{
			ID:      uuid.New().String(),
			QueueID: b.QueueID,
			Params: task.Params{
				Prompt:  fmt.Sprintf("prompt %d", i),
				ModelID: "model-1",
				Width:   1024,
				Height:  1024,
				Seed:    int64(i + 1),
			},
			Status:    task.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		ids[i] = tasks[i].ID
	}

	require.NoError(t, s.CreateBatch(ctx, b, tasks))
	require.NoError(t, s.Dispatch(ctx, ids))
	require.NoError(t, s.TransitionBatch(ctx, b.QueueID, batch.StatusProcessing))
	return b, tasks
}

func waitForStatus(t *testing.T, s *store.Store, queueID string, want batch.Status) *batch.Batch {
	t.Helper()
	require.Eventually(t, func() bool {
		b, err := s.GetBatch(context.Background(), queueID)
		return err == nil && b != nil && b.Status == want
	}, 5*time.Second, 20*time.Millisecond)

	got, err := s.GetBatch(context.Background(), queueID)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestPool_BatchCompletesWithOneFailure(t *testing.T) {
	var failedID string
	var mu sync.Mutex

	gen := &fakeGenerator{}
	gen.fn = func(ctx context.Context, tk *task.Task) (generate.Result, error) {
		if tk.Params.Seed == 3 {
			mu.Lock()
			failedID = tk.ID
			mu.Unlock()
			return generate.Result{}, errors.New("model rejected prompt")
		}
		return generate.Result{Artifacts: []string{"/artifacts/" + tk.ID + ".png"}}, nil
	}

	pool, s, mr := setupTestPool(t, gen, 2, time.Minute)
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, _ := submitBatch(t, s, 5)
	pool.Start(ctx)

	final := waitForStatus(t, s, b.QueueID, batch.StatusCompleted)
	assert.Equal(t, 4, final.TotalCompleted)
	assert.Equal(t, 1, final.TotalFailed)

	completed, failed, err := s.TerminalTasks(context.Background(), b.QueueID)
	require.NoError(t, err)
	assert.Len(t, completed, 4)
	require.Len(t, failed, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, failedID, failed[0].ID)
	assert.Equal(t, "model rejected prompt", failed[0].Error)

	cancel()
	pool.Stop(time.Second)
}

func TestPool_AllTasksFailedStillCompletes(t *testing.T) {
	gen := &fakeGenerator{
		fn: func(ctx context.Context, tk *task.Task) (generate.Result, error) {
			return generate.Result{}, errors.New("out of capacity")
		},
	}

	pool, s, mr := setupTestPool(t, gen, 2, time.Minute)
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, _ := submitBatch(t, s, 3)
	pool.Start(ctx)

	// Completed, not failed: batch-level failed is reserved for
	// infrastructure errors.
	final := waitForStatus(t, s, b.QueueID, batch.StatusCompleted)
	assert.Equal(t, 0, final.TotalCompleted)
	assert.Equal(t, 3, final.TotalFailed)

	cancel()
	pool.Stop(time.Second)
}

func TestPool_CancelledQueueSkipsExecution(t *testing.T) {
	gen := &fakeGenerator{}
	pool, s, mr := setupTestPool(t, gen, 2, time.Minute)
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, tasks := submitBatch(t, s, 4)
	require.NoError(t, s.TransitionBatch(ctx, b.QueueID, batch.StatusCancelled))

	pool.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := s.GetBatch(context.Background(), b.QueueID)
		return err == nil && got != nil && got.TotalFailed == len(tasks)
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, 0, gen.callCount())

	got, err := s.GetBatch(context.Background(), b.QueueID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCancelled, got.Status)
	assert.Equal(t, 0, got.TotalCompleted)
	assert.LessOrEqual(t, got.TotalCompleted+got.TotalFailed, got.TotalTasks)

	_, failed, err := s.TerminalTasks(context.Background(), b.QueueID)
	require.NoError(t, err)
	require.Len(t, failed, len(tasks))
	for _, tk := range failed {
		assert.Equal(t, "queue cancelled", tk.Error)
	}

	cancel()
	pool.Stop(time.Second)
}

func TestPool_TimeoutFailsTaskAndFreesSlot(t *testing.T) {
	gen := &fakeGenerator{
		fn: func(ctx context.Context, tk *task.Task) (generate.Result, error) {
			if tk.Params.Seed == 1 {
				<-ctx.Done()
				return generate.Result{}, ctx.Err()
			}
			return generate.Result{Artifacts: []string{"/artifacts/ok.png"}}, nil
		},
	}

	pool, s, mr := setupTestPool(t, gen, 1, 150*time.Millisecond)
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, _ := submitBatch(t, s, 2)
	pool.Start(ctx)

	// The stuck first task times out and the single slot still reaches
	// the second one.
	final := waitForStatus(t, s, b.QueueID, batch.StatusCompleted)
	assert.Equal(t, 1, final.TotalCompleted)
	assert.Equal(t, 1, final.TotalFailed)

	_, failed, err := s.TerminalTasks(context.Background(), b.QueueID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "timed out")

	cancel()
	pool.Stop(time.Second)
}

// A transient store outage on the closing transition must be retried: no
// later event re-triggers finalization for the last task of a batch.
func TestPool_FinalizeRetriesTransientStoreError(t *testing.T) {
	gen := &fakeGenerator{}
	pool, s, mr := setupTestPool(t, gen, 1, time.Minute)
	defer mr.Close()
	ctx := context.Background()

	b, _ := submitBatch(t, s, 1)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	time.AfterFunc(150*time.Millisecond, func() { mr.SetError("") })

	require.NoError(t, pool.transitionWithRetry(ctx, b.QueueID, batch.StatusCompleted))

	got, err := s.GetBatch(ctx, b.QueueID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCompleted, got.Status)
}

func TestPool_FinalizeYieldsToConcurrentCancel(t *testing.T) {
	gen := &fakeGenerator{}
	pool, s, mr := setupTestPool(t, gen, 1, time.Minute)
	defer mr.Close()
	ctx := context.Background()

	b, _ := submitBatch(t, s, 1)
	require.NoError(t, s.TransitionBatch(ctx, b.QueueID, batch.StatusCancelled))

	err := pool.transitionWithRetry(ctx, b.QueueID, batch.StatusCompleted)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)

	got, err := s.GetBatch(ctx, b.QueueID)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusCancelled, got.Status)
}

func TestPool_PanicInGeneratorIsContained(t *testing.T) {
	gen := &fakeGenerator{
		fn: func(ctx context.Context, tk *task.Task) (generate.Result, error) {
			if tk.Params.Seed == 1 {
				panic("corrupted model output")
			}
			return generate.Result{Artifacts: []string{"/artifacts/ok.png"}}, nil
		},
	}

	pool, s, mr := setupTestPool(t, gen, 1, time.Minute)
	defer mr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, _ := submitBatch(t, s, 2)
	pool.Start(ctx)

	final := waitForStatus(t, s, b.QueueID, batch.StatusCompleted)
	assert.Equal(t, 1, final.TotalCompleted)
	assert.Equal(t, 1, final.TotalFailed)

	cancel()
	pool.Stop(time.Second)
}
