package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryabova/genqueue/internal/batch"
	"github.com/ryabova/genqueue/internal/store"
	"github.com/ryabova/genqueue/internal/task"
)

const (
	defaultWidth  = 1024
	defaultHeight = 1024
	defaultSeed   = 1
)

// TaskSpec is one requested generation inside a batch submission.
type TaskSpec struct {
	ImageID   string      `json:"image_id,omitempty"`
	SourceRef string      `json:"source_reference,omitempty"`
	Params    task.Params `json:"params"`
}

// QueueStatus is the client-facing view of a batch: the record itself plus
// the completion-ordered terminal task details and a derived pending count.
type QueueStatus struct {
	QueueID        string       `json:"queue_id"`
	Owner          string       `json:"owner"`
	ProjectID      string       `json:"project_id,omitempty"`
	Concurrency    int          `json:"concurrency"`
	Status         batch.Status `json:"status"`
	TotalTasks     int          `json:"total_tasks"`
	TotalCompleted int          `json:"total_completed"`
	TotalFailed    int          `json:"total_failed"`
	PendingTasks   int          `json:"pending_tasks"`
	CompletedTasks []*task.Task `json:"completed_tasks,omitempty"`
	FailedTasks    []*task.Task `json:"failed_tasks,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Manager owns batch creation and the client-facing status, cancel and
// list operations. It is stateless request/response and never waits on
// task execution.
type Manager struct {
	store          *store.Store
	maxConcurrency int
	logger         *zap.Logger
}

func NewManager(s *store.Store, maxConcurrency int, logger *zap.Logger) *Manager {
	return &Manager{store: s, maxConcurrency: maxConcurrency, logger: logger}
}

// CreateQueue validates the submission, persists the batch record and all
// task descriptors, then dispatches the tasks and moves the batch to
// processing. It returns the queue id without waiting for any task to run.
// Nothing is dispatched if the batch record could not be persisted, so no
// task can ever run without a queryable status.
func (m *Manager) CreateQueue(ctx context.Context, owner, projectID string, concurrency int, specs []TaskSpec) (string, error) {
	if owner == "" {
		return "", validationErrorf("owner is required")
	}
	if len(specs) == 0 {
		return "", validationErrorf("tasks must not be empty")
	}
	if concurrency < 1 || concurrency > m.maxConcurrency {
		return "", validationErrorf("concurrency must be between 1 and %d", m.maxConcurrency)
	}
	for i, spec := range specs {
		if spec.Params.ModelID == "" {
			return "", validationErrorf("task %d: model_id is required", i)
		}
	}

	now := time.Now().UTC()
	b := &batch.Batch{
		QueueID:     uuid.New().String(),
		Owner:       owner,
		ProjectID:   projectID,
		Concurrency: concurrency,
		Status:      batch.StatusWaiting,
		TotalTasks:  len(specs),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tasks := make([]*task.Task, len(specs))
	taskIDs := make([]string, len(specs))
	for i, spec := range specs {
		t := &task.Task{
			ID:        uuid.New().String(),
			QueueID:   b.QueueID,
			ImageID:   spec.ImageID,
			SourceRef: spec.SourceRef,
			Params:    withDefaults(spec.Params),
			Status:    task.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		tasks[i] = t
		taskIDs[i] = t.ID
	}

	if err := m.store.CreateBatch(ctx, b, tasks); err != nil {
		return "", fmt.Errorf("persist batch: %w", err)
	}

	if err := m.store.Dispatch(ctx, taskIDs); err != nil {
		// The record exists but no work will ever arrive for it; mark
		// the batch failed rather than leaving it waiting forever.
		if terr := m.store.TransitionBatch(ctx, b.QueueID, batch.StatusFailed); terr != nil {
			m.logger.Error("failed to mark undispatched batch",
				zap.String("queue_id", b.QueueID), zap.Error(terr))
		}
		return "", fmt.Errorf("dispatch batch %s: %w", b.QueueID, err)
	}

	if err := m.store.TransitionBatch(ctx, b.QueueID, batch.StatusProcessing); err != nil {
		m.logger.Warn("batch dispatched but not marked processing",
			zap.String("queue_id", b.QueueID), zap.Error(err))
	}

	m.logger.Info("queue created",
		zap.String("queue_id", b.QueueID),
		zap.String("owner", owner),
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", concurrency))

	return b.QueueID, nil
}

func withDefaults(p task.Params) task.Params {
	if p.Width == 0 {
		p.Width = defaultWidth
	}
	if p.Height == 0 {
		p.Height = defaultHeight
	}
	if p.Seed == 0 {
		p.Seed = defaultSeed
	}
	return p
}

// GetQueueStatus returns the batch record plus terminal task details.
// Counters may trail an in-flight completion by one event; callers poll.
func (m *Manager) GetQueueStatus(ctx context.Context, queueID, owner string) (*QueueStatus, error) {
	b, err := m.authorize(ctx, queueID, owner)
	if err != nil {
		return nil, err
	}

	completed, failed, err := m.store.TerminalTasks(ctx, queueID)
	if err != nil {
		return nil, err
	}
	return newStatus(b, completed, failed), nil
}

// CancelQueue moves a waiting or processing batch to cancelled. Tasks
// already executing run to completion; pending tasks are dropped by the
// workers when they drain them. Cancelling a terminal batch is rejected
// with ErrInvalidState.
func (m *Manager) CancelQueue(ctx context.Context, queueID, owner string) error {
	b, err := m.authorize(ctx, queueID, owner)
	if err != nil {
		return err
	}
	if b.Status.Terminal() {
		return ErrInvalidState
	}

	if err := m.store.TransitionBatch(ctx, queueID, batch.StatusCancelled); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			return ErrInvalidState
		}
		return err
	}

	m.logger.Info("queue cancelled",
		zap.String("queue_id", queueID), zap.String("owner", owner))
	return nil
}

// ListActiveQueues returns the owner's non-terminal batches, most recent
// first, without task details. An owner with none gets an empty slice.
func (m *Manager) ListActiveQueues(ctx context.Context, owner string) ([]*QueueStatus, error) {
	batches, err := m.store.ListOwnerBatches(ctx, owner)
	if err != nil {
		return nil, err
	}

	statuses := make([]*QueueStatus, 0, len(batches))
	for _, b := range batches {
		statuses = append(statuses, newStatus(b, nil, nil))
	}
	return statuses, nil
}

func (m *Manager) authorize(ctx context.Context, queueID, owner string) (*batch.Batch, error) {
	b, err := m.store.GetBatch(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	if b.Owner != owner {
		return nil, ErrForbidden
	}
	return b, nil
}

func newStatus(b *batch.Batch, completed, failed []*task.Task) *QueueStatus {
	pending := b.TotalTasks - b.TotalCompleted - b.TotalFailed
	if pending < 0 {
		pending = 0
	}
	return &QueueStatus{
		QueueID:        b.QueueID,
		Owner:          b.Owner,
		ProjectID:      b.ProjectID,
		Concurrency:    b.Concurrency,
		Status:         b.Status,
		TotalTasks:     b.TotalTasks,
		TotalCompleted: b.TotalCompleted,
		TotalFailed:    b.TotalFailed,
		PendingTasks:   pending,
		CompletedTasks: completed,
		FailedTasks:    failed,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}
