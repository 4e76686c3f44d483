package batch

import (
	"time"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Batch is one submitted group of generation tasks tracked as a single
// lifecycle unit. Counters are monotonically non-decreasing while the
// batch is processing; total_completed + total_failed never exceeds
// total_tasks.
//
// completed becomes the final status even when every task failed; failed
// is reserved for infrastructure-level failure of the batch itself.
type Batch struct {
	QueueID        string    `json:"queue_id"`
	Owner          string    `json:"owner"`
	ProjectID      string    `json:"project_id,omitempty"`
	Concurrency    int       `json:"concurrency"`
	Status         Status    `json:"status"`
	TotalTasks     int       `json:"total_tasks"`
	TotalCompleted int       `json:"total_completed"`
	TotalFailed    int       `json:"total_failed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

var transitions = map[Status][]Status{
	StatusWaiting:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusCancelled, StatusFailed},
}

// CanTransition reports whether a batch status change is legal.
// Terminal states have no outgoing transitions.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Done reports whether every task has reached a terminal state.
func (b *Batch) Done() bool {
	return b.TotalCompleted+b.TotalFailed >= b.TotalTasks
}
