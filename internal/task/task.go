package task

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Params are the generation request parameters carried by a task.
// ModelID is the only required field; width/height default to 1024
// and seed to 1 at the API boundary.
type Params struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	ModelID        string `json:"model_id"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Steps          int    `json:"steps,omitempty"`
	Seed           int64  `json:"seed"`
	Enhance        bool   `json:"enhance"`
}

// Task is one generation request and its outcome. A task is mutated only
// by the worker that claimed it and is immutable once terminal.
type Task struct {
	ID        string    `json:"id"`
	QueueID   string    `json:"queue_id"`
	ImageID   string    `json:"image_id,omitempty"`
	SourceRef string    `json:"source_reference,omitempty"`
	Params    Params    `json:"params"`
	Status    Status    `json:"status"`
	Result    []string  `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// pending may move straight to failed when its queue was cancelled
// before the task ever started.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
