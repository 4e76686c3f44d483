package generate

import (
	"context"

	"github.com/ryabova/genqueue/internal/task"
)

// Result is the outcome of one successful generation: the artifact paths
// produced by the model (several when the model emits variants).
type Result struct {
	Artifacts []string `json:"artifacts"`
}

// Generator is the black-box model invocation. Implementations must honor
// ctx cancellation; the worker imposes a hard per-task timeout through it.
type Generator interface {
	Generate(ctx context.Context, t *task.Task) (Result, error)
}
