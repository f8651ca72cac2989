package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/geocore/coremachine/internal/types"
)

// TaskHandler executes one task. Handlers are synchronous from the kernel's
// view: they return a result or an error, and must be idempotent because
// delivery is at-least-once.
type TaskHandler interface {
	Type() string
	Execute(ctx context.Context, params json.RawMessage) (map[string]any, error)
}

// JobSpec defines a job_type: its stage count, parameter validation, the
// task factory for each stage, and the final aggregation.
type JobSpec interface {
	Type() string
	TotalStages() int
	ValidateParams(params map[string]any) error
	// CreateTasksForStage proposes the task set for a stage given the job
	// parameters and the aggregated results of the previous stage. Must be
	// deterministic: re-invocation yields identical task indices.
	CreateTasksForStage(ctx context.Context, stage int, params map[string]any, prior map[string]any) ([]types.TaskDefinition, error)
	// Finalize computes result_data when the last stage completes.
	Finalize(ctx context.Context, job *types.Job, stageResults map[string]any) (map[string]any, error)
}

// Registry is the process-wide lookup from task_type to handler and from
// job_type to spec. Populated once at boot; read-mostly afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
	specs    map[string]JobSpec
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]TaskHandler),
		specs:    make(map[string]JobSpec),
	}
}

func (r *Registry) RegisterHandler(h TaskHandler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for task_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) RegisterSpec(s JobSpec) error {
	if s == nil {
		return fmt.Errorf("nil job spec")
	}
	t := s.Type()
	if t == "" {
		return fmt.Errorf("spec Type() is empty")
	}
	if s.TotalStages() < 1 {
		return fmt.Errorf("spec %s: TotalStages must be >= 1", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[t]; exists {
		return fmt.Errorf("spec already registered for job_type=%s", t)
	}
	r.specs[t] = s
	return nil
}

func (r *Registry) GetHandler(taskType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

func (r *Registry) GetSpec(jobType string) (JobSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[jobType]
	return s, ok
}

func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for t := range r.specs {
		out = append(out, t)
	}
	return out
}
