package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/geocore/coremachine/internal/blob"
	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/queue"
	"github.com/geocore/coremachine/internal/registry"
	"github.com/geocore/coremachine/internal/state"
	"github.com/geocore/coremachine/internal/types"
)

// ProcessTaskMessage handles one task-queue delivery: claim the row, invoke
// the handler, and run the completion transaction. Duplicates at any point
// resolve to no-ops because every transition is guarded by the row's current
// status.
func (m *Machine) ProcessTaskMessage(ctx context.Context, d *queue.Delivery) error {
	var msg types.TaskQueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return m.taskQueue.DeadLetter(ctx, d, string(coreerr.KindPoison), err.Error())
	}
	if err := msg.Validate(); err != nil {
		return m.taskQueue.DeadLetter(ctx, d, string(coreerr.KindPoison), err.Error())
	}
	log := m.log.With("task_id", msg.TaskID, "job_id", msg.ParentJobID, "task_type", msg.TaskType, "stage", msg.Stage, "task_index", msg.TaskIndex)

	task, err := m.tasks.GetByID(ctx, nil, msg.TaskID)
	if err != nil {
		return m.retryOrAbandon(ctx, m.taskQueue, d, err)
	}
	if task == nil {
		return m.taskQueue.DeadLetter(ctx, d, string(coreerr.KindJobNotFound), "no task row for message")
	}
	if task.Status.Terminal() {
		log.Debug("Task already terminal, completing lease")
		return m.taskQueue.Complete(ctx, d)
	}

	job, err := m.jobs.GetByID(ctx, nil, task.ParentJobID)
	if err != nil {
		return m.retryOrAbandon(ctx, m.taskQueue, d, err)
	}
	if job == nil {
		return m.taskQueue.DeadLetter(ctx, d, string(coreerr.KindJobNotFound), "parent job missing")
	}
	spec, ok := m.registry.GetSpec(task.JobType)
	if !ok {
		return m.taskQueue.DeadLetter(ctx, d, string(coreerr.KindUnknownHandler), "no spec registered for job_type="+task.JobType)
	}

	// Cooperative cancellation: terminal parents get no new handler runs.
	if job.Status.Terminal() {
		log.Info("Parent job terminal before task ran, failing task", "job_status", job.Status)
		return m.failWithoutRun(ctx, d, job, task, spec, coreerr.KindParentCancelled, "parent job is "+string(job.Status))
	}

	handler, ok := m.registry.GetHandler(task.TaskType)
	if !ok {
		log.Error("No handler registered", "task_type", task.TaskType)
		return m.failWithoutRun(ctx, d, job, task, spec, coreerr.KindUnknownHandler, "no handler registered for task_type="+task.TaskType)
	}

	claimed, err := m.tasks.UpdateIfStatus(ctx, nil, task.TaskID, types.TaskQueued, map[string]interface{}{
		"status": types.TaskProcessing,
	})
	if err != nil {
		return m.retryOrAbandon(ctx, m.taskQueue, d, err)
	}
	if !claimed {
		// Another delivery holds the task (or already finalized it); its
		// own T1 will settle the row.
		log.Debug("Task not claimable, duplicate delivery", "status", task.Status)
		return m.taskQueue.Complete(ctx, d)
	}

	result, handlerErr := m.invokeHandler(ctx, d, handler, task)

	if handlerErr == nil {
		stored := result
		if m.blobs != nil {
			stored, err = blob.OffloadResult(ctx, m.blobs, m.cfg.OverflowContainer, task.ParentJobID, task.TaskID, result, m.cfg.MaxMessageBytes)
			if err != nil {
				log.Warn("Result overflow to blob failed", "error", err)
				handlerErr = fmt.Errorf("offload result: %w", err)
			}
		}
		if handlerErr == nil {
			return m.settleCompleted(ctx, d, job, task, spec, stored, log)
		}
	}

	return m.settleFailed(ctx, d, job, task, spec, handlerErr, log)
}

// invokeHandler runs the handler synchronously while a background ticker
// renews the lease at half the visibility timeout. Panics become errors.
func (m *Machine) invokeHandler(ctx context.Context, d *queue.Delivery, handler registry.TaskHandler, task *types.Task) (result map[string]any, err error) {
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go func() {
		ticker := time.NewTicker(m.cfg.LeaseTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if rerr := m.taskQueue.Renew(renewCtx, d); rerr != nil {
					m.log.Warn("Lease renewal failed", "task_id", task.TaskID, "error", rerr)
				}
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Task handler panic", "task_id", task.TaskID, "task_type", task.TaskType, "panic", r)
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Execute(ctx, json.RawMessage(task.Parameters))
}

func (m *Machine) settleCompleted(ctx context.Context, d *queue.Delivery, job *types.Job, task *types.Task, spec registry.JobSpec, result map[string]any, log *logger.Logger) error {
	comp := state.TaskCompletion{
		TaskID:     task.TaskID,
		Status:     types.TaskCompleted,
		ResultData: result,
		RetryCount: task.RetryCount,
	}
	t1, err := m.completeTask(ctx, job.JobID, task.Stage, comp)
	if err != nil {
		return m.retryOrAbandon(ctx, m.taskQueue, d, err)
	}
	if t1.Applied && t1.LastTask {
		if err := m.runAdvancement(ctx, job, task.Stage, spec); err != nil {
			return m.retryOrAbandon(ctx, m.taskQueue, d, err)
		}
	}
	log.Info("Task completed", "last_task", t1.LastTask, "applied", t1.Applied)
	return m.taskQueue.Complete(ctx, d)
}

func (m *Machine) settleFailed(ctx context.Context, d *queue.Delivery, job *types.Job, task *types.Task, spec registry.JobSpec, handlerErr error, log *logger.Logger) error {
	newRetry := task.RetryCount + 1
	if newRetry < m.cfg.MaxRetries {
		log.Warn("Handler failed, requeueing for retry", "retry_count", newRetry, "error", handlerErr)
		requeued, err := m.tasks.UpdateIfStatus(ctx, nil, task.TaskID, types.TaskProcessing, map[string]interface{}{
			"status":      types.TaskQueued,
			"retry_count": newRetry,
		})
		if err != nil {
			return m.retryOrAbandon(ctx, m.taskQueue, d, err)
		}
		if !requeued {
			return m.taskQueue.Complete(ctx, d)
		}
		return m.taskQueue.Abandon(ctx, d)
	}

	log.Error("Handler failed after max retries, dead-lettering", "retry_count", newRetry, "error", handlerErr)
	comp := state.TaskCompletion{
		TaskID: task.TaskID,
		Status: types.TaskFailed,
		ErrorDetails: map[string]any{
			"error":       handlerErr.Error(),
			"error_kind":  string(coreerr.KindHandlerError),
			"retry_count": newRetry,
		},
		RetryCount: newRetry,
	}
	t1, err := m.completeTask(ctx, job.JobID, task.Stage, comp)
	if err != nil {
		return m.retryOrAbandon(ctx, m.taskQueue, d, err)
	}
	if t1.Applied && t1.LastTask {
		if err := m.runAdvancement(ctx, job, task.Stage, spec); err != nil {
			return m.retryOrAbandon(ctx, m.taskQueue, d, err)
		}
	}
	return m.taskQueue.DeadLetter(ctx, d, string(coreerr.KindHandlerError), handlerErr.Error())
}

// failWithoutRun finalizes a task that must not run (cancelled parent or
// missing handler). The claim still goes through queued→processing so the
// completion transaction keeps its single legal path.
func (m *Machine) failWithoutRun(ctx context.Context, d *queue.Delivery, job *types.Job, task *types.Task, spec registry.JobSpec, kind coreerr.Kind, reason string) error {
	claimed, err := m.tasks.UpdateIfStatus(ctx, nil, task.TaskID, types.TaskQueued, map[string]interface{}{
		"status": types.TaskProcessing,
	})
	if err != nil {
		return m.retryOrAbandon(ctx, m.taskQueue, d, err)
	}
	if !claimed {
		return m.taskQueue.Complete(ctx, d)
	}
	comp := state.TaskCompletion{
		TaskID: task.TaskID,
		Status: types.TaskFailed,
		ErrorDetails: map[string]any{
			"error":      reason,
			"error_kind": string(kind),
		},
		RetryCount: task.RetryCount,
	}
	t1, err := m.completeTask(ctx, job.JobID, task.Stage, comp)
	if err != nil {
		return m.retryOrAbandon(ctx, m.taskQueue, d, err)
	}
	if t1.Applied && t1.LastTask {
		if err := m.runAdvancement(ctx, job, task.Stage, spec); err != nil {
			return m.retryOrAbandon(ctx, m.taskQueue, d, err)
		}
	}
	if kind == coreerr.KindUnknownHandler {
		return m.taskQueue.DeadLetter(ctx, d, string(kind), reason)
	}
	return m.taskQueue.Complete(ctx, d)
}
