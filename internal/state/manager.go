package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/repos"
	"github.com/geocore/coremachine/internal/types"
)

// Manager owns every transactional job/task state transition. The two
// central transactions are CompleteTask (T1: task finalization plus
// advisory-lock-guarded last-task detection) and AdvanceStage (T2:
// exactly-once stage advancement).
type Manager struct {
	db    *gorm.DB
	log   *logger.Logger
	jobs  repos.JobRepo
	tasks repos.TaskRepo
}

func NewManager(db *gorm.DB, baseLog *logger.Logger, jobs repos.JobRepo, tasks repos.TaskRepo) *Manager {
	return &Manager{
		db:    db,
		log:   baseLog.With("component", "StateManager"),
		jobs:  jobs,
		tasks: tasks,
	}
}

// TaskCompletion is the finalization a dispatcher requests for one task.
type TaskCompletion struct {
	TaskID       string
	Status       types.TaskStatus // completed or failed
	ResultData   map[string]any
	ErrorDetails map[string]any
	RetryCount   int
}

type CompletionResult struct {
	// Applied is false when the task was no longer processing: a duplicate
	// delivery already finalized it and the caller should just complete the
	// lease.
	Applied        bool
	LastTask       bool
	StageAggregate map[string]any
}

type AdvanceResult struct {
	// Applied is false when the job row is no longer at the completed stage;
	// another advancement already won.
	Applied     bool
	Terminal    bool
	FinalStatus types.JobStatus
	NextStage   int
}

// FinalizeFunc computes the job's final result_data inside the terminal
// advancement transaction. stageResults is the parsed stage aggregate map.
type FinalizeFunc func(ctx context.Context, job *types.Job, stageResults map[string]any) (map[string]any, error)

// AdvanceHook runs inside the advancement transaction when the job moves to
// a next stage. The caller uses it to stage the next-stage message in the
// outbox so the advance and the publish commit together.
type AdvanceHook func(tx *gorm.DB, nextStage int) error

// CompleteTask finalizes one task and, under the (job_id, stage) advisory
// lock, atomically detects whether it was the last unfinished task of the
// stage. Exactly one concurrent completion observes remaining=0 and is
// nominated to drive advancement.
func (m *Manager) CompleteTask(ctx context.Context, jobID string, stage int, comp TaskCompletion) (*CompletionResult, error) {
	if !types.TaskProcessing.CanTransitionTo(comp.Status) {
		return nil, fmt.Errorf("complete task %s: illegal transition processing -> %s", comp.TaskID, comp.Status)
	}
	out := &CompletionResult{}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":      comp.Status,
			"retry_count": comp.RetryCount,
			"updated_at":  time.Now(),
		}
		if comp.ResultData != nil {
			b, err := json.Marshal(comp.ResultData)
			if err != nil {
				return fmt.Errorf("marshal task result: %w", err)
			}
			updates["result_data"] = datatypes.JSON(b)
		}
		if comp.ErrorDetails != nil {
			b, err := json.Marshal(comp.ErrorDetails)
			if err != nil {
				return fmt.Errorf("marshal task error details: %w", err)
			}
			updates["error_details"] = datatypes.JSON(b)
		}
		applied, err := m.tasks.UpdateIfStatus(ctx, tx, comp.TaskID, types.TaskProcessing, updates)
		if err != nil {
			return err
		}
		if !applied {
			// Already finalized by an earlier delivery; idempotent no-op.
			return nil
		}
		out.Applied = true

		if err := acquireXactLock(tx, stageLockKey(jobID, stage)); err != nil {
			return fmt.Errorf("acquire stage lock: %w", err)
		}
		remaining, err := m.tasks.CountRemaining(ctx, tx, jobID, stage)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}

		stageTasks, err := m.tasks.ListByJob(ctx, tx, jobID, &stage)
		if err != nil {
			return err
		}
		aggregate := AggregateStageResults(stageTasks)
		if err := m.mergeStageResult(ctx, tx, jobID, stage, aggregate); err != nil {
			return err
		}
		out.LastTask = true
		out.StageAggregate = aggregate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdvanceStage moves the job past completedStage, or terminalizes it when
// completedStage is the final stage. Idempotent: a job already advanced
// yields Applied=false.
func (m *Manager) AdvanceStage(ctx context.Context, jobID string, completedStage int, finalize FinalizeFunc, onAdvance AdvanceHook) (*AdvanceResult, error) {
	out := &AdvanceResult{}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireXactLock(tx, advanceLockKey(jobID)); err != nil {
			return fmt.Errorf("acquire advance lock: %w", err)
		}
		var job types.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("job_id = ?", jobID).
			Limit(1).
			Find(&job).Error
		if err != nil {
			return err
		}
		if job.JobID == "" {
			return fmt.Errorf("advance stage: job %s not found", jobID)
		}
		if job.Stage != completedStage || job.Status.Terminal() {
			// Another advancement won, or the job was cancelled underneath.
			return nil
		}
		out.Applied = true

		if completedStage < job.TotalStages {
			out.NextStage = completedStage + 1
			if err := m.jobs.UpdateFields(ctx, tx, jobID, map[string]interface{}{
				"stage":  out.NextStage,
				"status": types.JobProcessing,
			}); err != nil {
				return err
			}
			if onAdvance != nil {
				return onAdvance(tx, out.NextStage)
			}
			return nil
		}

		failedCounts, err := m.tasks.CountByStatus(ctx, tx, jobID, nil)
		if err != nil {
			return err
		}
		finalStatus := types.JobCompleted
		if failedCounts[types.TaskFailed] > 0 {
			finalStatus = types.JobCompletedWithErrors
		}
		updates := map[string]interface{}{
			"stage":  completedStage,
			"status": finalStatus,
		}
		if finalize != nil {
			stageResults, perr := ParseStageResults(job.StageResults)
			if perr != nil {
				return fmt.Errorf("parse stage results: %w", perr)
			}
			resultData, ferr := finalize(ctx, &job, stageResults)
			if ferr != nil {
				return fmt.Errorf("finalize job %s: %w", jobID, ferr)
			}
			if resultData != nil {
				b, merr := json.Marshal(resultData)
				if merr != nil {
					return fmt.Errorf("marshal result data: %w", merr)
				}
				updates["result_data"] = datatypes.JSON(b)
			}
		}
		if finalStatus == types.JobCompletedWithErrors {
			if details := m.latestFailureDetails(ctx, tx, jobID); details != nil {
				b, _ := json.Marshal(details)
				updates["error_details"] = datatypes.JSON(b)
			}
		}
		out.Terminal = true
		out.FinalStatus = finalStatus
		return m.jobs.UpdateFields(ctx, tx, jobID, updates)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelJob externally terminalizes a non-terminal job. Running handlers are
// not interrupted; the task loop refuses new work for terminal parents.
func (m *Manager) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	details, _ := json.Marshal(map[string]any{"reason": reason, "cancelled_at": time.Now().UTC()})
	extra := map[string]interface{}{"error_details": datatypes.JSON(details)}
	for _, from := range []types.JobStatus{types.JobQueued, types.JobProcessing} {
		applied, err := m.jobs.UpdateStatusIf(ctx, nil, jobID, from, types.JobFailed, extra)
		if err != nil {
			return false, err
		}
		if applied {
			return true, nil
		}
	}
	return false, nil
}

// RecordStageAggregate writes an aggregate for a stage that produced zero
// tasks, so an empty fan-out advances like any other completed stage.
func (m *Manager) RecordStageAggregate(ctx context.Context, jobID string, stage int, aggregate map[string]any) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return m.mergeStageResult(ctx, tx, jobID, stage, aggregate)
	})
}

func (m *Manager) mergeStageResult(ctx context.Context, tx *gorm.DB, jobID string, stage int, aggregate map[string]any) error {
	patch, err := json.Marshal(map[string]any{fmt.Sprintf("%d", stage): aggregate})
	if err != nil {
		return fmt.Errorf("marshal stage aggregate: %w", err)
	}
	return tx.WithContext(ctx).
		Model(&types.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"stage_results": gorm.Expr("COALESCE(stage_results, '{}'::jsonb) || ?::jsonb", string(patch)),
			"updated_at":    time.Now(),
		}).Error
}

func (m *Manager) latestFailureDetails(ctx context.Context, tx *gorm.DB, jobID string) map[string]any {
	var task types.Task
	err := tx.WithContext(ctx).
		Where("parent_job_id = ? AND status = ?", jobID, types.TaskFailed).
		Order("updated_at DESC").
		Limit(1).
		Find(&task).Error
	if err != nil || task.TaskID == "" {
		return nil
	}
	details := map[string]any{
		"task_id":    task.TaskID,
		"task_index": task.TaskIndex,
		"stage":      task.Stage,
	}
	if len(task.ErrorDetails) > 0 {
		var inner map[string]any
		if json.Unmarshal(task.ErrorDetails, &inner) == nil {
			details["error"] = inner
		}
	}
	return details
}

// AggregateStageResults folds the terminal tasks of a stage into the
// aggregate stored on the job row: per-index results plus failure counts.
// Handlers must be commutative with respect to this fold; ordering within a
// stage is not guaranteed.
func AggregateStageResults(tasks []*types.Task) map[string]any {
	results := map[string]any{}
	failedIndices := []string{}
	completed, failed := 0, 0
	for _, t := range tasks {
		switch t.Status {
		case types.TaskCompleted:
			completed++
			if len(t.ResultData) > 0 {
				var r any
				if json.Unmarshal(t.ResultData, &r) == nil {
					results[t.TaskIndex] = r
				}
			}
		case types.TaskFailed:
			failed++
			failedIndices = append(failedIndices, t.TaskIndex)
		}
	}
	sort.Strings(failedIndices)
	return map[string]any{
		"results":        results,
		"completed":      completed,
		"failed":         failed,
		"failed_indices": failedIndices,
	}
}

// ParseStageResults decodes the job's stage_results JSON column.
func ParseStageResults(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StageAggregate extracts the aggregate for one stage from parsed
// stage_results, or nil when absent.
func StageAggregate(stageResults map[string]any, stage int) map[string]any {
	if stageResults == nil {
		return nil
	}
	v, ok := stageResults[fmt.Sprintf("%d", stage)]
	if !ok {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}
