package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/types"
)

type TaskRepo interface {
	// BulkCreateIfAbsent inserts task rows, skipping any whose deterministic
	// task_id already exists. Safe to re-run after a crashed partial fan-out.
	BulkCreateIfAbsent(ctx context.Context, tx *gorm.DB, tasks []*types.Task) (int64, error)
	GetByID(ctx context.Context, tx *gorm.DB, taskID string) (*types.Task, error)
	ListByJob(ctx context.Context, tx *gorm.DB, jobID string, stage *int) ([]*types.Task, error)
	ListByJobStageStatus(ctx context.Context, tx *gorm.DB, jobID string, stage int, status types.TaskStatus) ([]*types.Task, error)
	CountByStatus(ctx context.Context, tx *gorm.DB, jobID string, stage *int) (map[types.TaskStatus]int, error)
	// CountRemaining counts tasks of the stage not yet in a terminal state.
	// Call under the stage advisory lock for last-task detection.
	CountRemaining(ctx context.Context, tx *gorm.DB, jobID string, stage int) (int64, error)
	// UpdateIfStatus applies a guarded update and reports whether a row
	// changed; zero rows means a duplicate delivery already moved the task.
	UpdateIfStatus(ctx context.Context, tx *gorm.DB, taskID string, from types.TaskStatus, updates map[string]interface{}) (bool, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) BulkCreateIfAbsent(ctx context.Context, tx *gorm.DB, tasks []*types.Task) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(tasks) == 0 {
		return 0, nil
	}
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "task_id"}}, DoNothing: true}).
		CreateInBatches(tasks, 100)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *taskRepo) GetByID(ctx context.Context, tx *gorm.DB, taskID string) (*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if taskID == "" {
		return nil, nil
	}
	var task types.Task
	err := transaction.WithContext(ctx).
		Where("task_id = ?", taskID).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.TaskID == "" {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) ListByJob(ctx context.Context, tx *gorm.DB, jobID string, stage *int) ([]*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).Where("parent_job_id = ?", jobID)
	if stage != nil {
		q = q.Where("stage = ?", *stage)
	}
	var out []*types.Task
	if err := q.Order("stage ASC, task_index ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) ListByJobStageStatus(ctx context.Context, tx *gorm.DB, jobID string, stage int, status types.TaskStatus) ([]*types.Task, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Task
	err := transaction.WithContext(ctx).
		Where("parent_job_id = ? AND stage = ? AND status = ?", jobID, stage, status).
		Order("task_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) CountByStatus(ctx context.Context, tx *gorm.DB, jobID string, stage *int) (map[types.TaskStatus]int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	type row struct {
		Status types.TaskStatus
		N      int
	}
	q := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Select("status, count(*) as n").
		Where("parent_job_id = ?", jobID)
	if stage != nil {
		q = q.Where("stage = ?", *stage)
	}
	var rows []row
	if err := q.Group("status").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := map[types.TaskStatus]int{}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func (r *taskRepo) CountRemaining(ctx context.Context, tx *gorm.DB, jobID string, stage int) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("parent_job_id = ? AND stage = ? AND status NOT IN ?", jobID, stage, []types.TaskStatus{types.TaskCompleted, types.TaskFailed}).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (r *taskRepo) UpdateIfStatus(ctx context.Context, tx *gorm.DB, taskID string, from types.TaskStatus, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if taskID == "" {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := transaction.WithContext(ctx).
		Model(&types.Task{}).
		Where("task_id = ? AND status = ?", taskID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
