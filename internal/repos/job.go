package repos

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/types"
)

type JobRepo interface {
	// CreateIfAbsent inserts the job unless its idempotency key already
	// exists. Returns false when a row with the same job_id was present.
	CreateIfAbsent(ctx context.Context, tx *gorm.DB, job *types.Job) (bool, error)
	GetByID(ctx context.Context, tx *gorm.DB, jobID string) (*types.Job, error)
	List(ctx context.Context, tx *gorm.DB, jobType string, status string, limit, offset int) ([]*types.Job, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, jobID string, updates map[string]interface{}) error
	// UpdateStatusIf applies a guarded status transition and reports whether
	// any row changed. Monotone transitions rely on this guard.
	UpdateStatusIf(ctx context.Context, tx *gorm.DB, jobID string, from, to types.JobStatus, extra map[string]interface{}) (bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) CreateIfAbsent(ctx context.Context, tx *gorm.DB, job *types.Job) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return false, nil
	}
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(job)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepo) GetByID(ctx context.Context, tx *gorm.DB, jobID string) (*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return nil, nil
	}
	var job types.Job
	err := transaction.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.JobID == "" {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) List(ctx context.Context, tx *gorm.DB, jobType string, status string, limit, offset int) ([]*types.Job, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := transaction.WithContext(ctx).Model(&types.Job{})
	if jobType != "" {
		q = q.Where("job_type = ?", jobType)
	}
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []*types.Job
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, jobID string, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("job_id = ?", jobID).
		Updates(updates).Error
}

func (r *jobRepo) UpdateStatusIf(ctx context.Context, tx *gorm.DB, jobID string, from, to types.JobStatus, extra map[string]interface{}) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("illegal job status transition %s -> %s", from, to)
	}
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == "" {
		return false, nil
	}
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := transaction.WithContext(ctx).
		Model(&types.Job{}).
		Where("job_id = ? AND status = ?", jobID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
