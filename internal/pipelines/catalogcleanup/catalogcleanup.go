// Package catalogcleanup is the single-stage maintenance job that sweeps
// terminal jobs (and their tasks, via the cascade) older than a retention
// window.
package catalogcleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/pipelines/pipeutil"
	"github.com/geocore/coremachine/internal/registry"
	"github.com/geocore/coremachine/internal/types"
)

const (
	JobType       = "catalog_cleanup"
	TaskTypeSweep = "catalog_sweep"

	defaultRetentionDays = 30
)

type Spec struct{}

func (s *Spec) Type() string     { return JobType }
func (s *Spec) TotalStages() int { return 1 }

func (s *Spec) ValidateParams(params map[string]any) error {
	if _, ok := params["older_than_days"]; ok {
		n, err := pipeutil.IntParam(params, "older_than_days")
		if err != nil {
			return err
		}
		if n < 1 {
			return coreerr.Newf(coreerr.KindInvalidParams, "older_than_days must be positive, got %d", n)
		}
	}
	return nil
}

func (s *Spec) CreateTasksForStage(ctx context.Context, stage int, params, prior map[string]any) ([]types.TaskDefinition, error) {
	if stage != 1 {
		return nil, fmt.Errorf("catalog_cleanup has no stage %d", stage)
	}
	days := defaultRetentionDays
	if _, ok := params["older_than_days"]; ok {
		if n, err := pipeutil.IntParam(params, "older_than_days"); err == nil {
			days = n
		}
	}
	return []types.TaskDefinition{{
		TaskType:   TaskTypeSweep,
		TaskIndex:  "0",
		Parameters: map[string]any{"older_than_days": days},
	}}, nil
}

func (s *Spec) Finalize(ctx context.Context, job *types.Job, stageResults map[string]any) (map[string]any, error) {
	out := map[string]any{"jobs_deleted": 0}
	if agg, ok := stageResults["1"].(map[string]any); ok {
		if res := pipeutil.IndexResult(agg, "0"); res != nil {
			if n, ok := res["jobs_deleted"].(float64); ok {
				out["jobs_deleted"] = int(n)
			}
		}
	}
	return out, nil
}

// SweepHandler deletes terminal jobs past retention. The FK cascade removes
// their tasks in the same statement.
type SweepHandler struct {
	log *logger.Logger
	db  *gorm.DB
}

func NewSweepHandler(baseLog *logger.Logger, db *gorm.DB) *SweepHandler {
	return &SweepHandler{log: baseLog.With("handler", TaskTypeSweep), db: db}
}

func (h *SweepHandler) Type() string { return TaskTypeSweep }

func (h *SweepHandler) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		OlderThanDays int `json:"older_than_days"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if p.OlderThanDays < 1 {
		p.OlderThanDays = defaultRetentionDays
	}
	cutoff := time.Now().AddDate(0, 0, -p.OlderThanDays)
	res := h.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []types.JobStatus{
			types.JobCompleted, types.JobCompletedWithErrors, types.JobFailed,
		}, cutoff).
		Delete(&types.Job{})
	if res.Error != nil {
		return nil, fmt.Errorf("sweep jobs: %w", res.Error)
	}
	h.log.Info("Catalog swept", "cutoff", cutoff, "jobs_deleted", res.RowsAffected)
	return map[string]any{"jobs_deleted": res.RowsAffected}, nil
}

func Register(reg *registry.Registry, baseLog *logger.Logger, db *gorm.DB) error {
	if err := reg.RegisterSpec(&Spec{}); err != nil {
		return err
	}
	return reg.RegisterHandler(NewSweepHandler(baseLog, db))
}
