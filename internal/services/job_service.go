package services

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/machine"
	"github.com/geocore/coremachine/internal/platformlayer"
	"github.com/geocore/coremachine/internal/queue"
	"github.com/geocore/coremachine/internal/repos"
	"github.com/geocore/coremachine/internal/types"
)

// JobService is the application surface behind the HTTP handlers. It never
// transitions job or task state itself; mutations go through the machine or
// the platform layer.
type JobService interface {
	Submit(ctx context.Context, jobType string, params map[string]any) (*types.Job, bool, error)
	PlatformSubmit(ctx context.Context, req *platformlayer.ExternalRequest, dryRun bool) (*platformlayer.PlatformResult, error)
	GetJob(ctx context.Context, jobID string) (*types.JobProgress, error)
	GetTasks(ctx context.Context, jobID string, stage *int) ([]*types.Task, error)
	List(ctx context.Context, jobType, status string, limit, offset int) ([]*types.Job, error)
	Cancel(ctx context.Context, jobID, reason string) (*types.Job, error)
	JobTypes() []string
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetterEntry, int64, error)
	Health(ctx context.Context) map[string]string
}

type jobService struct {
	log      *logger.Logger
	machine  *machine.Machine
	platform *platformlayer.Layer
	jobs     repos.JobRepo
	tasks    repos.TaskRepo
	dlq      queue.DeadLetterView
	db       *gorm.DB
	redis    *redis.Client
}

func NewJobService(
	baseLog *logger.Logger,
	m *machine.Machine,
	platform *platformlayer.Layer,
	jobs repos.JobRepo,
	tasks repos.TaskRepo,
	dlq queue.DeadLetterView,
	db *gorm.DB,
	rdb *redis.Client,
) JobService {
	return &jobService{
		log:      baseLog.With("service", "JobService"),
		machine:  m,
		platform: platform,
		jobs:     jobs,
		tasks:    tasks,
		dlq:      dlq,
		db:       db,
		redis:    rdb,
	}
}

func (s *jobService) Submit(ctx context.Context, jobType string, params map[string]any) (*types.Job, bool, error) {
	return s.machine.Submit(ctx, jobType, params)
}

func (s *jobService) PlatformSubmit(ctx context.Context, req *platformlayer.ExternalRequest, dryRun bool) (*platformlayer.PlatformResult, error) {
	return s.platform.Submit(ctx, req, dryRun)
}

// GetJob returns the job row plus derived progress: per-status task counts
// over all stages and a completion percentage weighted by stage.
func (s *jobService) GetJob(ctx context.Context, jobID string) (*types.JobProgress, error) {
	job, err := s.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, coreerr.Newf(coreerr.KindJobNotFound, "job %s not found", jobID)
	}
	counts, err := s.tasks.CountByStatus(ctx, nil, jobID, nil)
	if err != nil {
		return nil, err
	}
	progress := &types.JobProgress{
		Job:          job,
		TaskCounts:   map[string]int{},
		CurrentStage: job.Stage,
		TotalStages:  job.TotalStages,
	}
	for status, n := range counts {
		progress.TaskCounts[string(status)] = n
		progress.TotalTasks += n
		if status.Terminal() {
			progress.DoneTasks += n
		}
	}
	progress.PercentDone = percentDone(job, progress.DoneTasks, progress.TotalTasks)
	return progress, nil
}

// percentDone blends stage position with in-stage task completion. Terminal
// jobs report 100 regardless of task counts, since empty stages leave no
// rows behind.
func percentDone(job *types.Job, done, total int) float64 {
	if job.Status.Terminal() {
		return 100
	}
	if job.TotalStages <= 0 {
		return 0
	}
	stageSpan := 100.0 / float64(job.TotalStages)
	base := float64(job.Stage-1) * stageSpan
	if total > 0 {
		base += stageSpan * float64(done) / float64(total)
	}
	if base > 100 {
		base = 100
	}
	return base
}

func (s *jobService) GetTasks(ctx context.Context, jobID string, stage *int) ([]*types.Task, error) {
	job, err := s.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, coreerr.Newf(coreerr.KindJobNotFound, "job %s not found", jobID)
	}
	return s.tasks.ListByJob(ctx, nil, jobID, stage)
}

func (s *jobService) List(ctx context.Context, jobType, status string, limit, offset int) ([]*types.Job, error) {
	return s.jobs.List(ctx, nil, jobType, status, limit, offset)
}

func (s *jobService) Cancel(ctx context.Context, jobID, reason string) (*types.Job, error) {
	job, err := s.jobs.GetByID(ctx, nil, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, coreerr.Newf(coreerr.KindJobNotFound, "job %s not found", jobID)
	}
	cancelled, err := s.machine.CancelJob(ctx, jobID, reason)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		// Already terminal; return the row as-is.
		s.log.Info("Cancel was a no-op, job already terminal", "job_id", jobID, "status", job.Status)
		return job, nil
	}
	return s.jobs.GetByID(ctx, nil, jobID)
}

func (s *jobService) JobTypes() []string {
	return s.machine.JobTypes()
}

func (s *jobService) DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetterEntry, int64, error) {
	if s.dlq == nil {
		return nil, 0, nil
	}
	entries, err := s.dlq.Peek(ctx, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.dlq.Len(ctx)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Health pings the two stateful backends. Degraded answers still return so
// the probe can distinguish which side is down.
func (s *jobService) Health(ctx context.Context) map[string]string {
	out := map[string]string{"postgres": "ok", "redis": "ok"}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			out["postgres"] = err.Error()
		} else if err := sqlDB.PingContext(ctx); err != nil {
			out["postgres"] = err.Error()
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			out["redis"] = err.Error()
		}
	}
	return out
}
