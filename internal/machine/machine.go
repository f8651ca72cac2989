package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/geocore/coremachine/internal/blob"
	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/orchestrator"
	"github.com/geocore/coremachine/internal/queue"
	"github.com/geocore/coremachine/internal/registry"
	"github.com/geocore/coremachine/internal/repos"
	"github.com/geocore/coremachine/internal/state"
	"github.com/geocore/coremachine/internal/types"
)

// StateStore is the slice of the StateManager the dispatch loops use.
type StateStore interface {
	CompleteTask(ctx context.Context, jobID string, stage int, comp state.TaskCompletion) (*state.CompletionResult, error)
	AdvanceStage(ctx context.Context, jobID string, completedStage int, finalize state.FinalizeFunc, onAdvance state.AdvanceHook) (*state.AdvanceResult, error)
	RecordStageAggregate(ctx context.Context, jobID string, stage int, aggregate map[string]any) error
	CancelJob(ctx context.Context, jobID, reason string) (bool, error)
}

// TxRunner abstracts the database transaction wrapper so the loops stay
// testable with fakes.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type gormTxRunner struct{ db *gorm.DB }

func (r gormTxRunner) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func NewGormTxRunner(db *gorm.DB) TxRunner { return gormTxRunner{db: db} }

type Config struct {
	MaxRetries        int
	MaxMessageBytes   int
	OverflowContainer string
	LeaseTimeout      time.Duration
	JobQueueName      string
	TaskQueueName     string
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 256 * 1024
	}
	if c.OverflowContainer == "" {
		c.OverflowContainer = "overflow"
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 5 * time.Minute
	}
}

// Machine is the dispatch kernel: it consumes job-queue and task-queue
// messages, drives the state machine, invokes handlers, and queues
// successors. All authoritative state lives in the database; the machine
// holds no job or task state in memory between messages.
type Machine struct {
	log       *logger.Logger
	tx        TxRunner
	jobs      repos.JobRepo
	tasks     repos.TaskRepo
	outbox    repos.OutboxRepo
	state     StateStore
	registry  *registry.Registry
	orch      *orchestrator.Manager
	jobQueue  queue.Queue
	taskQueue queue.Queue
	blobs     blob.Store
	cfg       Config
}

func NewMachine(
	baseLog *logger.Logger,
	tx TxRunner,
	jobs repos.JobRepo,
	tasks repos.TaskRepo,
	outbox repos.OutboxRepo,
	st StateStore,
	reg *registry.Registry,
	orch *orchestrator.Manager,
	jobQueue queue.Queue,
	taskQueue queue.Queue,
	blobs blob.Store,
	cfg Config,
) *Machine {
	cfg.applyDefaults()
	return &Machine{
		log:       baseLog.With("component", "CoreMachine"),
		tx:        tx,
		jobs:      jobs,
		tasks:     tasks,
		outbox:    outbox,
		state:     st,
		registry:  reg,
		orch:      orch,
		jobQueue:  jobQueue,
		taskQueue: taskQueue,
		blobs:     blobs,
		cfg:       cfg,
	}
}

// Submit validates parameters, derives the idempotency key, and creates the
// job row plus the initial job-queue message in one transaction via the
// outbox. A job that already exists is returned unchanged with
// alreadyExists=true.
func (m *Machine) Submit(ctx context.Context, jobType string, params map[string]any) (*types.Job, bool, error) {
	spec, ok := m.registry.GetSpec(jobType)
	if !ok {
		return nil, false, coreerr.Newf(coreerr.KindInvalidParams, "unknown job_type %q", jobType)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := spec.ValidateParams(params); err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindInvalidParams, "parameter validation failed", err)
	}
	jobID, err := types.DeriveJobID(jobType, params)
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindInvalidParams, "derive job id", err)
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindInvalidParams, "encode parameters", err)
	}
	now := time.Now()
	job := &types.Job{
		JobID:       jobID,
		JobType:     jobType,
		Status:      types.JobQueued,
		Stage:       1,
		TotalStages: spec.TotalStages(),
		Parameters:  datatypes.JSON(paramsJSON),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created := false
	err = m.tx.Transaction(ctx, func(tx *gorm.DB) error {
		ok, cerr := m.jobs.CreateIfAbsent(ctx, tx, job)
		if cerr != nil {
			return cerr
		}
		created = ok
		if !created {
			return nil
		}
		return m.stageJobMessage(ctx, tx, job, 1)
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, gerr := m.jobs.GetByID(ctx, nil, jobID)
		if gerr != nil {
			return nil, false, gerr
		}
		if existing == nil {
			return nil, false, coreerr.Newf(coreerr.KindInternal, "job %s vanished after duplicate detection", jobID)
		}
		return existing, true, nil
	}
	m.log.Info("Job submitted", "job_id", jobID, "job_type", jobType, "total_stages", job.TotalStages)
	return job, false, nil
}

// CancelJob externally terminalizes a job; running handlers finish but no
// new tasks start for it.
func (m *Machine) CancelJob(ctx context.Context, jobID, reason string) (bool, error) {
	return m.state.CancelJob(ctx, jobID, reason)
}

// JobTypes lists the registered job types.
func (m *Machine) JobTypes() []string {
	return m.registry.JobTypes()
}

// stageJobMessage writes a job-queue message to the outbox inside the given
// transaction.
func (m *Machine) stageJobMessage(ctx context.Context, tx *gorm.DB, job *types.Job, stage int) error {
	msg := &types.JobQueueMessage{
		JobID:         job.JobID,
		JobType:       job.JobType,
		Stage:         stage,
		Parameters:    json.RawMessage(job.Parameters),
		CorrelationID: uuid.NewString(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	if _, err := m.outbox.Create(ctx, tx, m.cfg.JobQueueName, payload); err != nil {
		return fmt.Errorf("stage outbox message: %w", err)
	}
	return nil
}

// finalizeFor adapts a JobSpec's Finalize to the StateManager contract,
// resolving any blob-spilled results first so finalizers see real payloads.
func (m *Machine) finalizeFor(spec registry.JobSpec) state.FinalizeFunc {
	return func(ctx context.Context, job *types.Job, stageResults map[string]any) (map[string]any, error) {
		if m.blobs != nil {
			resolved := make(map[string]any, len(stageResults))
			for stage, v := range stageResults {
				agg, ok := v.(map[string]any)
				if !ok {
					resolved[stage] = v
					continue
				}
				full, err := blob.ResolveAggregate(ctx, m.blobs, agg)
				if err != nil {
					return nil, fmt.Errorf("resolve stage %s results: %w", stage, err)
				}
				resolved[stage] = full
			}
			stageResults = resolved
		}
		return spec.Finalize(ctx, job, stageResults)
	}
}

const transientAttempts = 3

// transientRetry runs fn, retrying with exponential backoff and jitter while
// the database reports transient failures. The last error is returned so the
// caller can fall back to a lease abandon.
func (m *Machine) transientRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= transientAttempts; attempt++ {
		if err = fn(); err == nil || !coreerr.IsTransientDB(err) {
			return err
		}
		if attempt == transientAttempts {
			break
		}
		m.log.Warn("Transient database error, retrying in process", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(transientBackoff(attempt)):
		}
	}
	return err
}

func transientBackoff(attempt int) time.Duration {
	d := time.Duration(float64(100*time.Millisecond) * math.Pow(2, float64(attempt-1)))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	delta := float64(d) * 0.20
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// completeTask runs the completion transaction with the in-process transient
// retry around it.
func (m *Machine) completeTask(ctx context.Context, jobID string, stage int, comp state.TaskCompletion) (*state.CompletionResult, error) {
	var res *state.CompletionResult
	err := m.transientRetry(ctx, func() error {
		var cerr error
		res, cerr = m.state.CompleteTask(ctx, jobID, stage, comp)
		return cerr
	})
	return res, err
}

// runAdvancement drives T2 after a last-task detection (or an empty stage).
// On a non-terminal advance the next-stage message is staged in the outbox
// inside the advancement transaction.
func (m *Machine) runAdvancement(ctx context.Context, job *types.Job, completedStage int, spec registry.JobSpec) error {
	var res *state.AdvanceResult
	err := m.transientRetry(ctx, func() error {
		var aerr error
		res, aerr = m.state.AdvanceStage(ctx, job.JobID, completedStage, m.finalizeFor(spec), func(tx *gorm.DB, nextStage int) error {
			return m.stageJobMessage(ctx, tx, job, nextStage)
		})
		return aerr
	})
	if err != nil {
		return err
	}
	if !res.Applied {
		m.log.Debug("Stage advancement no-op", "job_id", job.JobID, "completed_stage", completedStage)
		return nil
	}
	if res.Terminal {
		m.log.Info("Job reached terminal state",
			"job_id", job.JobID,
			"job_type", job.JobType,
			"status", res.FinalStatus,
		)
		return nil
	}
	m.log.Info("Job advanced to next stage", "job_id", job.JobID, "next_stage", res.NextStage)
	return nil
}

func parseParams(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
