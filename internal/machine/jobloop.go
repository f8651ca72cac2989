package machine

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/geocore/coremachine/internal/blob"
	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/queue"
	"github.com/geocore/coremachine/internal/state"
	"github.com/geocore/coremachine/internal/types"
)

// ProcessJobMessage handles one job-queue delivery: expand the stage into
// task rows, then enqueue a message per row. Every step is idempotent, so a
// redelivery after a crash resumes where the previous attempt stopped.
func (m *Machine) ProcessJobMessage(ctx context.Context, d *queue.Delivery) error {
	var msg types.JobQueueMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return m.jobQueue.DeadLetter(ctx, d, string(coreerr.KindPoison), err.Error())
	}
	if err := msg.Validate(); err != nil {
		return m.jobQueue.DeadLetter(ctx, d, string(coreerr.KindPoison), err.Error())
	}
	log := m.log.With("job_id", msg.JobID, "job_type", msg.JobType, "stage", msg.Stage, "correlation_id", msg.CorrelationID)

	job, err := m.jobs.GetByID(ctx, nil, msg.JobID)
	if err != nil {
		if coreerr.IsTransientDB(err) {
			return m.jobQueue.Abandon(ctx, d)
		}
		return err
	}
	if job == nil {
		return m.jobQueue.DeadLetter(ctx, d, string(coreerr.KindJobNotFound), "no job row for message")
	}
	if job.Stage > msg.Stage || job.Status.Terminal() {
		log.Debug("Duplicate job message for past stage, completing lease")
		return m.jobQueue.Complete(ctx, d)
	}

	spec, ok := m.registry.GetSpec(msg.JobType)
	if !ok {
		return m.jobQueue.DeadLetter(ctx, d, string(coreerr.KindUnknownHandler), "no spec registered for job_type="+msg.JobType)
	}

	params, err := parseParams(job.Parameters)
	if err != nil {
		return m.jobQueue.DeadLetter(ctx, d, string(coreerr.KindPoison), "job parameters unreadable: "+err.Error())
	}
	stageResults, err := state.ParseStageResults(job.StageResults)
	if err != nil {
		return m.jobQueue.DeadLetter(ctx, d, string(coreerr.KindPoison), "stage results unreadable: "+err.Error())
	}
	prior := state.StageAggregate(stageResults, msg.Stage-1)
	if m.blobs != nil && prior != nil {
		// Oversized results were spilled to blob storage by the task loop;
		// the stage factory needs the real payloads back.
		prior, err = blob.ResolveAggregate(ctx, m.blobs, prior)
		if err != nil {
			log.Warn("Prior stage result resolve failed, abandoning for redelivery", "error", err)
			return m.jobQueue.Abandon(ctx, d)
		}
	}

	defs, err := spec.CreateTasksForStage(ctx, msg.Stage, params, prior)
	if err != nil {
		log.Error("Task factory failed", "error", err)
		return m.jobQueue.DeadLetter(ctx, d, string(coreerr.KindHandlerError), err.Error())
	}

	// An empty stage is instantly complete: record an empty aggregate and
	// advance immediately.
	if len(defs) == 0 {
		log.Info("Stage produced no tasks, advancing immediately")
		err := m.transientRetry(ctx, func() error {
			return m.state.RecordStageAggregate(ctx, job.JobID, msg.Stage, state.AggregateStageResults(nil))
		})
		if err != nil {
			return m.retryOrAbandon(ctx, m.jobQueue, d, err)
		}
		if err := m.markProcessingIfFirstStage(ctx, job, msg.Stage); err != nil {
			return m.retryOrAbandon(ctx, m.jobQueue, d, err)
		}
		if err := m.runAdvancement(ctx, job, msg.Stage, spec); err != nil {
			return m.retryOrAbandon(ctx, m.jobQueue, d, err)
		}
		return m.jobQueue.Complete(ctx, d)
	}

	rows, err := m.orch.BuildStageTasks(job.JobID, job.JobType, msg.Stage, defs)
	if err != nil {
		return m.jobQueue.DeadLetter(ctx, d, string(coreerr.KindHandlerError), err.Error())
	}
	inserted, err := m.tasks.BulkCreateIfAbsent(ctx, nil, rows)
	if err != nil {
		return m.retryOrAbandon(ctx, m.jobQueue, d, err)
	}
	if inserted < int64(len(rows)) {
		log.Info("Stage expansion resumed over existing rows", "proposed", len(rows), "inserted", inserted)
	}

	if err := m.markProcessingIfFirstStage(ctx, job, msg.Stage); err != nil {
		return m.retryOrAbandon(ctx, m.jobQueue, d, err)
	}

	// Only rows still queued need messages; terminal or in-flight rows from
	// a previous attempt are left alone. Messages go out only after rows
	// exist, so every message refers to a row.
	queued, err := m.tasks.ListByJobStageStatus(ctx, nil, job.JobID, msg.Stage, types.TaskQueued)
	if err != nil {
		return m.retryOrAbandon(ctx, m.jobQueue, d, err)
	}
	msgs := m.orch.BuildTaskMessages(queued)
	if err := m.enqueueTaskMessages(ctx, msgs); err != nil {
		log.Warn("Task enqueue failed, abandoning for redelivery", "error", err)
		return m.jobQueue.Abandon(ctx, d)
	}
	log.Info("Stage dispatched", "tasks", len(msgs), "batch", m.orch.UseBatchEnqueue(len(msgs)))
	return m.jobQueue.Complete(ctx, d)
}

func (m *Machine) markProcessingIfFirstStage(ctx context.Context, job *types.Job, stage int) error {
	if stage != 1 || job.Status != types.JobQueued {
		return nil
	}
	_, err := m.jobs.UpdateStatusIf(ctx, nil, job.JobID, types.JobQueued, types.JobProcessing, nil)
	return err
}

func (m *Machine) enqueueTaskMessages(ctx context.Context, msgs []*types.TaskQueueMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if m.orch.UseBatchEnqueue(len(msgs)) {
		bodies := make([][]byte, 0, len(msgs))
		for _, msg := range msgs {
			b, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			bodies = append(bodies, b)
		}
		return m.taskQueue.SendBatch(ctx, bodies)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			b, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			return m.taskQueue.Send(gctx, b)
		})
	}
	return g.Wait()
}

// retryOrAbandon maps transient failures to a lease abandon (broker retries
// after the visibility timeout) and propagates everything else.
func (m *Machine) retryOrAbandon(ctx context.Context, q queue.Queue, d *queue.Delivery, err error) error {
	if coreerr.IsTransientDB(err) {
		m.log.Warn("Transient database error, abandoning lease", "queue", q.Name(), "error", err)
		return q.Abandon(ctx, d)
	}
	return err
}
