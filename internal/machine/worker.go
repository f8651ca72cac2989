package machine

import (
	"context"
	"time"

	"github.com/geocore/coremachine/internal/queue"
)

// StartWorkers launches the consumer pools. Each worker handles one message
// at a time; parallelism comes from worker multiplicity, not intra-task
// concurrency. Per-stage serialization happens at the database via advisory
// locks, so no broker-side affinity is needed.
func (m *Machine) StartWorkers(ctx context.Context, jobWorkers, taskWorkers int) {
	if jobWorkers < 1 {
		jobWorkers = 1
	}
	if taskWorkers < 1 {
		taskWorkers = 1
	}
	m.log.Info("Starting dispatch workers", "job_workers", jobWorkers, "task_workers", taskWorkers)
	for i := 0; i < jobWorkers; i++ {
		workerID := i + 1
		go m.runLoop(ctx, workerID, m.jobQueue, m.ProcessJobMessage)
	}
	for i := 0; i < taskWorkers; i++ {
		workerID := i + 1
		go m.runLoop(ctx, workerID, m.taskQueue, m.ProcessTaskMessage)
	}
}

func (m *Machine) runLoop(ctx context.Context, workerID int, q queue.Queue, process func(context.Context, *queue.Delivery) error) {
	log := m.log.With("worker_id", workerID, "queue", q.Name())
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Worker loop stopped")
			return
		case <-ticker.C:
			for {
				d, err := q.Receive(ctx)
				if err != nil {
					log.Warn("Receive failed", "error", err)
					break
				}
				if d == nil {
					break
				}
				if perr := process(ctx, d); perr != nil {
					// Processing errors that were not settled as abandon or
					// dead-letter leave the lease to expire and redeliver.
					log.Error("Message processing failed", "error", perr)
				}
			}
		}
	}
}
