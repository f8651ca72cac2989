package machine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/geocore/coremachine/internal/queue"
)

// StartOutboxPump publishes committed outbox rows to their queues. Rows are
// claimed with SKIP LOCKED and marked sent in the same transaction as the
// publish attempt; a crash between publish and commit yields a duplicate
// send, which the idempotent job loop absorbs.
func (m *Machine) StartOutboxPump(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	routes := map[string]queue.Queue{
		m.cfg.JobQueueName:  m.jobQueue,
		m.cfg.TaskQueueName: m.taskQueue,
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.log.Info("Outbox pump stopped")
				return
			case <-ticker.C:
				if err := m.pumpOutboxOnce(ctx, routes); err != nil {
					m.log.Warn("Outbox pump pass failed", "error", err)
				}
			}
		}
	}()
}

func (m *Machine) pumpOutboxOnce(ctx context.Context, routes map[string]queue.Queue) error {
	return m.tx.Transaction(ctx, func(tx *gorm.DB) error {
		pending, err := m.outbox.ClaimPending(ctx, tx, 50)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		sent := make([]uuid.UUID, 0, len(pending))
		for _, row := range pending {
			q, ok := routes[row.QueueName]
			if !ok {
				m.log.Error("Outbox row targets unknown queue", "queue", row.QueueName, "id", row.ID)
				sent = append(sent, row.ID)
				continue
			}
			if err := q.Send(ctx, []byte(row.Payload)); err != nil {
				// Leave the row pending; the next pass retries.
				return err
			}
			sent = append(sent, row.ID)
		}
		return m.outbox.MarkSent(ctx, tx, sent)
	})
}
