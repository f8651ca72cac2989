package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// OutboxMessage bridges the job-row transaction and the broker: the row and
// the outbox entry commit together, then a background pump publishes.
type OutboxMessage struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	QueueName string         `gorm:"column:queue_name;not null" json:"queue_name"`
	Payload   datatypes.JSON `gorm:"column:payload;type:jsonb;not null" json:"payload"`
	Status    string         `gorm:"column:status;not null;default:pending;index" json:"status"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	SentAt    *time.Time     `gorm:"column:sent_at" json:"sent_at,omitempty"`
}

func (OutboxMessage) TableName() string { return "outbox_message" }

const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
)
