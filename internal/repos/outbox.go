package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/types"
)

type OutboxRepo interface {
	Create(ctx context.Context, tx *gorm.DB, queueName string, payload []byte) (*types.OutboxMessage, error)
	// ClaimPending locks a batch of unsent rows for publishing. SKIP LOCKED
	// keeps concurrent pumps from double-claiming.
	ClaimPending(ctx context.Context, tx *gorm.DB, limit int) ([]*types.OutboxMessage, error)
	MarkSent(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error
}

type outboxRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOutboxRepo(db *gorm.DB, baseLog *logger.Logger) OutboxRepo {
	return &outboxRepo{
		db:  db,
		log: baseLog.With("repo", "OutboxRepo"),
	}
}

func (r *outboxRepo) Create(ctx context.Context, tx *gorm.DB, queueName string, payload []byte) (*types.OutboxMessage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	msg := &types.OutboxMessage{
		QueueName: queueName,
		Payload:   datatypes.JSON(payload),
		Status:    types.OutboxPending,
	}
	if err := transaction.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *outboxRepo) ClaimPending(ctx context.Context, tx *gorm.DB, limit int) ([]*types.OutboxMessage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.OutboxMessage
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", types.OutboxPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *outboxRepo) MarkSent(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.OutboxMessage{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":  types.OutboxSent,
			"sent_at": now,
		}).Error
}
