package repos

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/types"
)

type LineageRepo interface {
	CreateIfAbsent(ctx context.Context, tx *gorm.DB, rec *types.LineageRecord) (bool, error)
	GetVersion(ctx context.Context, tx *gorm.DB, lineageID, versionID string) (*types.LineageRecord, error)
	ListByLineage(ctx context.Context, tx *gorm.DB, lineageID string) ([]*types.LineageRecord, error)
}

type lineageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLineageRepo(db *gorm.DB, baseLog *logger.Logger) LineageRepo {
	return &lineageRepo{
		db:  db,
		log: baseLog.With("repo", "LineageRepo"),
	}
}

func (r *lineageRepo) CreateIfAbsent(ctx context.Context, tx *gorm.DB, rec *types.LineageRecord) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if rec == nil {
		return false, nil
	}
	res := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "lineage_id"}, {Name: "version_id"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *lineageRepo) GetVersion(ctx context.Context, tx *gorm.DB, lineageID, versionID string) (*types.LineageRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if lineageID == "" || versionID == "" {
		return nil, nil
	}
	var rec types.LineageRecord
	err := transaction.WithContext(ctx).
		Where("lineage_id = ? AND version_id = ?", lineageID, versionID).
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.LineageID == "" {
		return nil, nil
	}
	return &rec, nil
}

func (r *lineageRepo) ListByLineage(ctx context.Context, tx *gorm.DB, lineageID string) ([]*types.LineageRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.LineageRecord
	err := transaction.WithContext(ctx).
		Where("lineage_id = ?", lineageID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
