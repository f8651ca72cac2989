package types

import (
	"time"

	"github.com/google/uuid"
)

// LineageRecord tracks version lineage for platform submissions. version_id
// is deliberately excluded from the lineage key so different versions of the
// same resource share a lineage.
type LineageRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	LineageID  string    `gorm:"column:lineage_id;type:char(64);not null;uniqueIndex:idx_lineage_version,priority:1" json:"lineage_id"`
	VersionID  string    `gorm:"column:version_id;not null;uniqueIndex:idx_lineage_version,priority:2" json:"version_id"`
	PlatformID string    `gorm:"column:platform_id;not null" json:"platform_id"`
	DatasetID  string    `gorm:"column:dataset_id;not null" json:"dataset_id"`
	ResourceID string    `gorm:"column:resource_id;not null" json:"resource_id"`
	JobID      string    `gorm:"column:job_id;type:char(64);not null;index" json:"job_id"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (LineageRecord) TableName() string { return "lineage_record" }
