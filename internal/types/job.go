package types

import (
	"time"

	"gorm.io/datatypes"
)

// Job is the durable record of a pipeline submission. JobID is the
// idempotency key: a 64-hex fingerprint of (job_type, canonical params).
type Job struct {
	JobID        string         `gorm:"column:job_id;type:char(64);primaryKey" json:"job_id"`
	JobType      string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status       JobStatus      `gorm:"column:status;not null;index" json:"status"`
	Stage        int            `gorm:"column:stage;not null;default:1" json:"stage"`
	TotalStages  int            `gorm:"column:total_stages;not null" json:"total_stages"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	StageResults datatypes.JSON `gorm:"column:stage_results;type:jsonb" json:"stage_results,omitempty"`
	ResultData   datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	ErrorDetails datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

// JobProgress is the derived view returned by the status API.
type JobProgress struct {
	Job          *Job           `json:"job"`
	TaskCounts   map[string]int `json:"task_counts"`
	TotalTasks   int            `json:"total_tasks"`
	DoneTasks    int            `json:"done_tasks"`
	PercentDone  float64        `json:"percent_done"`
	CurrentStage int            `json:"current_stage"`
	TotalStages  int            `json:"total_stages"`
}
