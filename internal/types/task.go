package types

import (
	"time"

	"gorm.io/datatypes"
)

// Task is the smallest dispatchable unit. TaskID is deterministic from
// (parent_job_id, stage, task_index) so that re-running stage expansion after
// a crash converges on the same rows.
type Task struct {
	TaskID       string         `gorm:"column:task_id;type:char(64);primaryKey" json:"task_id"`
	ParentJobID  string         `gorm:"column:parent_job_id;type:char(64);not null;index:idx_task_job_stage_status,priority:1;index:idx_task_job_updated,priority:1" json:"parent_job_id"`
	JobType      string         `gorm:"column:job_type;not null" json:"job_type"`
	TaskType     string         `gorm:"column:task_type;not null;index" json:"task_type"`
	Stage        int            `gorm:"column:stage;not null;index:idx_task_job_stage_status,priority:2" json:"stage"`
	TaskIndex    string         `gorm:"column:task_index;not null" json:"task_index"`
	Status       TaskStatus     `gorm:"column:status;not null;index:idx_task_job_stage_status,priority:3" json:"status"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	ResultData   datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	RetryCount   int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	ErrorDetails datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now();index:idx_task_job_updated,priority:2" json:"updated_at"`
}

func (Task) TableName() string { return "task" }

// TaskDefinition is what a JobSpec proposes for a stage; the orchestrator
// turns it into a Task row plus a queue message.
type TaskDefinition struct {
	TaskType   string         `json:"task_type"`
	TaskIndex  string         `json:"task_index"`
	Parameters map[string]any `json:"parameters"`
}
