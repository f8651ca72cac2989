package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue messages are JSON on the wire. Every message refers to a row that
// already exists; the row, not the message, is authoritative.

type JobQueueMessage struct {
	JobID         string          `json:"job_id"`
	JobType       string          `json:"job_type"`
	Stage         int             `json:"stage"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

func (m *JobQueueMessage) Validate() error {
	if len(m.JobID) != 64 {
		return fmt.Errorf("job message: job_id must be 64 hex chars, got %q", m.JobID)
	}
	if m.JobType == "" {
		return fmt.Errorf("job message: missing job_type")
	}
	if m.Stage < 1 {
		return fmt.Errorf("job message: stage must be >= 1, got %d", m.Stage)
	}
	return nil
}

type TaskQueueMessage struct {
	TaskID      string          `json:"task_id"`
	ParentJobID string          `json:"parent_job_id"`
	JobType     string          `json:"job_type"`
	TaskType    string          `json:"task_type"`
	Stage       int             `json:"stage"`
	TaskIndex   string          `json:"task_index"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (m *TaskQueueMessage) Validate() error {
	if len(m.TaskID) != 64 {
		return fmt.Errorf("task message: task_id must be 64 hex chars, got %q", m.TaskID)
	}
	if len(m.ParentJobID) != 64 {
		return fmt.Errorf("task message: parent_job_id must be 64 hex chars, got %q", m.ParentJobID)
	}
	if m.TaskType == "" {
		return fmt.Errorf("task message: missing task_type")
	}
	if m.Stage < 1 {
		return fmt.Errorf("task message: stage must be >= 1, got %d", m.Stage)
	}
	return nil
}
