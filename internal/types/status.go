package types

// Job and task statuses form small DAGs; transitions are monotone and
// enforced at the database by guarded updates, not by these helpers alone.

type JobStatus string

const (
	JobQueued              JobStatus = "queued"
	JobProcessing          JobStatus = "processing"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobFailed              JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobCompletedWithErrors, JobFailed:
		return true
	}
	return false
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobProcessing || next == JobFailed
	case JobProcessing:
		return next == JobCompleted || next == JobCompletedWithErrors || next == JobFailed
	}
	return false
}

type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskQueued:
		return next == TaskProcessing || next == TaskFailed
	case TaskProcessing:
		return next == TaskCompleted || next == TaskFailed
	}
	return false
}
