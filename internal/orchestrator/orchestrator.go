package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/types"
)

// Manager turns JobSpec task proposals into concrete rows and messages.
// It is stateless: everything derives from (job_id, stage, definitions), so
// a crashed partial fan-out converges on the same task set when re-run.
//
// Three composition shapes fall out naturally: a single definition (validate
// or finalize stages), N definitions (fan-out), and one definition whose
// parameters reference prior stage outputs (fan-in).
type Manager struct {
	log            *logger.Logger
	batchThreshold int
}

func NewManager(baseLog *logger.Logger, batchThreshold int) *Manager {
	if batchThreshold <= 0 {
		batchThreshold = 50
	}
	return &Manager{
		log:            baseLog.With("component", "OrchestrationManager"),
		batchThreshold: batchThreshold,
	}
}

// BuildStageTasks materializes task rows for one stage. Task IDs are
// deterministic over (job_id, stage, task_index).
func (m *Manager) BuildStageTasks(jobID, jobType string, stage int, defs []types.TaskDefinition) ([]*types.Task, error) {
	seen := make(map[string]bool, len(defs))
	now := time.Now()
	out := make([]*types.Task, 0, len(defs))
	for i, def := range defs {
		if def.TaskType == "" {
			return nil, fmt.Errorf("stage %d definition %d: missing task_type", stage, i)
		}
		if def.TaskIndex == "" {
			return nil, fmt.Errorf("stage %d definition %d: missing task_index", stage, i)
		}
		if seen[def.TaskIndex] {
			return nil, fmt.Errorf("stage %d: duplicate task_index %q", stage, def.TaskIndex)
		}
		seen[def.TaskIndex] = true

		params, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("stage %d index %s: marshal parameters: %w", stage, def.TaskIndex, err)
		}
		out = append(out, &types.Task{
			TaskID:      types.DeriveTaskID(jobID, stage, def.TaskIndex),
			ParentJobID: jobID,
			JobType:     jobType,
			TaskType:    def.TaskType,
			Stage:       stage,
			TaskIndex:   def.TaskIndex,
			Status:      types.TaskQueued,
			Parameters:  params,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return out, nil
}

// BuildTaskMessages produces the wire messages for a task set.
func (m *Manager) BuildTaskMessages(tasks []*types.Task) []*types.TaskQueueMessage {
	out := make([]*types.TaskQueueMessage, 0, len(tasks))
	now := time.Now().UTC()
	for _, t := range tasks {
		out = append(out, &types.TaskQueueMessage{
			TaskID:      t.TaskID,
			ParentJobID: t.ParentJobID,
			JobType:     t.JobType,
			TaskType:    t.TaskType,
			Stage:       t.Stage,
			TaskIndex:   t.TaskIndex,
			Parameters:  json.RawMessage(t.Parameters),
			RetryCount:  t.RetryCount,
			Timestamp:   now,
		})
	}
	return out
}

// UseBatchEnqueue reports whether a fan-out of n tasks crosses the batch
// threshold; below it, individual sends are acceptable.
func (m *Manager) UseBatchEnqueue(n int) bool {
	return n >= m.batchThreshold
}

func (m *Manager) BatchThreshold() int { return m.batchThreshold }
