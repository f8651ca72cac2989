package orchestrator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/geocore/coremachine/internal/logger"
	"github.com/geocore/coremachine/internal/types"
)

func testManager(t *testing.T, threshold int) *Manager {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return NewManager(log, threshold)
}

func fanOutDefs(n int) []types.TaskDefinition {
	defs := make([]types.TaskDefinition, 0, n)
	for i := 0; i < n; i++ {
		defs = append(defs, types.TaskDefinition{
			TaskType:   "load_chunk",
			TaskIndex:  fmt.Sprintf("chunk_%d", i),
			Parameters: map[string]any{"chunk": i},
		})
	}
	return defs
}

func TestBuildStageTasksDeterministicIDs(t *testing.T) {
	m := testManager(t, 50)
	jobID := strings.Repeat("a", 64)

	first, err := m.BuildStageTasks(jobID, "vector_ingest", 2, fanOutDefs(5))
	if err != nil {
		t.Fatalf("BuildStageTasks: %v", err)
	}
	second, err := m.BuildStageTasks(jobID, "vector_ingest", 2, fanOutDefs(5))
	if err != nil {
		t.Fatalf("BuildStageTasks (rerun): %v", err)
	}
	if len(first) != 5 || len(second) != 5 {
		t.Fatalf("want 5 tasks each, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].TaskID != second[i].TaskID {
			t.Fatalf("task %d: re-derivation changed task_id: %s vs %s", i, first[i].TaskID, second[i].TaskID)
		}
		if len(first[i].TaskID) != 64 {
			t.Fatalf("task %d: task_id must be 64 hex chars, got %d", i, len(first[i].TaskID))
		}
	}
}

func TestBuildStageTasksDistinctAcrossStages(t *testing.T) {
	m := testManager(t, 50)
	jobID := strings.Repeat("b", 64)

	s1, err := m.BuildStageTasks(jobID, "vector_ingest", 1, fanOutDefs(3))
	if err != nil {
		t.Fatalf("stage 1: %v", err)
	}
	s2, err := m.BuildStageTasks(jobID, "vector_ingest", 2, fanOutDefs(3))
	if err != nil {
		t.Fatalf("stage 2: %v", err)
	}
	for i := range s1 {
		if s1[i].TaskID == s2[i].TaskID {
			t.Fatalf("index %d: stage 1 and stage 2 share a task_id", i)
		}
	}
}

func TestBuildStageTasksRejectsDuplicateIndex(t *testing.T) {
	m := testManager(t, 50)
	defs := []types.TaskDefinition{
		{TaskType: "x", TaskIndex: "0"},
		{TaskType: "x", TaskIndex: "0"},
	}
	if _, err := m.BuildStageTasks(strings.Repeat("c", 64), "j", 1, defs); err == nil {
		t.Fatalf("expected duplicate task_index error")
	}
}

func TestUseBatchEnqueueThresholdBoundary(t *testing.T) {
	m := testManager(t, 50)
	if m.UseBatchEnqueue(49) {
		t.Fatalf("threshold-1 must use individual enqueue")
	}
	if !m.UseBatchEnqueue(50) {
		t.Fatalf("exactly threshold must use batch enqueue")
	}
	if !m.UseBatchEnqueue(200) {
		t.Fatalf("above threshold must use batch enqueue")
	}
}

func TestBuildTaskMessagesMirrorsRows(t *testing.T) {
	m := testManager(t, 50)
	jobID := strings.Repeat("d", 64)
	tasks, err := m.BuildStageTasks(jobID, "vector_ingest", 2, fanOutDefs(2))
	if err != nil {
		t.Fatalf("BuildStageTasks: %v", err)
	}
	msgs := m.BuildTaskMessages(tasks)
	if len(msgs) != len(tasks) {
		t.Fatalf("want %d messages, got %d", len(tasks), len(msgs))
	}
	for i, msg := range msgs {
		if msg.TaskID != tasks[i].TaskID || msg.ParentJobID != jobID || msg.Stage != 2 {
			t.Fatalf("message %d does not mirror its row: %+v", i, msg)
		}
		if err := msg.Validate(); err != nil {
			t.Fatalf("message %d invalid: %v", i, err)
		}
	}
}
