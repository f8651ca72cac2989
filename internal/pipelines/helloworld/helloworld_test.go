package helloworld

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/geocore/coremachine/internal/coreerr"
)

func TestValidateParams(t *testing.T) {
	s := &Spec{}
	if err := s.ValidateParams(map[string]any{"n": float64(3), "message": "hi"}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	bad := []map[string]any{
		{},
		{"n": "three"},
		{"n": float64(0)},
		{"n": float64(20000)},
		{"n": float64(3), "message": 7},
	}
	for i, params := range bad {
		err := s.ValidateParams(params)
		if coreerr.KindOf(err) != coreerr.KindInvalidParams {
			t.Fatalf("case %d: want invalid_params, got %v", i, err)
		}
	}
}

func TestTwoStageFlow(t *testing.T) {
	s := &Spec{}
	ctx := context.Background()
	params := map[string]any{"n": float64(3), "message": "hi"}

	stage1, err := s.CreateTasksForStage(ctx, 1, params, nil)
	if err != nil {
		t.Fatalf("stage 1: %v", err)
	}
	if len(stage1) != 3 {
		t.Fatalf("want 3 stage-1 tasks, got %d", len(stage1))
	}
	for k, def := range stage1 {
		if def.TaskType != TaskTypeGreet {
			t.Fatalf("task %d type: %s", k, def.TaskType)
		}
	}

	// Run the greet handlers and fold their results into a stage aggregate.
	greet := &GreetHandler{}
	aggregate := map[string]any{"results": map[string]any{}, "completed": 3, "failed": 0}
	for _, def := range stage1 {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		res, err := greet.Execute(ctx, raw)
		if err != nil {
			t.Fatalf("greet %s: %v", def.TaskIndex, err)
		}
		aggregate["results"].(map[string]any)[def.TaskIndex] = res
	}
	if g := aggregate["results"].(map[string]any)["1"].(map[string]any)["greeting"]; g != "hi #1" {
		t.Fatalf("greeting 1: %v", g)
	}

	stage2, err := s.CreateTasksForStage(ctx, 2, params, aggregate)
	if err != nil {
		t.Fatalf("stage 2: %v", err)
	}
	if len(stage2) != 3 {
		t.Fatalf("want 3 stage-2 tasks, got %d", len(stage2))
	}
	reply := &ReplyHandler{}
	for _, def := range stage2 {
		raw, _ := json.Marshal(def.Parameters)
		res, err := reply.Execute(ctx, raw)
		if err != nil {
			t.Fatalf("reply %s: %v", def.TaskIndex, err)
		}
		want := "re: hi #" + def.TaskIndex
		if res["reply"] != want {
			t.Fatalf("reply %s: got %v, want %s", def.TaskIndex, res["reply"], want)
		}
	}

	final, err := s.Finalize(ctx, nil, map[string]any{"1": aggregate})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final["total_greetings"] != 3 {
		t.Fatalf("total_greetings: %v", final["total_greetings"])
	}
}

func TestStageExpansionIsDeterministic(t *testing.T) {
	s := &Spec{}
	ctx := context.Background()
	params := map[string]any{"n": float64(5)}

	a, err := s.CreateTasksForStage(ctx, 1, params, nil)
	if err != nil {
		t.Fatalf("first expansion: %v", err)
	}
	b, err := s.CreateTasksForStage(ctx, 1, params, nil)
	if err != nil {
		t.Fatalf("second expansion: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("expansion size changed: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].TaskIndex != b[i].TaskIndex || a[i].TaskType != b[i].TaskType {
			t.Fatalf("expansion %d diverged: %+v vs %+v", i, a[i], b[i])
		}
	}
}
