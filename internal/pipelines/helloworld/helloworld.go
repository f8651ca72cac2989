// Package helloworld is the smallest complete pipeline: stage 1 fans out n
// greeting tasks, stage 2 replies to each greeting from the stage-1
// aggregate. It doubles as the smoke-test job type for a fresh deployment.
package helloworld

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/pipelines/pipeutil"
	"github.com/geocore/coremachine/internal/registry"
	"github.com/geocore/coremachine/internal/types"
)

const (
	JobType       = "hello_world"
	TaskTypeGreet = "hello_greet"
	TaskTypeReply = "hello_reply"
)

func Register(reg *registry.Registry) error {
	if err := reg.RegisterSpec(&Spec{}); err != nil {
		return err
	}
	if err := reg.RegisterHandler(&GreetHandler{}); err != nil {
		return err
	}
	return reg.RegisterHandler(&ReplyHandler{})
}

type Spec struct{}

func (s *Spec) Type() string     { return JobType }
func (s *Spec) TotalStages() int { return 2 }

func (s *Spec) ValidateParams(params map[string]any) error {
	n, err := pipeutil.IntParam(params, "n")
	if err != nil {
		return err
	}
	if n < 1 || n > 10000 {
		return coreerr.Newf(coreerr.KindInvalidParams, "n must be in [1,10000], got %d", n)
	}
	if msg, ok := params["message"]; ok {
		if _, isStr := msg.(string); !isStr {
			return coreerr.New(coreerr.KindInvalidParams, "message must be a string")
		}
	}
	return nil
}

func (s *Spec) CreateTasksForStage(ctx context.Context, stage int, params, prior map[string]any) ([]types.TaskDefinition, error) {
	n, err := pipeutil.IntParam(params, "n")
	if err != nil {
		return nil, err
	}
	message := "hello"
	if msg, ok := params["message"].(string); ok && msg != "" {
		message = msg
	}

	switch stage {
	case 1:
		defs := make([]types.TaskDefinition, 0, n)
		for k := 0; k < n; k++ {
			defs = append(defs, types.TaskDefinition{
				TaskType:  TaskTypeGreet,
				TaskIndex: strconv.Itoa(k),
				Parameters: map[string]any{
					"k":       k,
					"message": message,
				},
			})
		}
		return defs, nil
	case 2:
		// One reply per stage-1 greeting, same indices so the pairing is
		// visible in the task table.
		results := pipeutil.PriorResults(prior)
		defs := make([]types.TaskDefinition, 0, len(results))
		for k := 0; k < n; k++ {
			idx := strconv.Itoa(k)
			res, ok := results[idx].(map[string]any)
			if !ok {
				continue
			}
			greeting, _ := res["greeting"].(string)
			defs = append(defs, types.TaskDefinition{
				TaskType:  TaskTypeReply,
				TaskIndex: idx,
				Parameters: map[string]any{
					"greeting": greeting,
				},
			})
		}
		return defs, nil
	default:
		return nil, fmt.Errorf("hello_world has no stage %d", stage)
	}
}

func (s *Spec) Finalize(ctx context.Context, job *types.Job, stageResults map[string]any) (map[string]any, error) {
	total := 0
	if agg, ok := stageResults["1"].(map[string]any); ok {
		total = len(pipeutil.PriorResults(agg))
	}
	return map[string]any{"total_greetings": total}, nil
}

type GreetHandler struct{}

func (h *GreetHandler) Type() string { return TaskTypeGreet }

func (h *GreetHandler) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		K       int    `json:"k"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return map[string]any{"greeting": fmt.Sprintf("%s #%d", p.Message, p.K)}, nil
}

type ReplyHandler struct{}

func (h *ReplyHandler) Type() string { return TaskTypeReply }

func (h *ReplyHandler) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		Greeting string `json:"greeting"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if p.Greeting == "" {
		return nil, fmt.Errorf("empty greeting")
	}
	return map[string]any{"reply": "re: " + p.Greeting}, nil
}

