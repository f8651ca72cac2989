// Package mosaic stitches a set of scene blobs into one output: stage 1 fans
// out a tile task per scene, stage 2 is the fan-in assembly.
package mosaic

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/pipelines/pipeutil"
	"github.com/geocore/coremachine/internal/registry"
	"github.com/geocore/coremachine/internal/types"
)

const (
	JobType          = "mosaic"
	TaskTypeTile     = "mosaic_tile"
	TaskTypeAssemble = "mosaic_assemble"
)

type Spec struct{}

func (s *Spec) Type() string     { return JobType }
func (s *Spec) TotalStages() int { return 2 }

func (s *Spec) ValidateParams(params map[string]any) error {
	if _, err := pipeutil.StringParam(params, "output_name"); err != nil {
		return err
	}
	scenes := pipeutil.StringSlice(params["scene_paths"])
	if len(scenes) == 0 {
		return coreerr.New(coreerr.KindInvalidParams, "scene_paths must be a non-empty string array")
	}
	seen := make(map[string]bool, len(scenes))
	for _, sc := range scenes {
		if seen[sc] {
			return coreerr.Newf(coreerr.KindInvalidParams, "duplicate scene path %s", sc)
		}
		seen[sc] = true
	}
	return nil
}

func (s *Spec) CreateTasksForStage(ctx context.Context, stage int, params, prior map[string]any) ([]types.TaskDefinition, error) {
	outputName, _ := params["output_name"].(string)
	scenes := pipeutil.StringSlice(params["scene_paths"])
	sort.Strings(scenes)

	switch stage {
	case 1:
		defs := make([]types.TaskDefinition, 0, len(scenes))
		for i, scene := range scenes {
			defs = append(defs, types.TaskDefinition{
				TaskType:  TaskTypeTile,
				TaskIndex: strconv.Itoa(i),
				Parameters: map[string]any{
					"scene_path":  scene,
					"output_name": outputName,
				},
			})
		}
		return defs, nil
	case 2:
		tilePaths := make([]any, 0, len(scenes))
		results := pipeutil.PriorResults(prior)
		for i := 0; i < len(scenes); i++ {
			res, ok := results[strconv.Itoa(i)].(map[string]any)
			if !ok {
				continue
			}
			if path, ok := res["tile_path"].(string); ok {
				tilePaths = append(tilePaths, path)
			}
		}
		return []types.TaskDefinition{{
			TaskType:  TaskTypeAssemble,
			TaskIndex: "0",
			Parameters: map[string]any{
				"tile_paths":  tilePaths,
				"output_name": outputName,
			},
		}}, nil
	default:
		return nil, fmt.Errorf("mosaic has no stage %d", stage)
	}
}

func (s *Spec) Finalize(ctx context.Context, job *types.Job, stageResults map[string]any) (map[string]any, error) {
	out := map[string]any{"tiles_failed": 0}
	if agg, ok := stageResults["1"].(map[string]any); ok {
		out["tile_count"] = len(pipeutil.PriorResults(agg))
		out["tiles_failed"] = pipeutil.FailedCount(agg)
	}
	if agg, ok := stageResults["2"].(map[string]any); ok {
		if asm := pipeutil.IndexResult(agg, "0"); asm != nil {
			out["mosaic_path"] = asm["mosaic_path"]
		}
	}
	return out, nil
}

func Register(reg *registry.Registry, deps Deps) error {
	if err := reg.RegisterSpec(&Spec{}); err != nil {
		return err
	}
	if err := reg.RegisterHandler(NewTileHandler(deps)); err != nil {
		return err
	}
	return reg.RegisterHandler(NewAssembleHandler(deps))
}
