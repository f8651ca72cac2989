// Package rastercog converts a raster blob into a cloud-optimized layout in
// three single-task stages: validate, convert, register.
package rastercog

import (
	"context"
	"fmt"

	"github.com/geocore/coremachine/internal/pipelines/pipeutil"
	"github.com/geocore/coremachine/internal/registry"
	"github.com/geocore/coremachine/internal/types"
)

const (
	JobType          = "raster_cog"
	TaskTypeValidate = "raster_validate"
	TaskTypeConvert  = "raster_convert"
	TaskTypeRegister = "raster_register"
)

type Spec struct{}

func (s *Spec) Type() string     { return JobType }
func (s *Spec) TotalStages() int { return 3 }

func (s *Spec) ValidateParams(params map[string]any) error {
	if _, err := pipeutil.StringParam(params, "blob_name"); err != nil {
		return err
	}
	_, err := pipeutil.StringParam(params, "collection")
	return err
}

func (s *Spec) CreateTasksForStage(ctx context.Context, stage int, params, prior map[string]any) ([]types.TaskDefinition, error) {
	blobName, _ := params["blob_name"].(string)
	container, _ := params["source_container"].(string)
	collection, _ := params["collection"].(string)

	switch stage {
	case 1:
		return []types.TaskDefinition{{
			TaskType:  TaskTypeValidate,
			TaskIndex: "0",
			Parameters: map[string]any{
				"blob_name":        blobName,
				"source_container": container,
			},
		}}, nil
	case 2:
		validated := pipeutil.IndexResult(prior, "0")
		if validated == nil {
			return nil, fmt.Errorf("validation result missing from stage-1 aggregate")
		}
		return []types.TaskDefinition{{
			TaskType:  TaskTypeConvert,
			TaskIndex: "0",
			Parameters: map[string]any{
				"source_path": validated["source_path"],
				"blob_name":   blobName,
			},
		}}, nil
	case 3:
		converted := pipeutil.IndexResult(prior, "0")
		if converted == nil {
			return nil, fmt.Errorf("conversion result missing from stage-2 aggregate")
		}
		return []types.TaskDefinition{{
			TaskType:  TaskTypeRegister,
			TaskIndex: "0",
			Parameters: map[string]any{
				"cog_path":   converted["cog_path"],
				"collection": collection,
				"blob_name":  blobName,
			},
		}}, nil
	default:
		return nil, fmt.Errorf("raster_cog has no stage %d", stage)
	}
}

func (s *Spec) Finalize(ctx context.Context, job *types.Job, stageResults map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if agg, ok := stageResults["2"].(map[string]any); ok {
		if conv := pipeutil.IndexResult(agg, "0"); conv != nil {
			out["cog_path"] = conv["cog_path"]
			out["size_bytes"] = conv["size_bytes"]
		}
	}
	if agg, ok := stageResults["3"].(map[string]any); ok {
		if reg := pipeutil.IndexResult(agg, "0"); reg != nil {
			out["catalog_path"] = reg["catalog_path"]
		}
	}
	return out, nil
}

func Register(reg *registry.Registry, deps Deps) error {
	if err := reg.RegisterSpec(&Spec{}); err != nil {
		return err
	}
	if err := reg.RegisterHandler(NewValidateHandler(deps)); err != nil {
		return err
	}
	if err := reg.RegisterHandler(NewConvertHandler(deps)); err != nil {
		return err
	}
	return reg.RegisterHandler(NewRegisterHandler(deps))
}
