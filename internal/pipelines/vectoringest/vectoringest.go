// Package vectoringest implements the three-stage vector load: a single
// prepare task chunks the source blob, a fan-out loads each chunk into the
// target table, and a single fan-in task writes the STAC record.
package vectoringest

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
	JobType           = "vector_ingest"
	TaskTypePrepare   = "vector_prepare"
	TaskTypeLoadChunk = "vector_load_chunk"
	TaskTypeStacWrite = "vector_stac_write"

	defaultChunkSize = 10000
)

type Spec struct{}

func (s *Spec) Type() string     { return JobType }
func (s *Spec) TotalStages() int { return 3 }

func (s *Spec) ValidateParams(params map[string]any) error {
	if _, err := pipeutil.StringParam(params, "blob_name"); err != nil {
		return err
	}
	if _, err := pipeutil.StringParam(params, "table_name"); err != nil {
		return err
	}
	if _, ok := params["chunk_size"]; ok {
		n, err := pipeutil.IntParam(params, "chunk_size")
		if err != nil {
			return err
		}
		if n < 1 {
			return coreerr.Newf(coreerr.KindInvalidParams, "chunk_size must be positive, got %d", n)
		}
	}
	return nil
}

func (s *Spec) CreateTasksForStage(ctx context.Context, stage int, params, prior map[string]any) ([]types.TaskDefinition, error) {
	blobName, _ := params["blob_name"].(string)
	tableName, _ := params["table_name"].(string)
	container, _ := params["source_container"].(string)
	chunkSize := defaultChunkSize
	if _, ok := params["chunk_size"]; ok {
		if n, err := pipeutil.IntParam(params, "chunk_size"); err == nil {
			chunkSize = n
		}
	}

	switch stage {
	case 1:
		return []types.TaskDefinition{{
			TaskType:  TaskTypePrepare,
			TaskIndex: "0",
			Parameters: map[string]any{
				"blob_name":        blobName,
				"source_container": container,
				"chunk_size":       chunkSize,
			},
		}}, nil
	case 2:
		// One loader per chunk the prepare task wrote. Chunk paths are
		// sorted so re-expansion assigns the same index to the same chunk.
		prep := pipeutil.IndexResult(prior, "0")
		if prep == nil {
			return nil, fmt.Errorf("prepare result missing from stage-1 aggregate")
		}
		paths := pipeutil.StringSlice(prep["chunk_paths"])
		if len(paths) == 0 {
			return nil, nil
		}
		sort.Strings(paths)
		defs := make([]types.TaskDefinition, 0, len(paths))
		for i, path := range paths {
			defs = append(defs, types.TaskDefinition{
				TaskType:  TaskTypeLoadChunk,
				TaskIndex: strconv.Itoa(i),
				Parameters: map[string]any{
					"chunk_path": path,
					"table_name": tableName,
				},
			})
		}
		return defs, nil
	case 3:
		loaded := len(pipeutil.PriorResults(prior))
		return []types.TaskDefinition{{
			TaskType:  TaskTypeStacWrite,
			TaskIndex: "0",
			Parameters: map[string]any{
				"table_name":    tableName,
				"blob_name":     blobName,
				"chunks_loaded": loaded,
			},
		}}, nil
	default:
		return nil, fmt.Errorf("vector_ingest has no stage %d", stage)
	}
}

func (s *Spec) Finalize(ctx context.Context, job *types.Job, stageResults map[string]any) (map[string]any, error) {
	out := map[string]any{"chunks_failed": 0, "rows_loaded": 0}
	if agg, ok := stageResults["2"].(map[string]any); ok {
		out["chunks_failed"] = pipeutil.FailedCount(agg)
		rows := 0
		for _, raw := range pipeutil.PriorResults(agg) {
			res, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if n, ok := res["rows_loaded"].(float64); ok {
				rows += int(n)
			}
		}
		out["rows_loaded"] = rows
	}
	if agg, ok := stageResults["3"].(map[string]any); ok {
		if stac := pipeutil.IndexResult(agg, "0"); stac != nil {
			if path, ok := stac["stac_path"].(string); ok {
				out["stac_path"] = path
			}
		}
	}
	return out, nil
}

func Register(reg *registry.Registry, deps Deps) error {
	if err := reg.RegisterSpec(&Spec{}); err != nil {
		return err
	}
	if err := reg.RegisterHandler(NewPrepareHandler(deps)); err != nil {
		return err
	}
	if err := reg.RegisterHandler(NewLoadChunkHandler(deps)); err != nil {
		return err
	}
	return reg.RegisterHandler(NewStacWriteHandler(deps))
}
