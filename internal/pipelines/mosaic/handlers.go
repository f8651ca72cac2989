package mosaic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/geocore/coremachine/internal/blob"
	"github.com/geocore/coremachine/internal/logger"
)

type Deps struct {
	Log   *logger.Logger
	Blobs blob.Store
}

// TileHandler normalizes one scene into the tiles/ workspace for the
// assembly stage.
type TileHandler struct {
	log   *logger.Logger
	blobs blob.Store
}

func NewTileHandler(deps Deps) *TileHandler {
	return &TileHandler{log: deps.Log.With("handler", TaskTypeTile), blobs: deps.Blobs}
}

func (h *TileHandler) Type() string { return TaskTypeTile }

func (h *TileHandler) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		ScenePath  string `json:"scene_path"`
		OutputName string `json:"output_name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	data, err := h.blobs.Read(ctx, p.ScenePath)
	if err != nil {
		return nil, fmt.Errorf("read scene %s: %w", p.ScenePath, err)
	}
	tilePath := fmt.Sprintf("tiles/%s/%s", p.OutputName, path.Base(p.ScenePath))
	if err := h.blobs.Write(ctx, tilePath, data); err != nil {
		return nil, fmt.Errorf("write tile %s: %w", tilePath, err)
	}
	h.log.Info("Scene tiled", "scene", p.ScenePath, "tile", tilePath)
	return map[string]any{"tile_path": tilePath, "size_bytes": len(data)}, nil
}

// AssembleHandler concatenates the tiles into the final mosaic blob. Tiles
// arrive pre-sorted by the stage-2 task factory.
type AssembleHandler struct {
	log   *logger.Logger
	blobs blob.Store
}

func NewAssembleHandler(deps Deps) *AssembleHandler {
	return &AssembleHandler{log: deps.Log.With("handler", TaskTypeAssemble), blobs: deps.Blobs}
}

func (h *AssembleHandler) Type() string { return TaskTypeAssemble }

func (h *AssembleHandler) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		TilePaths  []string `json:"tile_paths"`
		OutputName string   `json:"output_name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if len(p.TilePaths) == 0 {
		return nil, fmt.Errorf("no tiles to assemble")
	}
	var out bytes.Buffer
	for _, tp := range p.TilePaths {
		data, err := h.blobs.Read(ctx, tp)
		if err != nil {
			return nil, fmt.Errorf("read tile %s: %w", tp, err)
		}
		out.Write(data)
	}
	mosaicPath := "mosaics/" + p.OutputName
	if err := h.blobs.Write(ctx, mosaicPath, out.Bytes()); err != nil {
		return nil, fmt.Errorf("write mosaic %s: %w", mosaicPath, err)
	}
	h.log.Info("Mosaic assembled", "path", mosaicPath, "tiles", len(p.TilePaths), "bytes", out.Len())
	return map[string]any{"mosaic_path": mosaicPath, "tiles_used": len(p.TilePaths)}, nil
}
