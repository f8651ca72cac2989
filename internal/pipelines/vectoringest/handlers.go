package vectoringest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/geocore/coremachine/internal/blob"
	"github.com/geocore/coremachine/internal/logger"
)

// Deps carries the backends the handlers touch. Prepare and STAC-write use
// blob storage; the chunk loader writes the target table.
type Deps struct {
	Log   *logger.Logger
	Blobs blob.Store
	DB    *gorm.DB
}

// PrepareHandler splits the source blob into line-delimited feature chunks
// and writes each chunk back to blob storage under chunks/<blob_name>/.
type PrepareHandler struct {
	log   *logger.Logger
	blobs blob.Store
}

func NewPrepareHandler(deps Deps) *PrepareHandler {
	return &PrepareHandler{log: deps.Log.With("handler", TaskTypePrepare), blobs: deps.Blobs}
}

func (h *PrepareHandler) Type() string { return TaskTypePrepare }

func (h *PrepareHandler) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		BlobName        string `json:"blob_name"`
		SourceContainer string `json:"source_container"`
		ChunkSize       int    `json:"chunk_size"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if p.ChunkSize < 1 {
		p.ChunkSize = defaultChunkSize
	}
	srcPath := p.BlobName
	if p.SourceContainer != "" {
		srcPath = p.SourceContainer + "/" + p.BlobName
	}
	data, err := h.blobs.Read(ctx, srcPath)
	if err != nil {
		return nil, fmt.Errorf("read source blob %s: %w", srcPath, err)
	}

	// Source is newline-delimited GeoJSON: one feature per line.
	lines := splitFeatures(data)
	if len(lines) == 0 {
		return nil, fmt.Errorf("source blob %s contains no features", srcPath)
	}

	chunkPaths := make([]string, 0, (len(lines)+p.ChunkSize-1)/p.ChunkSize)
	for start := 0; start < len(lines); start += p.ChunkSize {
		end := start + p.ChunkSize
		if end > len(lines) {
			end = len(lines)
		}
		path := fmt.Sprintf("chunks/%s/%06d.ndjson", p.BlobName, len(chunkPaths))
		if err := h.blobs.Write(ctx, path, bytes.Join(lines[start:end], []byte("\n"))); err != nil {
			return nil, fmt.Errorf("write chunk %s: %w", path, err)
		}
		chunkPaths = append(chunkPaths, path)
	}
	h.log.Info("Source chunked", "blob", srcPath, "features", len(lines), "chunks", len(chunkPaths))

	paths := make([]any, len(chunkPaths))
	for i, cp := range chunkPaths {
		paths[i] = cp
	}
	return map[string]any{
		"chunk_paths":   paths,
		"chunk_count":   len(chunkPaths),
		"feature_count": len(lines),
	}, nil
}

func splitFeatures(data []byte) [][]byte {
	raw := bytes.Split(data, []byte("\n"))
	out := make([][]byte, 0, len(raw))
	for _, line := range raw {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}

// LoadChunkHandler reads one chunk and inserts its features into the target
// table as (properties, geometry) jsonb rows. Inserts run in one transaction
// per chunk so a retried chunk never half-loads.
type LoadChunkHandler struct {
	log   *logger.Logger
	blobs blob.Store
	db    *gorm.DB
}

func NewLoadChunkHandler(deps Deps) *LoadChunkHandler {
	return &LoadChunkHandler{log: deps.Log.With("handler", TaskTypeLoadChunk), blobs: deps.Blobs, db: deps.DB}
}

func (h *LoadChunkHandler) Type() string { return TaskTypeLoadChunk }

func (h *LoadChunkHandler) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		ChunkPath string `json:"chunk_path"`
		TableName string `json:"table_name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	data, err := h.blobs.Read(ctx, p.ChunkPath)
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", p.ChunkPath, err)
	}

	rows := make([]map[string]interface{}, 0, 1024)
	for i, line := range splitFeatures(data) {
		var feature struct {
			Properties json.RawMessage `json:"properties"`
			Geometry   json.RawMessage `json:"geometry"`
		}
		if err := json.Unmarshal(line, &feature); err != nil {
			return nil, fmt.Errorf("chunk %s line %d: %w", p.ChunkPath, i, err)
		}
		rows = append(rows, map[string]interface{}{
			"properties": string(feature.Properties),
			"geometry":   string(feature.Geometry),
			"source":     p.ChunkPath,
		})
	}
	if len(rows) == 0 {
		return map[string]any{"rows_loaded": 0}, nil
	}

	// Loaders are idempotent per chunk: a redelivered chunk replaces its
	// own prior rows instead of appending duplicates.
	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(p.TableName).Where("source = ?", p.ChunkPath).Delete(nil).Error; err != nil {
			return err
		}
		return tx.Table(p.TableName).CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load chunk %s into %s: %w", p.ChunkPath, p.TableName, err)
	}
	h.log.Info("Chunk loaded", "chunk", p.ChunkPath, "table", p.TableName, "rows", len(rows))
	return map[string]any{"rows_loaded": len(rows)}, nil
}

// StacWriteHandler records the ingest as a STAC-style item in blob storage.
type StacWriteHandler struct {
	log   *logger.Logger
	blobs blob.Store
}

func NewStacWriteHandler(deps Deps) *StacWriteHandler {
	return &StacWriteHandler{log: deps.Log.With("handler", TaskTypeStacWrite), blobs: deps.Blobs}
}

func (h *StacWriteHandler) Type() string { return TaskTypeStacWrite }

func (h *StacWriteHandler) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p struct {
		TableName    string `json:"table_name"`
		BlobName     string `json:"blob_name"`
		ChunksLoaded int    `json:"chunks_loaded"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	item := map[string]any{
		"type":         "Feature",
		"stac_version": "1.0.0",
		"id":           p.TableName,
		"properties": map[string]any{
			"datetime":      time.Now().UTC().Format(time.RFC3339),
			"source_blob":   p.BlobName,
			"chunks_loaded": p.ChunksLoaded,
			"table":         p.TableName,
		},
	}
	body, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	path := "stac/" + p.TableName + ".json"
	if err := h.blobs.Write(ctx, path, body); err != nil {
		return nil, fmt.Errorf("write stac item %s: %w", path, err)
	}
	h.log.Info("STAC item written", "path", path, "table", p.TableName)
	return map[string]any{"stac_path": path}, nil
}
