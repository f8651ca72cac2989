package vectoringest

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/geocore/coremachine/internal/coreerr"
	"github.com/geocore/coremachine/internal/logger"
)

type memBlobStore struct{ data map[string][]byte }

func newMemBlobStore() *memBlobStore { return &memBlobStore{data: map[string][]byte{}} }

func (s *memBlobStore) Read(ctx context.Context, path string) ([]byte, error) {
	b, ok := s.data[path]
	if !ok {
		return nil, coreerr.Newf(coreerr.KindResourceMissing, "blob %s not found", path)
	}
	return b, nil
}

func (s *memBlobStore) Write(ctx context.Context, path string, b []byte) error {
	s.data[path] = append([]byte(nil), b...)
	return nil
}

func (s *memBlobStore) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := s.data[path]
	return ok, nil
}

func (s *memBlobStore) SignedURL(path string, ttl time.Duration) (string, error) {
	return "https://example.invalid/" + path, nil
}

func testDeps(t *testing.T) (Deps, *memBlobStore) {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	blobs := newMemBlobStore()
	return Deps{Log: log, Blobs: blobs}, blobs
}

func TestPrepareChunksSource(t *testing.T) {
	deps, blobs := testDeps(t)
	ctx := context.Background()

	// 25 features, chunk size 10 -> 3 chunks.
	var src []byte
	for i := 0; i < 25; i++ {
		src = append(src, []byte(`{"properties":{"fid":`+strconv.Itoa(i)+`},"geometry":{"type":"Point"}}`+"\n")...)
	}
	blobs.data["uploads/x.ndjson"] = src

	h := NewPrepareHandler(deps)
	params, _ := json.Marshal(map[string]any{
		"blob_name":        "x.ndjson",
		"source_container": "uploads",
		"chunk_size":       10,
	})
	res, err := h.Execute(ctx, params)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res["chunk_count"] != 3 {
		t.Fatalf("chunk_count: %v", res["chunk_count"])
	}
	if res["feature_count"] != 25 {
		t.Fatalf("feature_count: %v", res["feature_count"])
	}
	paths, ok := res["chunk_paths"].([]any)
	if !ok || len(paths) != 3 {
		t.Fatalf("chunk_paths: %v", res["chunk_paths"])
	}
	for _, p := range paths {
		if exists, _ := blobs.Exists(ctx, p.(string)); !exists {
			t.Fatalf("chunk %v not written", p)
		}
	}
}

func TestStageTwoFansOutPerChunk(t *testing.T) {
	s := &Spec{}
	ctx := context.Background()
	params := map[string]any{"blob_name": "x.gpkg", "table_name": "t"}
	prior := map[string]any{
		"results": map[string]any{
			"0": map[string]any{
				"chunk_paths": []any{"chunks/x.gpkg/000001.ndjson", "chunks/x.gpkg/000000.ndjson"},
				"chunk_count": float64(2),
			},
		},
	}

	defs, err := s.CreateTasksForStage(ctx, 2, params, prior)
	if err != nil {
		t.Fatalf("stage 2: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("want 2 loaders, got %d", len(defs))
	}
	// Paths are sorted before index assignment, so index 0 always maps to
	// the lexically first chunk regardless of result-map iteration order.
	if defs[0].Parameters["chunk_path"] != "chunks/x.gpkg/000000.ndjson" {
		t.Fatalf("index 0 chunk: %v", defs[0].Parameters["chunk_path"])
	}
	for i, def := range defs {
		if def.TaskIndex != strconv.Itoa(i) || def.TaskType != TaskTypeLoadChunk {
			t.Fatalf("def %d: %+v", i, def)
		}
	}
}

func TestFinalizeCountsFailures(t *testing.T) {
	s := &Spec{}
	stageResults := map[string]any{
		"2": map[string]any{
			"results": map[string]any{
				"0": map[string]any{"rows_loaded": float64(100)},
				"1": map[string]any{"rows_loaded": float64(80)},
			},
			"completed": float64(2),
			"failed":    float64(3),
		},
		"3": map[string]any{
			"results": map[string]any{
				"0": map[string]any{"stac_path": "stac/t.json"},
			},
		},
	}
	out, err := s.Finalize(context.Background(), nil, stageResults)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out["chunks_failed"] != 3 {
		t.Fatalf("chunks_failed: %v", out["chunks_failed"])
	}
	if out["rows_loaded"] != 180 {
		t.Fatalf("rows_loaded: %v", out["rows_loaded"])
	}
	if out["stac_path"] != "stac/t.json" {
		t.Fatalf("stac_path: %v", out["stac_path"])
	}
}

func TestValidateParamsRequiresSourceAndTable(t *testing.T) {
	s := &Spec{}
	bad := []map[string]any{
		{},
		{"blob_name": "x"},
		{"table_name": "t"},
		{"blob_name": "x", "table_name": "t", "chunk_size": float64(0)},
	}
	for i, params := range bad {
		if err := s.ValidateParams(params); coreerr.KindOf(err) != coreerr.KindInvalidParams {
			t.Fatalf("case %d: want invalid_params, got %v", i, err)
		}
	}
	if err := s.ValidateParams(map[string]any{"blob_name": "x", "table_name": "t"}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
}
