package blob

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

type memStore struct{ data map[string][]byte }

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) Read(ctx context.Context, path string) ([]byte, error) {
	b, ok := s.data[path]
	if !ok {
		return nil, context.Canceled
	}
	return b, nil
}

func (s *memStore) Write(ctx context.Context, path string, b []byte) error {
	s.data[path] = append([]byte(nil), b...)
	return nil
}

func (s *memStore) Exists(ctx context.Context, path string) (bool, error) {
	_, ok := s.data[path]
	return ok, nil
}

func (s *memStore) SignedURL(path string, ttl time.Duration) (string, error) {
	return "https://example.invalid/" + path, nil
}

func TestShouldOffloadBoundary(t *testing.T) {
	max := 1024
	if ShouldOffload(max/2, max) {
		t.Fatalf("payload at exactly half the limit must stay inline")
	}
	if !ShouldOffload(max/2+1, max) {
		t.Fatalf("payload over half the limit must offload")
	}
	if ShouldOffload(1<<20, 0) {
		t.Fatalf("zero limit disables offloading")
	}
}

func TestOffloadResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	small := map[string]any{"ok": true}
	got, err := OffloadResult(ctx, store, "overflow", "job", "task", small, 1024)
	if err != nil {
		t.Fatalf("offload small: %v", err)
	}
	if _, stubbed := got[BlobRefKey]; stubbed {
		t.Fatalf("small result must come back unchanged, got %v", got)
	}
	if len(store.data) != 0 {
		t.Fatalf("small result must not touch the store")
	}

	big := map[string]any{"data": strings.Repeat("x", 2048)}
	stub, err := OffloadResult(ctx, store, "overflow", "job", "task", big, 1024)
	if err != nil {
		t.Fatalf("offload big: %v", err)
	}
	ref, ok := stub[BlobRefKey].(string)
	if !ok || ref != "overflow/job/task.json" {
		t.Fatalf("stub ref: %v", stub)
	}
	raw, ok := store.data[ref]
	if !ok {
		t.Fatalf("spilled payload missing at %s", ref)
	}
	var spilled map[string]any
	if err := json.Unmarshal(raw, &spilled); err != nil {
		t.Fatalf("spilled payload not JSON: %v", err)
	}
	if spilled["data"] != big["data"] {
		t.Fatalf("spilled payload diverged")
	}

	back, err := ResolveResult(ctx, store, stub)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if back["data"] != big["data"] {
		t.Fatalf("resolved result diverged: %v", back["data"])
	}

	// Non-stub maps pass through untouched.
	plain, err := ResolveResult(ctx, store, small)
	if err != nil {
		t.Fatalf("resolve plain: %v", err)
	}
	if plain["ok"] != true {
		t.Fatalf("plain result must pass through, got %v", plain)
	}
}

func TestResolveAggregateReplacesStubsOnly(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.data["overflow/job/t0.json"] = []byte(`{"chunk_paths":["a","b"],"chunk_count":2}`)

	aggregate := map[string]any{
		"results": map[string]any{
			"0": map[string]any{BlobRefKey: "overflow/job/t0.json", "bytes": float64(44)},
			"1": map[string]any{"rows_loaded": float64(10)},
		},
		"completed": float64(2),
		"failed":    float64(0),
	}
	resolved, err := ResolveAggregate(ctx, store, aggregate)
	if err != nil {
		t.Fatalf("resolve aggregate: %v", err)
	}
	r0 := resolved["results"].(map[string]any)["0"].(map[string]any)
	if _, stubbed := r0[BlobRefKey]; stubbed {
		t.Fatalf("stub must be replaced, got %v", r0)
	}
	if paths, ok := r0["chunk_paths"].([]any); !ok || len(paths) != 2 {
		t.Fatalf("resolved payload: %v", r0)
	}
	r1 := resolved["results"].(map[string]any)["1"].(map[string]any)
	if r1["rows_loaded"] != float64(10) {
		t.Fatalf("inline result must survive: %v", r1)
	}
	if resolved["completed"] != float64(2) {
		t.Fatalf("aggregate counters must survive: %v", resolved)
	}
	// The input aggregate keeps its stub.
	in0 := aggregate["results"].(map[string]any)["0"].(map[string]any)
	if _, stubbed := in0[BlobRefKey]; !stubbed {
		t.Fatalf("input aggregate must not be mutated")
	}
}
