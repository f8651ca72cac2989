package types

import (
	"encoding/json"
	"testing"
)

func TestDeriveJobIDStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"blob_name": "x.gpkg", "table_name": "t", "chunk_size": 10000}
	b := map[string]any{"chunk_size": 10000, "table_name": "t", "blob_name": "x.gpkg"}

	idA, err := DeriveJobID("vector_ingest", a)
	if err != nil {
		t.Fatalf("DeriveJobID(a): %v", err)
	}
	idB, err := DeriveJobID("vector_ingest", b)
	if err != nil {
		t.Fatalf("DeriveJobID(b): %v", err)
	}
	if idA != idB {
		t.Fatalf("key order changed job id: %s vs %s", idA, idB)
	}
	if len(idA) != 64 {
		t.Fatalf("job id must be 64 hex chars, got %d", len(idA))
	}
}

func TestDeriveJobIDDependsOnTypeAndParams(t *testing.T) {
	params := map[string]any{"n": 3}
	id1, _ := DeriveJobID("hello_world", params)
	id2, _ := DeriveJobID("vector_ingest", params)
	if id1 == id2 {
		t.Fatalf("different job types must not collide")
	}
	id3, _ := DeriveJobID("hello_world", map[string]any{"n": 4})
	if id1 == id3 {
		t.Fatalf("different params must not collide")
	}
}

func TestDeriveJobIDNestedCanonicalization(t *testing.T) {
	a := map[string]any{"opts": map[string]any{"x": 1, "y": []any{1, 2}}}
	b := map[string]any{"opts": map[string]any{"y": []any{1, 2}, "x": 1}}
	idA, _ := DeriveJobID("j", a)
	idB, _ := DeriveJobID("j", b)
	if idA != idB {
		t.Fatalf("nested key order changed job id")
	}
}

func TestDeriveTaskIDDeterministic(t *testing.T) {
	jobID := "f00d"
	if DeriveTaskID(jobID, 2, "chunk_17") != DeriveTaskID(jobID, 2, "chunk_17") {
		t.Fatalf("task id must be deterministic")
	}
	if DeriveTaskID(jobID, 2, "chunk_17") == DeriveTaskID(jobID, 3, "chunk_17") {
		t.Fatalf("stage must affect task id")
	}
	if DeriveTaskID(jobID, 2, "chunk_17") == DeriveTaskID(jobID, 2, "chunk_18") {
		t.Fatalf("index must affect task id")
	}
}

func TestDeriveLineageIDExcludesVersion(t *testing.T) {
	id := DeriveLineageID("cat", "ds-1", "res-9")
	if id != DeriveLineageID("cat", "ds-1", "res-9") {
		t.Fatalf("lineage id must be deterministic")
	}
	if id == DeriveLineageID("cat", "ds-1", "res-8") {
		t.Fatalf("resource must affect lineage id")
	}
}

func TestCanonicalJSONHandlesRawMessage(t *testing.T) {
	raw := json.RawMessage(`{"b":2,"a":1}`)
	got, err := CanonicalJSON(map[string]any{"p": raw})
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"p":{"a":1,"b":2}}`
	if got != want {
		t.Fatalf("canonical form: want=%s got=%s", want, got)
	}
}
