package blob

import (
	"context"
	"encoding/json"
	"fmt"
)

// BlobRefKey marks a result that was spilled to blob storage; consumers
// resolve the reference instead of reading the payload inline.
const BlobRefKey = "blob_ref"

// ShouldOffload reports whether a payload of the given encoded size must be
// stored externally. The cutoff is half the broker's hard limit, leaving
// headroom for message envelopes.
func ShouldOffload(encodedSize, maxMessageBytes int) bool {
	if maxMessageBytes <= 0 {
		return false
	}
	return encodedSize > maxMessageBytes/2
}

// OffloadResult spills an oversized result to the overflow container and
// returns the reference stub stored in its place. Results under the cutoff
// come back unchanged.
func OffloadResult(ctx context.Context, store Store, container, jobID, taskID string, result map[string]any, maxMessageBytes int) (map[string]any, error) {
	if result == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result for overflow check: %w", err)
	}
	if !ShouldOffload(len(encoded), maxMessageBytes) {
		return result, nil
	}
	path := fmt.Sprintf("%s/%s/%s.json", container, jobID, taskID)
	if err := store.Write(ctx, path, encoded); err != nil {
		return nil, fmt.Errorf("offload result to blob: %w", err)
	}
	return map[string]any{
		BlobRefKey: path,
		"bytes":    len(encoded),
	}, nil
}

// ResolveAggregate resolves every reference stub under a stage aggregate's
// per-index results so stage factories and finalizers see real payloads, not
// stubs. The input aggregate is not mutated.
func ResolveAggregate(ctx context.Context, store Store, aggregate map[string]any) (map[string]any, error) {
	if aggregate == nil {
		return nil, nil
	}
	results, ok := aggregate["results"].(map[string]any)
	if !ok {
		return aggregate, nil
	}
	resolved := make(map[string]any, len(results))
	for idx, v := range results {
		res, ok := v.(map[string]any)
		if !ok {
			resolved[idx] = v
			continue
		}
		full, err := ResolveResult(ctx, store, res)
		if err != nil {
			return nil, fmt.Errorf("resolve result for index %s: %w", idx, err)
		}
		resolved[idx] = full
	}
	out := make(map[string]any, len(aggregate))
	for k, v := range aggregate {
		out[k] = v
	}
	out["results"] = resolved
	return out, nil
}

// ResolveResult loads a spilled result back; pass-through when the map is
// not a reference stub.
func ResolveResult(ctx context.Context, store Store, result map[string]any) (map[string]any, error) {
	if result == nil {
		return nil, nil
	}
	ref, ok := result[BlobRefKey].(string)
	if !ok || ref == "" {
		return result, nil
	}
	raw, err := store.Read(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve blob ref %q: %w", ref, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode blob ref %q: %w", ref, err)
	}
	return out, nil
}
