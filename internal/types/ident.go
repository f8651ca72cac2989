package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DeriveJobID fingerprints (job_type, canonical params) into the 64-hex
// idempotency key. Identical submissions always map to the same job.
func DeriveJobID(jobType string, params map[string]any) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	sum := sha256.Sum256([]byte(jobType + "\x00" + canonical))
	return hex.EncodeToString(sum[:]), nil
}

// DeriveTaskID fingerprints (job_id, stage, task_index). Stage expansion is
// re-runnable because re-derivation lands on the same row keys.
func DeriveTaskID(jobID string, stage int, taskIndex string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s", jobID, stage, taskIndex)))
	return hex.EncodeToString(sum[:])
}

// DeriveLineageID groups submissions that share (platform, dataset, resource)
// across version ids.
func DeriveLineageID(platformID, datasetID, resourceID string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{platformID, datasetID, resourceID}, "\x00")))
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON renders a parameter map with sorted keys at every nesting
// level so semantically identical payloads hash identically.
func CanonicalJSON(v any) (string, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, e); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return err
		}
		return writeCanonical(sb, decoded)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		sb.Write(b)
		return nil
	}
}
