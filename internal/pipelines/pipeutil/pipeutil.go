// Package pipeutil holds the small parameter- and aggregate-access helpers
// shared by the built-in pipelines.
package pipeutil

import (
	"encoding/json"

	"github.com/geocore/coremachine/internal/coreerr"
)

func IntParam(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok {
		return 0, coreerr.Newf(coreerr.KindInvalidParams, "missing %s", key)
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, coreerr.Newf(coreerr.KindInvalidParams, "%s must be an integer", key)
		}
		return int(n), nil
	default:
		return 0, coreerr.Newf(coreerr.KindInvalidParams, "%s must be an integer", key)
	}
}

func StringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", coreerr.Newf(coreerr.KindInvalidParams, "missing %s", key)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", coreerr.Newf(coreerr.KindInvalidParams, "%s must be a non-empty string", key)
	}
	return s, nil
}

// PriorResults unwraps the per-index result map out of a stage aggregate.
func PriorResults(aggregate map[string]any) map[string]any {
	if aggregate == nil {
		return map[string]any{}
	}
	results, ok := aggregate["results"].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return results
}

// IndexResult returns the result map a given task index contributed to an
// aggregate, or nil.
func IndexResult(aggregate map[string]any, index string) map[string]any {
	res, ok := PriorResults(aggregate)[index].(map[string]any)
	if !ok {
		return nil
	}
	return res
}

// FailedCount reads the failed counter out of a stage aggregate.
func FailedCount(aggregate map[string]any) int {
	if aggregate == nil {
		return 0
	}
	switch v := aggregate["failed"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// StringSlice coerces a JSON array result field into []string, skipping
// non-string members.
func StringSlice(raw any) []string {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
