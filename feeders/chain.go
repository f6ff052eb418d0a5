package feeders

import "fmt"

// Merge deep-merges override onto base: maps merge recursively key by key,
// any other type replaces the base value outright.
func Merge(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	for k, overrideVal := range override {
		if baseVal, exists := merged[k]; exists {
			if baseMap, ok := baseVal.(map[string]any); ok {
				if overrideMap, ok := overrideVal.(map[string]any); ok {
					merged[k] = Merge(baseMap, overrideMap)
					continue
				}
			}
		}
		merged[k] = overrideVal
	}
	return merged
}

// normalizeKeys recursively converts map[interface{}]interface{} produced by
// some YAML/TOML decoders into map[string]any, and normalizes nested slices.
func normalizeKeys(v any) map[string]any {
	out := map[string]any{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, val := range m {
		out[k] = normalizeValue(val)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeKeys(t)
	case map[any]any:
		out := map[string]any{}
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
