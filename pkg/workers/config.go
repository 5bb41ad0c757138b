// Package workers holds the helpers shared by the built-in stage workers.
package workers

import (
	"fmt"
	"time"
)

// String reads a string option, falling back to def when absent or empty.
func String(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}

	return def
}

// Float reads a numeric option. YAML integers and JSON numbers are both accepted.
func Float(config map[string]any, key string, def float64) float64 {
	switch v := config[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}

	return def
}

// Duration reads a duration option given as a Go duration string or seconds.
func Duration(config map[string]any, key string, def time.Duration) (time.Duration, error) {
	switch v := config[key].(type) {
	case nil:
		return def, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for '%s': %w", key, err)
		}

		return d, nil
	default:
		seconds := Float(config, key, -1)
		if seconds < 0 {
			return 0, fmt.Errorf("invalid duration for '%s': %v", key, v)
		}

		return time.Duration(seconds * float64(time.Second)), nil
	}
}

// Headers reads a string map option.
func Headers(config map[string]any, key string) map[string]string {
	headers := make(map[string]string)

	if raw, ok := config[key].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	return headers
}
