package builtin

import (
	"fmt"
	"time"
)

func durationArg(p map[string]any, key string) (time.Duration, error) {
	switch v := p[key].(type) {
	case nil:
		return 0, fmt.Errorf("%s required", key)
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("%s must be >= 0", key)
		}
		return d, nil
	default:
		ms, err := intArg(p, key)
		if err != nil {
			return 0, err
		}
		if ms < 0 {
			return 0, fmt.Errorf("%s must be >= 0", key)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

// intArg accepts the numeric types JSON and YAML decoding produce. A missing
// key is 0.
func intArg(p map[string]any, key string) (int, error) {
	switch v := p[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s: %v is not an integer", key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s: unsupported type %T", key, v)
	}
}
