package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that is serialized as (fractional) seconds. Strings such as
// "1m30s" are accepted when decoding.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(value * float64(time.Second))
	case string:
		pd, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", value, err)
		}
		*d = Duration(pd)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}

	return nil
}
