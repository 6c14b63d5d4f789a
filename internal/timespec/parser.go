// Package timespec turns --since style flags into stream positions.
package timespec

import (
	"fmt"
	"strconv"
	"time"
)

// Parse parses a time specification relative to now.
// Supports two formats:
//   - Go duration format: "1h", "30m", "1h30m" (that long before now)
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		if t.After(now) {
			return time.Time{}, fmt.Errorf("time specification %s is in the future", spec)
		}
		return t, nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration: %s", spec)
		}
		return now.Add(-d), nil
	}

	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// StreamID returns the first stream entry id at or after t.
func StreamID(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10) + "-0"
}
