package timeparse

import (
	"fmt"
	"time"
)

// ParseTime parses various date/time formats in UTC.
// Supported formats:
//   - YYYY-MM-DD (assumes 00:00:00 UTC)
//   - YYYY-MM-DD HH:MM:SS (UTC)
//   - RFC3339: 2018-10-27T10:00:00Z (can specify any timezone)
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, time.DateTime, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time format %q (expected YYYY-MM-DD, YYYY-MM-DD HH:MM:SS, or RFC3339)", s)
}

// ParseTimeOrAge parses an absolute time like ParseTime, or an age like
// "90d" that is measured back from now.
func ParseTimeOrAge(s string, now time.Time) (time.Time, error) {
	t, err := ParseTime(s)
	if err == nil {
		return t, nil
	}
	d, durErr := ParseDuration(s)
	if durErr != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (expected a date, RFC3339 timestamp, or age such as 90d)", s)
	}
	return now.Add(-d).UTC(), nil
}
