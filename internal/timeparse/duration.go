// Package timeparse parses the dates, ages, and durations accepted in
// gh-mine configuration.
package timeparse

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var units = map[string]time.Duration{
	"d":     24 * time.Hour,
	"day":   24 * time.Hour,
	"days":  24 * time.Hour,
	"w":     7 * 24 * time.Hour,
	"week":  7 * 24 * time.Hour,
	"weeks": 7 * 24 * time.Hour,
}

// ParseDuration parses a duration. Anything time.ParseDuration accepts works
// ("500ms", "1h30m"), plus whole days and weeks: "2d", "3weeks", "30days".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("invalid duration %q: negative durations not supported", s)
	}

	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid duration %q: missing number", s)
	}
	if i == len(s) {
		return 0, fmt.Errorf("invalid duration %q: missing unit", s)
	}

	unit, ok := units[strings.TrimSpace(s[i:])]
	if !ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: unknown unit %q", s, s[i:])
		}
		return d, nil
	}

	num, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if num > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("invalid duration %q: value too large", s)
	}
	return time.Duration(num) * unit, nil
}
