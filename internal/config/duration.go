package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-string config value; path names the
// field in errors (e.g. "engine.tick_period"). An empty value means unset
// and parses to zero, letting each service substitute its own default.
// Negative durations are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
