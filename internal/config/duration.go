package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField reads a Go duration string ("5s", "10m") from a config
// field. Empty means unset and parses to zero; negative values are rejected.
// path names the field in error messages (e.g. "dispatch.exec_timeout").
func ParseDurationField(path, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted when the
// field is unset. The timeouts and TTLs here all have sane defaults, so this
// is the form nearly every caller wants.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
