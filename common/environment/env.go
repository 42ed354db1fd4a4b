// Package environment reads typed settings from environment variables. Every
// helper falls back to a default when the variable is unset, empty or does
// not parse, so callers layer the environment over file or built-in values.
package environment

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the variable, or def when it is unset or empty.
func StringOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// FirstOr returns the first non-empty variable among names, or def. It lets
// a setting keep a legacy or vendor-specific alias.
func FirstOr(names []string, def string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return def
}

// BoolOr parses the variable with strconv.ParseBool.
func BoolOr(name string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return def
	}
	return b
}

// IntOr parses the variable as a decimal integer.
func IntOr(name string, def int) int {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return def
	}
	return n
}

// DurationOr parses the variable with time.ParseDuration ("30s", "5m").
func DurationOr(name string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		return def
	}
	return d
}

// StringSliceOr splits the variable on commas, trimming blanks and dropping
// empty elements.
func StringSliceOr(name string, def []string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(name), ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
