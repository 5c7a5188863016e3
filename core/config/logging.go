package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLevel accepts debug, info, warn and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", s, err)
	}
	return l, nil
}
