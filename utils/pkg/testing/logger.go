package relaytesting

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a logger for tests. Only errors are shown unless
// RELAY_TEST_LOG names a lower level (debug, info, warn).
func NewLogger() *slog.Logger {
	level := slog.LevelError
	if v := strings.TrimSpace(os.Getenv("RELAY_TEST_LOG")); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			level = slog.LevelError
		}
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
