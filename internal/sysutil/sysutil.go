// Package sysutil holds small process-level helpers for the orchestrator
// entrypoint: zerolog level selection and env value fallbacks.
package sysutil

import (
	"strings"

	"github.com/rs/zerolog"
)

// SetLogLevel sets the global zerolog level from a level name, accepting
// the zerolog names plus the "warning" alias. Blank or unrecognized values
// fall back to info so a typo in ORCH_LOG_LEVEL never silences the process.
func SetLogLevel(lvl string) {
	name := strings.ToLower(strings.TrimSpace(lvl))
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// FirstNonEmpty returns the first value that is not blank after trimming,
// or "". Used for env fallback chains like VERSION -> "dev".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
