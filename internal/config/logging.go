package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and is reserved for
// wire-level forensics, full request and response payloads included.
// The value -8 matches the convention OpenTelemetry and other slog
// extensions use for a Trace level.
//
// Enable it only while diagnosing provider issues; the output volume
// is unsuitable for normal operation.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps a case-insensitive level name to an [slog.Level]:
// "trace", "debug", "info" (or empty), "warn"/"warning", "error".
// Surrounding whitespace is ignored. Unrecognized names return an
// error alongside the info level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] hook
// that labels [LevelTrace] records "TRACE". slog prints custom levels
// relative to the nearest builtin, so without it trace records come
// out as "DEBUG-4". Wire it into every handler the process builds:
//
//	slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level:       level,
//	    ReplaceAttr: config.ReplaceLogLevelNames,
//	})
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
