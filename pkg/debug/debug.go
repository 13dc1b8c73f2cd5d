// Package debug provides category-based debug logging for drivercore.
//
// Two orthogonal controls:
//   - Categories (WHAT to debug): DRIVERCORE_DEBUG env or logging.debug config
//   - Levels (HOW MUCH detail): DRIVERCORE_LOG_LEVEL env or logging.level config
//
// Usage:
//
//	debug.Log("dispatch", "routing call", "driver", id, "function", fn)
//	if debug.Enabled("bridge") { /* expensive formatting */ }
//
// Categories: registry, spec, dispatch, bridge, autostart, transport, auth, config, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// LevelTrace is below slog.LevelDebug for maximum verbosity.
// At TRACE, raw payloads exchanged with bridges are logged.
const LevelTrace = slog.LevelDebug - 4

// Environment variables that override configuration.
const (
	EnvCategories = "DRIVERCORE_DEBUG"
	EnvLevel      = "DRIVERCORE_LOG_LEVEL"
)

// KnownCategories lists the categories emitted by drivercore components.
var KnownCategories = []string{
	"registry", "spec", "dispatch", "bridge", "autostart", "transport", "auth", "config",
}

// categories holds the enabled debug categories. Read-only after Init.
var categories map[string]bool

func init() {
	categories = parseCategories(os.Getenv(EnvCategories))
}

// Init configures categories and the default slog handler. Environment
// values take precedence over the configured ones. Unknown categories are
// reported once and otherwise ignored.
func Init(configCategories string, configLevel string) {
	cats := os.Getenv(EnvCategories)
	if cats == "" {
		cats = configCategories
	}
	categories = parseCategories(cats)

	level := os.Getenv(EnvLevel)
	if level == "" {
		level = configLevel
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})))

	if unknown := unknownCategories(categories); len(unknown) > 0 {
		slog.Warn("ignoring unknown debug categories",
			"categories", unknown,
			"known", KnownCategories,
		)
	}
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	return categories["all"] || categories[category]
}

// Log emits a debug message for the given category. No-op when the
// category is disabled.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message for the given category.
// Only visible when DRIVERCORE_LOG_LEVEL=TRACE.
func Trace(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Log(nil, LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceIsEnabled reports whether TRACE level is active for the given category.
func TraceIsEnabled(category string) bool {
	if !Enabled(category) {
		return false
	}
	return slog.Default().Enabled(nil, LevelTrace)
}

// Raw writes plain text to stderr without slog formatting, for
// copy-paste-ready payload dumps. Emitted only at TRACE level.
func Raw(category string, text string) {
	if !TraceIsEnabled(category) {
		return
	}
	fmt.Fprintln(os.Stderr, text)
}

// ParseLevel converts a level string to a slog.Level. Unknown values map
// to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories returns the enabled categories in sorted order.
func Categories() []string {
	result := make([]string, 0, len(categories))
	for k := range categories {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Truncate returns s cut to maxLen bytes with "..." appended when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}

func unknownCategories(m map[string]bool) []string {
	known := make(map[string]bool, len(KnownCategories)+1)
	for _, c := range KnownCategories {
		known[c] = true
	}
	known["all"] = true

	var unknown []string
	for c := range m {
		if !known[c] {
			unknown = append(unknown, c)
		}
	}
	sort.Strings(unknown)
	return unknown
}
