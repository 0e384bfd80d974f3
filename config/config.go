// Package config resolves the handful of environment-variable overrides the
// process that constructs a BatchCache/PrefixCache cares about: a Var helper
// wrapping os.Getenv, and typed accessor functions with documented defaults.
// The cache types themselves stay free of environment coupling — only their
// constructors' callers use this package.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Var returns the trimmed value of the named environment variable, or "" if
// unset.
func Var(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

// DeviceCapacity resolves KVENGINE_DEVICE_CAPACITY, the target maximum
// number of PrefixCache entries kept resident on device. fallback is
// returned if the variable is unset, and returned with a warning logged if
// it is set but not a positive integer.
func DeviceCapacity(fallback int) int {
	s := Var("KVENGINE_DEVICE_CAPACITY")
	if s == "" {
		return fallback
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		slog.Warn("config: ignoring invalid KVENGINE_DEVICE_CAPACITY", "value", s, "fallback", fallback)
		return fallback
	}

	return n
}

// LogLevel resolves KVENGINE_DEBUG: unset or "0" is slog.LevelInfo, anything
// else is slog.LevelDebug.
func LogLevel() slog.Level {
	if Var("KVENGINE_DEBUG") == "" || Var("KVENGINE_DEBUG") == "0" {
		return slog.LevelInfo
	}
	return slog.LevelDebug
}
