package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Scope tags log lines with a fixed label, e.g. a short session id.
type Scope string

// ShortID trims a UUID-like id to its first 8 characters for log labels.
func ShortID(id string) Scope {
	if len(id) > 8 {
		id = id[:8]
	}
	return Scope(id)
}

func (s Scope) Debug(format string, args ...interface{}) {
	LogDebug("[%s] %s", s, fmt.Sprintf(format, args...))
}

func (s Scope) Info(format string, args ...interface{}) {
	LogInfo("[%s] %s", s, fmt.Sprintf(format, args...))
}

func (s Scope) Success(format string, args ...interface{}) {
	LogSuccess("[%s] %s", s, fmt.Sprintf(format, args...))
}

func (s Scope) Warning(format string, args ...interface{}) {
	LogWarning("[%s] %s", s, fmt.Sprintf(format, args...))
}

func (s Scope) Error(format string, args ...interface{}) {
	LogError("[%s] %s", s, fmt.Sprintf(format, args...))
}
