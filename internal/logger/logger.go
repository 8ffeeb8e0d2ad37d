// Package logger carries the process wide slog helpers shared by the
// library and the CLI.
package logger

import (
	"log/slog"
	"os"
)

// Setup installs a JSON handler on slog.Default at the given level. Level
// strings follow slog.Level.UnmarshalText ("debug", "info", "warn", "error").
func Setup(level string) {
	var lvl slog.Level
	lvl.UnmarshalText([]byte(level))
	v := &slog.LevelVar{}
	v.Set(lvl)
	slog.SetDefault(
		slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: v,
			}),
		),
	)
}

// Fail logs msg at error level and exits the process. Reserved for states
// the program cannot continue from.
func Fail(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
