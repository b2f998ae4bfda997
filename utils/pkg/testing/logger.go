// Package warehousetesting holds helpers shared by package tests.
package warehousetesting

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// LevelFromEnv maps DEBUG to a log level: "2" is debug, "1" is info, anything
// else only lets errors through.
func LevelFromEnv() slog.Level {
	switch os.Getenv("DEBUG") {
	case "2":
		return slog.LevelDebug
	case "1":
		return slog.LevelInfo
	}
	return slog.LevelError
}

// NewLogger returns an uncolored console logger on stderr at LevelFromEnv.
func NewLogger() *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   LevelFromEnv(),
		NoColor: true,
	}))
}
