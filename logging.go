package forkcore

import (
	"log/slog"
	"os"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging sets up the global default logger with a text handler and
// configures the level from FORKCORE_LOG_LEVEL (DEBUG, WARN, ERROR; defaults
// to INFO). Diagnostics go to stderr: stdout belongs to the RPC transport,
// and a log line interleaved into the response stream would corrupt it.
// Applications embedding this module should call it once at startup if they
// want the module's default logging configuration.
func ConfigureLogging() {
	logLevel.Set(slog.LevelInfo)
	switch os.Getenv("FORKCORE_LOG_LEVEL") {
	case "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "WARN":
		logLevel.Set(slog.LevelWarn)
	case "ERROR":
		logLevel.Set(slog.LevelError)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel adjusts the level of the logger configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// ForkLogger returns the default logger with the fork's id attached, so
// every line emitted while operating on that fork correlates back to it.
func ForkLogger(id ForkId) *slog.Logger {
	return slog.Default().With("fork", id.String())
}

// WorkbookLogger returns the default logger with the workbook's id attached.
func WorkbookLogger(id WorkbookId) *slog.Logger {
	return slog.Default().With("workbook", id.String())
}
