package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// TextHandler returns a human-readable slog handler for local runs.
func TextHandler(level string, w io.Writer) slog.Handler {
	if w == nil {
		w = os.Stderr
	}

	reportCaller := false
	reportTimestamp := true
	lvl := log.InfoLevel
	switch strings.ToLower(level) {
	case "trace":
		reportCaller = true
		lvl = log.DebugLevel
	case "debug":
		lvl = log.DebugLevel
	case "warn", "warning":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	}

	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: reportTimestamp,
		ReportCaller:    reportCaller,
		Level:           lvl,
		Prefix:          "reconciler",
	})
}

// JSONHandler returns a structured handler for log shipping.
func JSONHandler(level string, w io.Writer) slog.Handler {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: strings.EqualFold(level, "trace"),
	}
	return slog.NewJSONHandler(w, opts)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Setup builds the process logger and installs it as the slog default.
func Setup(level string, json bool, w io.Writer) *slog.Logger {
	var h slog.Handler
	if json {
		h = JSONHandler(level, w)
	} else {
		h = TextHandler(level, w)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
