package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-j1939-bus/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	l := logging.New(format, lvl, os.Stderr).With("app", "j1939-monitor")
	if err != nil {
		l.Warn("log_level_fallback", "level", level, "used", lvl.String())
	}
	logging.Set(l)
	return l
}
