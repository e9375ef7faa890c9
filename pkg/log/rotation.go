package log

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewWithRotation creates a Logger that writes JSON to a size-rotated file in
// addition to stderr. Intended for long-running deployments where a single
// log file would otherwise grow without bound.
func NewWithRotation(path string, level slog.Level) *Logger {
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	w := io.MultiWriter(os.Stderr, rotator)
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{inner: slog.New(h)}
}
