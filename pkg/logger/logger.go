package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger configured for the given service name.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}

// NewMirrored returns a text slog.Logger writing through the provided
// tee, so attempt progress shows on the console in real time and, while
// a log file is attached, in that file as well.
func NewMirrored(service string, level slog.Level, tee *Tee) *slog.Logger {
	h := slog.NewTextHandler(tee, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
