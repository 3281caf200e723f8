package amqp

import (
	"io"
	"log/slog"
)

// Logger is the interface used for structured logging. It is satisfied by
// *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger discards everything. The library stays silent unless a
// Logger is configured with ConnLogger.
func defaultLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
