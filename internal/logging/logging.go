// Package logging builds the process logger and carries correlation ids
// through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/phsym/console-slog"
)

type ctxKey string

const ctxKeyCorrelationID ctxKey = "correlation_id"

// New returns a colored console logger in development and JSON otherwise.
func New(development bool, w io.Writer) *slog.Logger {
	if development {
		return slog.New(console.NewHandler(w, &console.HandlerOptions{
			AddSource: true,
			Level:     slog.LevelDebug,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// WithCorrelationID stores id in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelationID, id)
}

// CorrelationID returns the id stored by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyCorrelationID).(string)
	return id
}

// FromContext adds correlation_id to logger if ctx carries one.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	id := CorrelationID(ctx)
	if id == "" {
		return logger
	}
	return logger.With("correlation_id", id)
}
