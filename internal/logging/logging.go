// Package logging wraps zerolog behind the service logger used across the
// gateway. Log calls carry a context so the request id travels with every
// line without handlers threading it by hand.
package logging

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

type ctxKey int

const requestIDKey ctxKey = 0

// WithRequestID stores a request id on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored on the context, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Logger is the gateway's structured logger.
type Logger struct {
	zl zerolog.Logger
}

// New creates a logger tagged with the service name. Pretty selects the
// console writer for development use.
func New(service string, pretty bool) *Logger {
	var zl zerolog.Logger
	if pretty {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zl = zerolog.New(os.Stderr)
	}
	zl = zl.With().Timestamp().Str("service", service).Logger()
	return &Logger{zl: zl}
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func (l *Logger) emit(ctx context.Context, ev *zerolog.Event, msg string, fields map[string]interface{}) {
	if ctx != nil {
		if id := RequestID(ctx); id != "" {
			ev = ev.Str("request_id", id)
		}
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Debug(), msg, fields)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Info(), msg, fields)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Warn(), msg, fields)
}

// Error logs at error level with an attached error.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields map[string]interface{}) {
	ev := l.zl.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	l.emit(ctx, ev, msg, fields)
}
