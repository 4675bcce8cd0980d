package logs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

// Logger is the interface that wraps the basic logging methods.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...interface{})
	Info(ctx context.Context, msg string, keysAndValues ...interface{})
	Warn(ctx context.Context, msg string, keysAndValues ...interface{})
	Error(ctx context.Context, msg string, keysAndValues ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type LogFormat string

const (
	TextFormat LogFormat = "text"
	JSONFormat LogFormat = "json"
)

type defaultLogger struct {
	logger *slog.Logger
	source bool
}

func NewDefaultLogger(level slog.Leveler, format LogFormat) Logger {
	return NewLogger(os.Stdout, level, format)
}

func NewLogger(w io.Writer, level slog.Leveler, format LogFormat) Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case JSONFormat:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &defaultLogger{
		logger: slog.New(handler),
		source: level != nil && level.Level() <= slog.LevelDebug,
	}
}

// Nop discards everything.
func Nop() Logger {
	return &defaultLogger{logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// ParseLevel maps config strings to slog levels, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (l *defaultLogger) addSource(keysAndValues []interface{}) []interface{} {
	if !l.source {
		return keysAndValues
	}
	_, file, line, ok := runtime.Caller(2) // Skip two frames to get to the caller
	if ok {
		keysAndValues = append(keysAndValues, "source", file+":"+fmt.Sprintf("%d", line))
	}
	return keysAndValues
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.DebugContext(ctx, msg, l.addSource(keysAndValues)...)
}

func (l *defaultLogger) Info(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.InfoContext(ctx, msg, l.addSource(keysAndValues)...)
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.WarnContext(ctx, msg, l.addSource(keysAndValues)...)
}

func (l *defaultLogger) Error(ctx context.Context, msg string, keysAndValues ...interface{}) {
	l.logger.ErrorContext(ctx, msg, l.addSource(keysAndValues)...)
}

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &defaultLogger{logger: l.logger.With(args...), source: l.source}
}
