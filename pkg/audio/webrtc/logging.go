package webrtc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace is the slog level used for pion trace output.
const LevelTrace = slog.LevelDebug - 4

// slogFactory implements [logging.LoggerFactory] on top of slog.
type slogFactory struct {
	base *slog.Logger
}

// NewSlogLoggerFactory returns a pion logger factory that writes to l, or to
// the default slog logger when l is nil. Each pion scope becomes a "scope"
// attribute.
func NewSlogLoggerFactory(l *slog.Logger) logging.LoggerFactory {
	return &slogFactory{base: l}
}

func (f *slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLogger{base: f.base, scope: scope}
}

type slogLogger struct {
	base  *slog.Logger
	scope string
}

func (l *slogLogger) logger() *slog.Logger {
	if l.base != nil {
		return l.base
	}
	return slog.Default()
}

func (l *slogLogger) log(level slog.Level, msg string) {
	lg := l.logger()
	ctx := context.Background()
	if !lg.Enabled(ctx, level) {
		return
	}
	lg.Log(ctx, level, msg, "scope", "pion/"+l.scope)
}

func (l *slogLogger) logf(level slog.Level, format string, args ...any) {
	if !l.logger().Enabled(context.Background(), level) {
		return
	}
	l.log(level, fmt.Sprintf(format, args...))
}

func (l *slogLogger) Trace(msg string)                  { l.log(LevelTrace, msg) }
func (l *slogLogger) Tracef(format string, args ...any) { l.logf(LevelTrace, format, args...) }
func (l *slogLogger) Debug(msg string)                  { l.log(slog.LevelDebug, msg) }
func (l *slogLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *slogLogger) Info(msg string)                   { l.log(slog.LevelInfo, msg) }
func (l *slogLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l *slogLogger) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l *slogLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *slogLogger) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l *slogLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
