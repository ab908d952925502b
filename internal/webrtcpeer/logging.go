package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level; pion's trace and debug output is
// only visible when a handler is configured that low.
const levelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's internal logging into logger. pion is chatty
// at info, so each pion level is shifted one step down.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return &loggerFactory{log: logger}
}

type loggerFactory struct {
	log *slog.Logger
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

func (l *leveledLogger) logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Trace(msg string) { l.logf(levelTrace, "%s", msg) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l *leveledLogger) Debug(msg string) { l.logf(levelTrace, "%s", msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l *leveledLogger) Info(msg string) { l.logf(slog.LevelDebug, "%s", msg) }
func (l *leveledLogger) Infof(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l *leveledLogger) Warn(msg string) { l.logf(slog.LevelWarn, "%s", msg) }
func (l *leveledLogger) Warnf(format string, args ...any) { l.logf(slog.LevelWarn, format, args...) }
func (l *leveledLogger) Error(msg string) { l.logf(slog.LevelError, "%s", msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
