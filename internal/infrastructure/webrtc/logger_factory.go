package webrtc

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// ZapLoggerFactory routes pion's internal logging into zap. Each pion scope
// becomes a named child logger.
type ZapLoggerFactory struct {
	logger *zap.SugaredLogger
}

// NewZapLoggerFactory routes pion's internal logging to logger.
func NewZapLoggerFactory(logger *zap.SugaredLogger) *ZapLoggerFactory {
	return &ZapLoggerFactory{logger: logger.Named("pion")}
}

func (f *ZapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveledLogger{logger: f.logger.Named(scope)}
}

// zapLeveledLogger drops pion trace output; zap has no level below debug.
type zapLeveledLogger struct {
	logger *zap.SugaredLogger
}

func (l *zapLeveledLogger) Trace(string) {}
func (l *zapLeveledLogger) Tracef(string, ...interface{}) {}

func (l *zapLeveledLogger) Debug(msg string) { l.logger.Debug(msg) }
func (l *zapLeveledLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *zapLeveledLogger) Info(msg string) { l.logger.Info(msg) }
func (l *zapLeveledLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l *zapLeveledLogger) Warn(msg string) { l.logger.Warn(msg) }
func (l *zapLeveledLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *zapLeveledLogger) Error(msg string) { l.logger.Error(msg) }
func (l *zapLeveledLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}
