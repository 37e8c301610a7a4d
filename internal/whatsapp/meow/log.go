package meow

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// zapLogger routes protocol library logs into the application logger.
type zapLogger struct {
	log *zap.SugaredLogger
}

func NewLogger(module string) waLog.Logger {
	return &zapLogger{log: zap.S().Named(module)}
}

func (l *zapLogger) Debugf(msg string, args ...interface{}) {
	l.log.Debugf(msg, args...)
}

func (l *zapLogger) Infof(msg string, args ...interface{}) {
	l.log.Infof(msg, args...)
}

func (l *zapLogger) Warnf(msg string, args ...interface{}) {
	l.log.Warnf(msg, args...)
}

func (l *zapLogger) Errorf(msg string, args ...interface{}) {
	l.log.Errorf(msg, args...)
}

func (l *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{log: l.log.Named(module)}
}

var _ waLog.Logger = (*zapLogger)(nil)
