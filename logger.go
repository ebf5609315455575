package btshower

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger denotes a generic logger interface (satisfied by *zap.SugaredLogger)
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewDefaultLogger instantiates a console logger, logging at debug level if requested
func NewDefaultLogger(debug bool) *zap.SugaredLogger {
	if debug {
		return NewLogger(zap.DebugLevel)
	}
	return NewLogger(zap.InfoLevel)
}

// NewLogger instantiates a console logger for the given level
func NewLogger(level zapcore.Level) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

// NullLogger discards all log messages
type NullLogger struct{}

// Debugf discards the message
func (l *NullLogger) Debugf(format string, args ...interface{}) {}

// Infof discards the message
func (l *NullLogger) Infof(format string, args ...interface{}) {}

// Warnf discards the message
func (l *NullLogger) Warnf(format string, args ...interface{}) {}

// Errorf discards the message
func (l *NullLogger) Errorf(format string, args ...interface{}) {}

// Fatalf discards the message
func (l *NullLogger) Fatalf(format string, args ...interface{}) {}
