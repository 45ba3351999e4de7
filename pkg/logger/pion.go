package logger

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionLoggerFactory routes pion's internal logging through zap. Each pion
// scope becomes a named child logger.
type PionLoggerFactory struct {
	logger *zap.Logger
}

func NewPionLoggerFactory(logger *zap.Logger) *PionLoggerFactory {
	return &PionLoggerFactory{logger: logger.Named("pion")}
}

func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{sugar: f.logger.Named(scope).Sugar()}
}

type pionLogger struct {
	sugar *zap.SugaredLogger
}

// pion's trace level is noisier than zap's debug; it is folded into debug.
func (l *pionLogger) Trace(msg string)                          { l.sugar.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.sugar.Debug(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Debug(msg string)                          { l.sugar.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.sugar.Info(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.sugar.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.sugar.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }
