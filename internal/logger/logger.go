// Package logger wraps a zap SugaredLogger the way the teacher's
// core/services/log package wraps its own logger: package-level functions
// calling through to one process-wide instance, with structured
// key/value pairs rather than pre-formatted strings.
package logger

import (
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	log = l.Sugar()
}

// SetLogger replaces the process-wide logger (by default a zap
// production logger built in init).
func SetLogger(l *zap.Logger) {
	log = l.Sugar()
}

func Debugw(msg string, keysAndValues ...interface{}) { log.Debugw(msg, keysAndValues...) }
func Infow(msg string, keysAndValues ...interface{})  { log.Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { log.Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { log.Errorw(msg, keysAndValues...) }

func Debug(args ...interface{}) { log.Debug(args...) }
func Info(args ...interface{})  { log.Info(args...) }
func Warn(args ...interface{})  { log.Warn(args...) }
func Error(args ...interface{}) { log.Error(args...) }
func Fatal(args ...interface{}) { log.Fatal(args...) }

func Sync() error { return log.Sync() }
