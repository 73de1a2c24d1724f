// Package logging provides the engine's structured logger: a thin
// per-component wrapper around logrus, matching the level-tagged,
// prefix-per-subsystem shape of the teacher's device/logger.go but
// backed by a real structured-logging library instead of three raw
// log.Logger instances.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a per-component handle. component is attached to every
// entry as a field, mirroring the teacher's "prepend" string.
type Logger struct {
	entry *logrus.Entry
}

var base = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}()

// SetLevel adjusts the process-wide log level (e.g. from a CLI flag).
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// New returns a Logger tagged with component, e.g. "central", "queue",
// or "transport:cul0".
func New(component string) *Logger {
	return &Logger{entry: base.WithField("component", component)}
}

// With returns a derived Logger with additional structured fields, e.g.
// log.With(logrus.Fields{"peer": addr}).Debugf("...").
func (l *Logger) With(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) Debug(v ...interface{}) { l.entry.Debug(v...) }
func (l *Logger) Debugf(f string, v ...interface{}) { l.entry.Debugf(f, v...) }
func (l *Logger) Info(v ...interface{})  { l.entry.Info(v...) }
func (l *Logger) Infof(f string, v ...interface{}) { l.entry.Infof(f, v...) }
func (l *Logger) Warn(v ...interface{})  { l.entry.Warn(v...) }
func (l *Logger) Warnf(f string, v ...interface{}) { l.entry.Warnf(f, v...) }
func (l *Logger) Error(v ...interface{}) { l.entry.Error(v...) }
func (l *Logger) Errorf(f string, v ...interface{}) { l.entry.Errorf(f, v...) }
