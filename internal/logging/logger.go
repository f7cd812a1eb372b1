// Package logging provides the logging contract used across the cluster
// core. Every component accepts a Logger at construction instead of relying
// on a package-level global.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface every component depends on.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// ToggleDebug enables or disables debug-level output and returns the
	// new state.
	ToggleDebug(value bool) bool
}

// LogrusLogger is the default Logger implementation, backed by logrus.
type LogrusLogger struct {
	entry *logrus.Logger
	debug bool
}

// NewLogrusLogger builds a Logger writing structured lines to stderr.
func NewLogrusLogger(name string) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &LogrusLogger{
		entry: l,
		debug: false,
	}
}

func (l *LogrusLogger) Info(v ...interface{})  { l.entry.Info(v...) }
func (l *LogrusLogger) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }
func (l *LogrusLogger) Warn(v ...interface{})  { l.entry.Warn(v...) }
func (l *LogrusLogger) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l *LogrusLogger) Error(v ...interface{}) { l.entry.Error(v...) }
func (l *LogrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

func (l *LogrusLogger) Debug(v ...interface{}) {
	if l.debug {
		l.entry.Debug(v...)
	}
}

func (l *LogrusLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.entry.Debugf(format, v...)
	}
}

func (l *LogrusLogger) Fatal(v ...interface{})                 { l.entry.Fatal(v...) }
func (l *LogrusLogger) Fatalf(format string, v ...interface{})  { l.entry.Fatalf(format, v...) }
func (l *LogrusLogger) Panic(v ...interface{})                  { l.entry.Panic(v...) }
func (l *LogrusLogger) Panicf(format string, v ...interface{})  { l.entry.Panicf(format, v...) }

func (l *LogrusLogger) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}

// RecordingLogger is a test double that keeps every emitted line in memory.
type RecordingLogger struct {
	Lines []string
	debug bool
}

// NewRecordingLogger builds a Logger for use in tests that assert on output.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) record(level, msg string) {
	l.Lines = append(l.Lines, fmt.Sprintf("[%s] %s", level, msg))
}

func (l *RecordingLogger) Info(v ...interface{})  { l.record("INFO", fmt.Sprint(v...)) }
func (l *RecordingLogger) Infof(format string, v ...interface{}) {
	l.record("INFO", fmt.Sprintf(format, v...))
}
func (l *RecordingLogger) Warn(v ...interface{}) { l.record("WARN", fmt.Sprint(v...)) }
func (l *RecordingLogger) Warnf(format string, v ...interface{}) {
	l.record("WARN", fmt.Sprintf(format, v...))
}
func (l *RecordingLogger) Error(v ...interface{}) { l.record("ERROR", fmt.Sprint(v...)) }
func (l *RecordingLogger) Errorf(format string, v ...interface{}) {
	l.record("ERROR", fmt.Sprintf(format, v...))
}
func (l *RecordingLogger) Debug(v ...interface{}) {
	if l.debug {
		l.record("DEBUG", fmt.Sprint(v...))
	}
}
func (l *RecordingLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.record("DEBUG", fmt.Sprintf(format, v...))
	}
}
func (l *RecordingLogger) Fatal(v ...interface{}) { l.record("FATAL", fmt.Sprint(v...)) }
func (l *RecordingLogger) Fatalf(format string, v ...interface{}) {
	l.record("FATAL", fmt.Sprintf(format, v...))
}
func (l *RecordingLogger) Panic(v ...interface{}) { panic(fmt.Sprint(v...)) }
func (l *RecordingLogger) Panicf(format string, v ...interface{}) {
	panic(fmt.Sprintf(format, v...))
}

func (l *RecordingLogger) ToggleDebug(value bool) bool {
	l.debug = value
	return l.debug
}
