// Package logging provides the minimal diagnostic sink every component logs through: printf-style messages at four
// severities, matching the "logger" session option. No structured-logging library appears anywhere in the
// retrieval pack (only the standard "log" package, the way dargueta-disko/cmd/main.go uses it), so this wraps
// that rather than reaching for zap/logrus.
package logging

import (
	"log"
	"os"
)

// Level selects the minimum severity a Logger actually emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the sink components log through. They never buffer, rotate, or format beyond printf substitution;
// that's the caller's concern.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StdLogger backs Logger with the standard library's log package. Messages below Level are discarded.
type StdLogger struct {
	level  Level
	logger *log.Logger
}

// New returns a StdLogger writing to stderr with standard timestamp flags, emitting only messages at or above level.
func New(level Level) *StdLogger {
	return &StdLogger{level: level, logger: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *StdLogger) emit(level Level, prefix, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.logger.Printf(prefix+format, args...)
}

func (l *StdLogger) Debugf(format string, args ...interface{}) { l.emit(LevelDebug, "DEBUG ", format, args...) }
func (l *StdLogger) Infof(format string, args ...interface{})  { l.emit(LevelInfo, "INFO ", format, args...) }
func (l *StdLogger) Warnf(format string, args ...interface{})  { l.emit(LevelWarn, "WARN ", format, args...) }
func (l *StdLogger) Errorf(format string, args ...interface{}) { l.emit(LevelError, "ERROR ", format, args...) }

// Nop discards everything. Useful as a default when no logger is configured.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}
