// Package logging provides the leveled logger used across the vdo index
// engine. It mirrors the shape of the teacher's in-repo logging package:
// a global level plus package-level Xxxf helpers, rather than a
// structured/"fields" logger, since the core is embedded and the caller
// owns log sinks.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level is the severity of a log line, ordered Silent < Fatal < Error <
// Warn < Info < Debug < Trace.
type Level int32

const (
	Silent Level = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

func (l Level) String() string {
	switch l {
	case Silent:
		return "Silent"
	case Fatal:
		return "Fatal"
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	case Trace:
		return "Trace"
	}
	return "Unknown"
}

// ParseLevel converts a user-facing string (as accepted by the -loglevel
// CLI flag) into a Level. Unrecognized strings fall back to Info.
func ParseLevel(s string) Level {
	switch s {
	case "Silent":
		return Silent
	case "Fatal":
		return Fatal
	case "Error":
		return Error
	case "Warn":
		return Warn
	case "Info":
		return Info
	case "Debug":
		return Debug
	case "Trace":
		return Trace
	}
	return Info
}

var currentLevel int32 = int32(Info)

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// SetLevel changes the global log level. Safe for concurrent use.
func SetLevel(l Level) {
	atomic.StoreInt32(&currentLevel, int32(l))
}

func enabled(l Level) bool {
	return Level(atomic.LoadInt32(&currentLevel)) >= l
}

func output(l Level, format string, args ...interface{}) {
	if !enabled(l) {
		return
	}
	std.Output(3, fmt.Sprintf("[%v] %s", l, fmt.Sprintf(format, args...)))
}

func Fatalf(format string, args ...interface{}) {
	output(Fatal, format, args...)
}

func Errorf(format string, args ...interface{}) {
	output(Error, format, args...)
}

func Warnf(format string, args ...interface{}) {
	output(Warn, format, args...)
}

func Infof(format string, args ...interface{}) {
	output(Info, format, args...)
}

func Debugf(format string, args ...interface{}) {
	output(Debug, format, args...)
}

func Tracef(format string, args ...interface{}) {
	output(Trace, format, args...)
}
