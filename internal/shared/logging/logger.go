// Package logging provides a minimal, printf-style logging contract used
// across the service, plus component-scoped constructors. Keeping the
// interface tiny lets packages depend on logging without pulling in the
// concrete sink.
package logging

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level controls the minimum severity that is emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	levelMu      sync.RWMutex
	defaultLevel = LevelInfo
)

// SetLevel sets the process-wide minimum severity. Intended to be called
// once at startup from configuration.
func SetLevel(l Level) {
	levelMu.Lock()
	defaultLevel = l
	levelMu.Unlock()
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type componentLogger struct {
	component string
	out       *log.Logger
}

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// NewComponentLogger returns the default application logger scoped to a
// component. The component name appears in every line.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, out: std}
}

func (l *componentLogger) log(level Level, tag, format string, args ...any) {
	levelMu.RLock()
	min := defaultLevel
	levelMu.RUnlock()
	if level < min {
		return
	}
	l.out.Printf("%s [%s] %s", tag, l.component, fmt.Sprintf(format, args...))
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.log(LevelDebug, "DEBUG", format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.log(LevelInfo, "INFO", format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.log(LevelWarn, "WARN", format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.log(LevelError, "ERROR", format, args...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}
