package logging

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
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

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger defines a minimal, printf-style logging contract.
//
// Long-lived services (stores, schedulers, gateways) depend on this
// interface rather than a concrete logger so tests can pass Nop().
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
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

// WriterLogger is a leveled printf logger writing one line per record.
type WriterLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	component string
	now       func() time.Time
}

// New creates a WriterLogger emitting to out at the given level.
func New(out io.Writer, level Level, component string) *WriterLogger {
	if out == nil {
		out = os.Stderr
	}
	return &WriterLogger{out: out, level: level, component: component, now: time.Now}
}

var (
	defaultLogger *WriterLogger
	defaultOnce   sync.Once
)

// Default returns the process-wide logger (stderr, info level).
func Default() *WriterLogger {
	defaultOnce.Do(func() {
		defaultLogger = New(os.Stderr, LevelInfo, "")
	})
	return defaultLogger
}

// NewComponentLogger returns the default logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return Default().WithComponent(component)
}

// WithComponent returns a copy of the logger tagged with a component name.
// The copy takes the level current at call time.
func (l *WriterLogger) WithComponent(component string) *WriterLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &WriterLogger{out: l.out, level: l.level, component: component, now: l.now}
}

// SetLevel sets the minimum level emitted.
func (l *WriterLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *WriterLogger) log(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	component := l.component
	if component == "" {
		component = "banto"
	}

	// 2006-01-02 15:04:05 [INFO] [component] - message
	fmt.Fprintf(l.out, "%s [%s] [%s] - %s\n",
		l.now().Format("2006-01-02 15:04:05"),
		levelString(level),
		component,
		fmt.Sprintf(format, args...))
}

func (l *WriterLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *WriterLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *WriterLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *WriterLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }
