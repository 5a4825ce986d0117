package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"cortex/internal/security/redaction"
)

// Logger defines a minimal, printf-style logging contract. Packages depend on
// this interface instead of a concrete sink so tests can inject their own.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
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

// ParseLevel maps a configuration string to a Level. Unknown values and the
// empty string mean Info.
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

// sink is the shared process-wide output: one log file plus stdout. Component
// loggers share it so a single SetLevel call governs the whole process.
type sink struct {
	mu     sync.Mutex
	out    io.Writer
	file   *os.File
	level  Level
	stdout bool
}

var (
	defaultSink *sink
	sinkOnce    sync.Once
)

func getSink() *sink {
	sinkOnce.Do(func() {
		defaultSink = &sink{level: LevelDebug, stdout: true}

		path := os.Getenv("CORTEX_LOG_FILE")
		if path == "" {
			if dir := os.Getenv("CORTEX_LOG_DIR"); dir != "" {
				path = filepath.Join(dir, "cortex.log")
			}
		}
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				fmt.Fprintf(os.Stderr, "logging: resolve home dir: %v\n", err)
				return
			}
			path = filepath.Join(home, ".cortex", "cortex.log")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "logging: create log dir: %v\n", err)
			return
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: open log file: %v\n", err)
			return
		}
		defaultSink.file = file
		defaultSink.out = file
	})
	return defaultSink
}

func (s *sink) write(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	_, file, line, ok := runtime.Caller(3)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// 2026-01-02 15:04:05 [INFO] [dispatch] tracker.go:87 - message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, level, component, file, line, message)

	sanitized := redaction.SanitizeText(logLine)

	if s.out != nil {
		fmt.Fprint(s.out, sanitized)
	}
	if s.stdout {
		fmt.Print(sanitized)
	}
}

// SetLevel sets the minimum level for the shared process sink.
func SetLevel(level Level) {
	s := getSink()
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()
}

// Close closes the shared log file.
func Close() error {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

type componentLogger struct {
	sink      *sink
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	if component == "" {
		component = "cortex"
	}
	return &componentLogger{sink: getSink(), component: component}
}

// NewWriterLogger returns a logger that writes only to w. Intended for tests.
func NewWriterLogger(w io.Writer, component string, level Level) Logger {
	return &componentLogger{
		sink:      &sink{out: w, level: level},
		component: component,
	}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.sink.write(LevelDebug, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.sink.write(LevelInfo, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.sink.write(LevelWarn, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.sink.write(LevelError, l.component, format, args...)
}
