package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents a logging level
type Level int

const (
	// LevelDebug is the most verbose logging level
	LevelDebug Level = iota
	// LevelInfo logs informational messages
	LevelInfo
	// LevelWarn logs warnings
	LevelWarn
	// LevelError logs errors
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// String returns string representation of log level
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
	case LevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "info", "INFO":
		return LevelInfo
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	case "none", "NONE":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Sink receives every formatted line that passes the level filter.
// The sync server and the reload client report all failures through it, so a
// host can route them to its own output pane.
type Sink func(level Level, line string)

// shared is the state common to a logger and the children created by WithPrefix.
type shared struct {
	mu     sync.RWMutex
	level  Level
	out    *log.Logger
	file   *os.File
	sink   Sink
	silent bool // no writer; the sink may still receive lines
}

// Logger provides leveled logging with an optional callback sink
type Logger struct {
	s      *shared
	prefix string
}

var (
	globalLogger *Logger
	globalMu     sync.Mutex
	once         sync.Once
)

// Init initializes the global logger
func Init(level Level, logPath string) error {
	var err error
	once.Do(func() {
		var l *Logger
		l, err = New(level, logPath, "")
		if err == nil {
			globalMu.Lock()
			globalLogger = l
			globalMu.Unlock()
		}
	})
	return err
}

// New creates a Logger that appends to logPath. An empty path or LevelNone
// yields a logger that writes nowhere.
func New(level Level, logPath string, prefix string) (*Logger, error) {
	s := &shared{level: level}

	if level == LevelNone || logPath == "" {
		s.out = log.New(io.Discard, "", 0)
		s.silent = true
		return &Logger{s: s, prefix: prefix}, nil
	}

	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	s.file = file
	s.out = log.New(file, "", 0)
	return &Logger{s: s, prefix: prefix}, nil
}

// NewWriter creates a Logger writing to w (typically os.Stderr)
func NewWriter(level Level, w io.Writer, prefix string) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		s: &shared{
			level: level,
			out:   log.New(w, "", 0),
		},
		prefix: prefix,
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return &Logger{s: &shared{level: LevelNone, out: log.New(io.Discard, "", 0), silent: true}}
}

// Global returns the global logger instance
func Global() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = Discard()
	}
	return globalLogger
}

// SetGlobal replaces the global logger
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// OrGlobal returns l, or the global logger when l is nil
func OrGlobal(l *Logger) *Logger {
	if l == nil {
		return Global()
	}
	return l
}

// WithPrefix creates a new logger with an additional prefix.
// The child shares level, output and sink with its parent.
func (l *Logger) WithPrefix(prefix string) *Logger {
	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + ":" + prefix
	}
	return &Logger{s: l.s, prefix: newPrefix}
}

// SetSink installs fn as the callback for every emitted line. Passing nil removes it.
func (l *Logger) SetSink(fn Sink) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.sink = fn
	if fn != nil && l.s.level == LevelNone {
		l.s.level = LevelInfo
	}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.s.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.s.mu.RLock()
	minLevel, out, sink, silent := l.s.level, l.s.out, l.s.sink, l.s.silent
	l.s.mu.RUnlock()

	if level < minLevel || (silent && sink == nil) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	prefix := l.prefix
	if prefix != "" {
		prefix = "[" + prefix + "] "
	}

	if !silent {
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		out.Println(fmt.Sprintf("%s [%s] %s%s", timestamp, level.String(), prefix, msg))
	}
	if sink != nil {
		sink(level, prefix+msg)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Close closes the logger and its underlying file
func (l *Logger) Close() error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if l.s.file != nil {
		err := l.s.file.Close()
		l.s.file = nil
		l.s.out = log.New(io.Discard, "", 0)
		l.s.silent = true
		return err
	}
	return nil
}

// Global logging functions for convenience

// Debug logs a debug message using the global logger
func Debug(format string, args ...interface{}) {
	Global().Debug(format, args...)
}

// Info logs an informational message using the global logger
func Info(format string, args ...interface{}) {
	Global().Info(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(format string, args ...interface{}) {
	Global().Warn(format, args...)
}

// Error logs an error message using the global logger
func Error(format string, args ...interface{}) {
	Global().Error(format, args...)
}
