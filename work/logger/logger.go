package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// LogLevel is the severity threshold for emitted messages.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a leveled logger instance writing through the standard log package.
type Logger struct {
	level LogLevel
	mu    sync.RWMutex
}

// New creates a Logger with the given level name.
func New(level string) *Logger {
	return &Logger{level: ParseLogLevel(level)}
}

func getDefaultLogger() *Logger {
	once.Do(func() {
		defaultLogger = &Logger{level: INFO}
	})
	return defaultLogger
}

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLogLevel sets the global default log level.
func SetLogLevel(level string) {
	getDefaultLogger().SetLevel(level)
}

// GetLogLevel returns the current global level name.
func GetLogLevel() string {
	return getDefaultLogger().GetLevel()
}

// SetLevel sets this logger's threshold.
func (l *Logger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = ParseLogLevel(level)
}

// GetLevel returns this logger's threshold name.
func (l *Logger) GetLevel() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.level >= DEBUG && l.level <= ERROR {
		return levelNames[l.level]
	}
	return "INFO"
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) emit(level LogLevel, format string, v ...interface{}) {
	if !l.shouldLog(level) {
		return
	}
	log.Printf("[%s] %s", levelNames[level], fmt.Sprintf(format, v...))
}

// Debug logs debug level messages.
func (l *Logger) Debug(format string, v ...interface{}) { l.emit(DEBUG, format, v...) }

// Info logs info level messages.
func (l *Logger) Info(format string, v ...interface{}) { l.emit(INFO, format, v...) }

// Warn logs warning level messages.
func (l *Logger) Warn(format string, v ...interface{}) { l.emit(WARN, format, v...) }

// Error logs error level messages.
func (l *Logger) Error(format string, v ...interface{}) { l.emit(ERROR, format, v...) }

// Package-level helpers for the default logger.

func Debug(format string, v ...interface{}) { getDefaultLogger().Debug(format, v...) }
func Info(format string, v ...interface{})  { getDefaultLogger().Info(format, v...) }
func Warn(format string, v ...interface{})  { getDefaultLogger().Warn(format, v...) }
func Error(format string, v ...interface{}) { getDefaultLogger().Error(format, v...) }
