// Package logging provides leveled logging with verbose mode support.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger provides leveled logging with verbose mode support.
type Logger struct {
	verbose bool
	out     io.Writer
	mu      sync.RWMutex
}

var (
	loggerInstance *Logger
	once           sync.Once
)

// GetLogger returns the singleton logger instance.
func GetLogger() *Logger {
	once.Do(func() {
		loggerInstance = &Logger{
			verbose: false,
			out:     os.Stderr,
		}
	})
	return loggerInstance
}

// SetVerboseMode sets the verbose mode globally.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

// SetVerbose sets the verbose mode for this logger instance.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// IsVerbose returns whether verbose mode is enabled.
func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

// SetOutput redirects log output, primarily for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *Logger) writer() io.Writer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.out
}

// formatMessage formats a message with optional printf-style arguments.
func formatMessage(msgOrFormat string, args ...interface{}) string {
	if len(args) > 0 {
		return fmt.Sprintf(msgOrFormat, args...)
	}
	return msgOrFormat
}

// Debug logs a debug message (only shown when verbose=true).
func (l *Logger) Debug(msgOrFormat string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	fmt.Fprintf(l.writer(), "%s [DEBUG] %s\n", time.Now().Format("15:04:05"), formatMessage(msgOrFormat, args...))
}

// Info logs an info message (always shown).
func (l *Logger) Info(msgOrFormat string, args ...interface{}) {
	fmt.Fprintf(l.writer(), "[INFO] %s\n", formatMessage(msgOrFormat, args...))
}

// Warn logs a warning message (always shown).
func (l *Logger) Warn(msgOrFormat string, args ...interface{}) {
	fmt.Fprintf(l.writer(), "[WARN] %s\n", formatMessage(msgOrFormat, args...))
}

// Error logs an error message (always shown).
func (l *Logger) Error(msgOrFormat string, args ...interface{}) {
	fmt.Fprintf(l.writer(), "[ERROR] %s\n", formatMessage(msgOrFormat, args...))
}

// Debugf logs a debug message using the global logger.
func Debugf(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// Infof logs an info message using the global logger.
func Infof(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

// Warnf logs a warning message using the global logger.
func Warnf(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

// Errorf logs an error message using the global logger.
func Errorf(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}
