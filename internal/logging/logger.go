// Package logging provides config-driven categorized file-based logging for colloquy.
// Logs are written to <workspace>/.colloquy/logs/ with separate files per category.
// When debug mode is off, every call is a silent no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryTracker   Category = "tracker"   // Event log and state projection
	CategoryPolicy    Category = "policy"    // Individual policy predictions
	CategoryEnsemble  Category = "ensemble"  // Arbitration decisions
	CategoryLock      Category = "lock"      // Session lock acquisition/release
	CategoryStore     Category = "store"     // Tracker store operations
	CategoryProcessor Category = "processor" // Turn processing pipeline
	CategoryDomain    Category = "domain"    // Domain/rules loading and hot reload
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Settings controls whether and how logs are written.
type Settings struct {
	DebugMode  bool
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// entry is the structured JSON form of a log line.
type entry struct {
	Timestamp int64  `json:"ts"`
	Category  string `json:"cat"`
	Level     string `json:"lvl"`
	Message   string `json:"msg"`
}

// Logger writes to one category's log file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers    = make(map[Category]*Logger)
	loggersMu  sync.RWMutex
	logsDir    string
	settings   Settings
	settingsMu sync.RWMutex
	logLevel   int
)

// Initialize sets up the logging directory under the given workspace.
// Call once at startup; a disabled config makes all logging a no-op.
func Initialize(workspace string, s Settings) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	settingsMu.Lock()
	settings = s
	switch s.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	settingsMu.Unlock()

	if !s.DebugMode {
		return nil
	}

	logsDir = filepath.Join(workspace, ".colloquy", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== colloquy logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", s.Level)
	return nil
}

// IsDebugMode reports whether debug logging is enabled.
func IsDebugMode() bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings.DebugMode
}

// IsCategoryEnabled reports whether a category is enabled.
func IsCategoryEnabled(category Category) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()

	if !settings.DebugMode {
		return false
	}
	if settings.Categories == nil {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger when the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(name, msg string) {
	settingsMu.RLock()
	jsonFormat := settings.JSONFormat
	settingsMu.RUnlock()
	if !jsonFormat {
		l.logger.Printf("[%s] %s", name, msg)
		return
	}
	data, err := json.Marshal(entry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     name,
		Message:   msg,
	})
	if err != nil {
		l.logger.Printf("[%s] %s", name, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.write("DEBUG", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.write("INFO", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.write("WARN", fmt.Sprintf(format, args...))
}

// Error logs an error message (always written if the logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.write("ERROR", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - no-ops when the category is disabled
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Tracker logs to the tracker category.
func Tracker(format string, args ...interface{}) { Get(CategoryTracker).Info(format, args...) }

// TrackerDebug logs debug to the tracker category.
func TrackerDebug(format string, args ...interface{}) { Get(CategoryTracker).Debug(format, args...) }

// Policy logs to the policy category.
func Policy(format string, args ...interface{}) { Get(CategoryPolicy).Info(format, args...) }

// PolicyDebug logs debug to the policy category.
func PolicyDebug(format string, args ...interface{}) { Get(CategoryPolicy).Debug(format, args...) }

// Ensemble logs to the ensemble category.
func Ensemble(format string, args ...interface{}) { Get(CategoryEnsemble).Info(format, args...) }

// EnsembleDebug logs debug to the ensemble category.
func EnsembleDebug(format string, args ...interface{}) {
	Get(CategoryEnsemble).Debug(format, args...)
}

// Lock logs to the lock category.
func Lock(format string, args ...interface{}) { Get(CategoryLock).Info(format, args...) }

// LockDebug logs debug to the lock category.
func LockDebug(format string, args ...interface{}) { Get(CategoryLock).Debug(format, args...) }

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Processor logs to the processor category.
func Processor(format string, args ...interface{}) { Get(CategoryProcessor).Info(format, args...) }

// ProcessorDebug logs debug to the processor category.
func ProcessorDebug(format string, args ...interface{}) {
	Get(CategoryProcessor).Debug(format, args...)
}

// Domain logs to the domain category.
func Domain(format string, args ...interface{}) { Get(CategoryDomain).Info(format, args...) }

// DomainDebug logs debug to the domain category.
func DomainDebug(format string, args ...interface{}) { Get(CategoryDomain).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures an operation's duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
