// Package logging provides config-driven categorized file-based logging for coverloop.
// Logs are written to <workspace>/.coverloop/logs/ with separate files per category.
// Logging is controlled by debug_mode in the logging config - when false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category names one log file.
type Category string

const (
	CategoryBoot      Category = "boot"      // Boot/initialization
	CategorySession   Category = "session"   // Backend session lifecycle (handshake, teardown)
	CategoryProtocol  Category = "protocol"  // JSON-RPC framing and decoding
	CategoryRetry     Category = "retry"     // Resilience wrapper attempts and telemetry
	CategoryIteration Category = "iteration" // Iteration controller state machine
	CategoryCoverage  Category = "coverage"  // Coverage snapshots
	CategoryRecommend Category = "recommend" // Recommendation ranking
	CategoryExecutor  Category = "executor"  // Test case execution
	CategoryBrowser   Category = "browser"   // Local browser automation
	CategoryPlanner   Category = "planner"   // Planning, generation and healing
	CategoryArtifacts Category = "artifacts" // Screenshots, snapshots, history store
	CategoryReport    Category = "report"    // Report writing
)

// Config mirrors config.LoggingConfig to avoid circular imports.
type Config struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories"`
	Level      string          `yaml:"level" json:"level"`
	JSONFormat bool            `yaml:"json_format" json:"json_format"`
}

// StructuredLogEntry represents a JSON log entry.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`  // Unix milliseconds
	Category  string                 `json:"cat"` // Log category
	Level     string                 `json:"lvl"` // debug/info/warn/error
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes one category to its own file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    Config
	configMu  sync.RWMutex
	logLevel  int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory under the workspace.
// Should be called once at startup. A disabled config makes every logger a no-op.
func Initialize(workspace string, cfg Config) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	CloseAll()

	configMu.Lock()
	config = cfg
	logLevel = parseLevel(cfg.Level)
	configMu.Unlock()

	if !cfg.DebugMode {
		loggersMu.Lock()
		logsDir = ""
		loggersMu.Unlock()
		return nil
	}

	dir := filepath.Join(workspace, ".coverloop", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	loggersMu.Lock()
	logsDir = dir
	loggersMu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("=== coverloop logging initialized ===")
	boot.Info("Workspace: %s", workspace)
	boot.Info("Log level: %s", cfg.Level)
	if len(cfg.Categories) == 0 {
		boot.Info("All categories enabled (no category filter)")
	}
	return nil
}

func parseLevel(level string) int {
	switch level {
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

// IsDebugMode reports whether file logging is on.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled reports whether category writes to a file. Categories
// missing from the filter are on.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns the logger for category, opening its dated file on first use.
// A disabled category gets a logger that drops everything.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	dir := logsDir
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	if dir == "" {
		return &Logger{category: category}
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coverloop: cannot open %s: %v\n", logPath, err)
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

func (l *Logger) write(level string, threshold int, format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	configMu.RLock()
	minLevel, asJSON := logLevel, config.JSONFormat
	configMu.RUnlock()
	if minLevel > threshold {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if asJSON {
		l.logJSON(level, msg, nil)
		return
	}
	l.logger.Printf("[%s] %s", strings.ToUpper(level), msg)
}

func (l *Logger) logJSON(level, msg string, fields map[string]interface{}) {
	data, err := json.Marshal(StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	})
	if err != nil {
		l.logger.Printf("[%s] %s", strings.ToUpper(level), msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Level methods. Error is written at every threshold.

func (l *Logger) Debug(format string, args ...interface{}) { l.write("debug", LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...interface{}) { l.write("info", LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...interface{}) { l.write("warn", LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.write("error", LevelError, format, args...) }

// StructuredLog writes msg with fields, as one JSON object in JSON mode.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]interface{}) {
	if l.logger == nil {
		return
	}
	if IsJSONFormat() {
		l.logJSON(level, msg, fields)
		return
	}
	l.logger.Printf("[%s] %s | fields=%v", strings.ToUpper(level), msg, fields)
}

// IsJSONFormat reports whether entries are written as JSON lines.
func IsJSONFormat() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.JSONFormat
}

// CloseAll closes every open category file. Later Get calls reopen them.
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
// SHORTHANDS
// =============================================================================

func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }
func Session(format string, args ...interface{}) { Get(CategorySession).Info(format, args...) }

// ProtocolDebug records raw JSON-RPC traffic.
func ProtocolDebug(format string, args ...interface{}) { Get(CategoryProtocol).Debug(format, args...) }

func Iteration(format string, args ...interface{}) { Get(CategoryIteration).Info(format, args...) }
func IterationDebug(format string, args ...interface{}) { Get(CategoryIteration).Debug(format, args...) }
func Executor(format string, args ...interface{}) { Get(CategoryExecutor).Info(format, args...) }
func ExecutorWarn(format string, args ...interface{}) { Get(CategoryExecutor).Warn(format, args...) }
func Browser(format string, args ...interface{}) { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func Planner(format string, args ...interface{}) { Get(CategoryPlanner).Info(format, args...) }
func Artifacts(format string, args ...interface{}) { Get(CategoryArtifacts).Info(format, args...) }
func ArtifactsWarn(format string, args ...interface{}) { Get(CategoryArtifacts).Warn(format, args...) }
