// Package logging provides categorized file-based logging for the memory
// pipeline. Logs are written to <data_dir>/logs/ with separate files per
// category. Logging is a silent no-op unless debug mode is enabled.
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

// Category represents a log category/system.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and wiring
	CategoryStore     Category = "store"     // SQLite store operations
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryAPI       Category = "api"       // LLM API calls
	CategoryChunk     Category = "chunk"     // Chunk engine
	CategoryScrubber  Category = "scrubber"  // Fact extraction
	CategoryScribe    Category = "scribe"    // Profile updates
	CategoryCrawler   Category = "crawler"   // Vector retrieval
	CategoryGovernor  Category = "governor"  // Routing decisions
	CategoryHydrator  Category = "hydrator"  // Context assembly
	CategoryGardener  Category = "gardener"  // Block gardening
	CategoryDossier   Category = "dossier"   // Dossier routing and retrieval
	CategoryEngine    Category = "engine"    // Conversation engine
	CategoryProfile   Category = "profile"   // Profile document store
)

// Options controls logging behavior. Passed in by the caller at startup so
// this package stays free of config imports.
type Options struct {
	DebugMode  bool            `json:"debug_mode"`
	Level      string          `json:"level"` // debug, info, warn, error
	JSONFormat bool            `json:"json_format"`
	Categories map[string]bool `json:"categories"` // nil = all enabled
}

// StructuredLogEntry is the JSON form of a log line.
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"` // Unix milliseconds
	Category  string                 `json:"cat"`
	Level     string                 `json:"lvl"`
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	opts      Options
	optsMu    sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory. Should be called once at startup
// with the data directory; log files land in <dir>/logs/.
func Initialize(dir string, o Options) error {
	if dir == "" {
		return fmt.Errorf("data directory required")
	}

	optsMu.Lock()
	opts = o
	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	optsMu.Unlock()

	if !o.DebugMode {
		return nil // Silent no-op in production mode
	}

	logsDir = filepath.Join(dir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== HMLR logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", o.Level)
	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()

	if !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
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

	// Date-prefixed files make rotation a delete-by-prefix.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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

func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if opts.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
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
// TIMERS
// =============================================================================

// Timer measures operation duration for performance logging.
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

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// These are no-ops when the category is disabled.
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Embedding logs to the embedding category.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs debug to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }

// API logs to the api category.
func API(format string, args ...interface{}) { Get(CategoryAPI).Info(format, args...) }

// APIDebug logs debug to the api category.
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }

// Chunk logs to the chunk category.
func Chunk(format string, args ...interface{}) { Get(CategoryChunk).Info(format, args...) }

// ChunkDebug logs debug to the chunk category.
func ChunkDebug(format string, args ...interface{}) { Get(CategoryChunk).Debug(format, args...) }

// Scrubber logs to the scrubber category.
func Scrubber(format string, args ...interface{}) { Get(CategoryScrubber).Info(format, args...) }

// ScrubberDebug logs debug to the scrubber category.
func ScrubberDebug(format string, args ...interface{}) { Get(CategoryScrubber).Debug(format, args...) }

// Scribe logs to the scribe category.
func Scribe(format string, args ...interface{}) { Get(CategoryScribe).Info(format, args...) }

// ScribeDebug logs debug to the scribe category.
func ScribeDebug(format string, args ...interface{}) { Get(CategoryScribe).Debug(format, args...) }

// Crawler logs to the crawler category.
func Crawler(format string, args ...interface{}) { Get(CategoryCrawler).Info(format, args...) }

// CrawlerDebug logs debug to the crawler category.
func CrawlerDebug(format string, args ...interface{}) { Get(CategoryCrawler).Debug(format, args...) }

// Governor logs to the governor category.
func Governor(format string, args ...interface{}) { Get(CategoryGovernor).Info(format, args...) }

// GovernorDebug logs debug to the governor category.
func GovernorDebug(format string, args ...interface{}) { Get(CategoryGovernor).Debug(format, args...) }

// Hydrator logs to the hydrator category.
func Hydrator(format string, args ...interface{}) { Get(CategoryHydrator).Info(format, args...) }

// HydratorDebug logs debug to the hydrator category.
func HydratorDebug(format string, args ...interface{}) { Get(CategoryHydrator).Debug(format, args...) }

// Gardener logs to the gardener category.
func Gardener(format string, args ...interface{}) { Get(CategoryGardener).Info(format, args...) }

// GardenerDebug logs debug to the gardener category.
func GardenerDebug(format string, args ...interface{}) { Get(CategoryGardener).Debug(format, args...) }

// Dossier logs to the dossier category.
func Dossier(format string, args ...interface{}) { Get(CategoryDossier).Info(format, args...) }

// DossierDebug logs debug to the dossier category.
func DossierDebug(format string, args ...interface{}) { Get(CategoryDossier).Debug(format, args...) }

// Engine logs to the engine category.
func Engine(format string, args ...interface{}) { Get(CategoryEngine).Info(format, args...) }

// EngineDebug logs debug to the engine category.
func EngineDebug(format string, args ...interface{}) { Get(CategoryEngine).Debug(format, args...) }

// Profile logs to the profile category.
func Profile(format string, args ...interface{}) { Get(CategoryProfile).Info(format, args...) }

// ProfileDebug logs debug to the profile category.
func ProfileDebug(format string, args ...interface{}) { Get(CategoryProfile).Debug(format, args...) }
