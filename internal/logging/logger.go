// Package logging provides the leveled logger used throughout the
// writeback engine.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a CLI flag value ("debug", "info", "warn", "error") to a
// LogLevel. Unknown values fall back to LevelInfo with an error.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Config holds logging configuration.
type Config struct {
	Level   LogLevel
	Format  string // "text" (default) or "json"
	Output  io.Writer
	NoColor bool
	// Sync forces every call to flush immediately; always true for the
	// stdlib-backed logger, kept so callers can express intent.
	Sync bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps stdlib log with level support and a small set of structured
// fields carried through WithXxx chaining, so a call deep inside the
// flusher loop doesn't need to re-state which BDI or inode it concerns.
type Logger struct {
	logger *log.Logger
	level  LogLevel
	format string
	fields []field
	mu     *sync.Mutex
}

type field struct {
	key string
	val any
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	format := config.Format
	if format == "" {
		format = "text"
	}
	return &Logger{
		logger: log.New(output, "", log.LstdFlags),
		level:  config.Level,
		format: format,
		mu:     &sync.Mutex{},
	}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// with returns a derived logger carrying an extra structured field. The
// underlying *log.Logger and mutex are shared, not copied.
func (l *Logger) with(key string, val any) *Logger {
	next := make([]field, len(l.fields), len(l.fields)+1)
	copy(next, l.fields)
	next = append(next, field{key, val})
	return &Logger{logger: l.logger, level: l.level, format: l.format, fields: next, mu: l.mu}
}

// WithBDI returns a logger that tags every message with the backing
// device's name.
func (l *Logger) WithBDI(name string) *Logger { return l.with("bdi", name) }

// WithInode returns a logger that tags every message with an inode ID.
func (l *Logger) WithInode(id uint64) *Logger { return l.with("inode", id) }

// WithJob returns a logger that tags every message with a job ID.
func (l *Logger) WithJob(id uint64) *Logger { return l.with("job", id) }

// WithError returns a logger that tags every message with an error value.
func (l *Logger) WithError(err error) *Logger { return l.with("error", err) }

func (l *Logger) formatFields(args []any) string {
	total := make([]any, 0, len(l.fields)*2+len(args))
	for _, f := range l.fields {
		total = append(total, f.key, f.val)
	}
	total = append(total, args...)
	return formatArgs(total)
}

// formatArgs converts key-value pairs to a string.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			break
		}
		if b.Len() != 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
	}
	if b.Len() == 0 {
		return ""
	}
	return " " + b.String()
}

func (l *Logger) log(level LogLevel, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	suffix := l.formatFields(args)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "json" {
		l.logger.Printf(`{"level":%q,"msg":%q%s}`, prefix, msg, jsonTail(suffix))
		return
	}
	l.logger.Printf("%s %s%s", prefix, msg, suffix)
}

// jsonTail turns " k=v k2=v2" into `,"k":"v","k2":"v2"` — deliberately
// simple; adequate for the short diagnostic values this engine logs (IDs,
// booleans, error strings), not a general JSON encoder.
func jsonTail(suffix string) string {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return ""
	}
	var b strings.Builder
	for _, kv := range strings.Fields(suffix) {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		fmt.Fprintf(&b, ",%q:%q", parts[0], parts[1])
	}
	return b.String()
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, "[DEBUG]", msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(LevelInfo, "[INFO]", msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(LevelWarn, "[WARN]", msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, "[ERROR]", msg, args...) }

// Debugf/Infof/Warnf/Errorf are printf-style variants used by call sites
// that already have a formatted string rather than key-value pairs.
func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}
func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}
func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}
func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Printf is kept for compatibility with collab.Logger's Printf method.
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
