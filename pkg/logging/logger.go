package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields is a set of structured key/value pairs attached to an entry
type Fields map[string]interface{}

// sink is shared between a logger and the loggers derived from it
type sink struct {
	mu      sync.Mutex
	output  io.Writer
	logFile *os.File
}

// Logger provides leveled, structured logging with optional file output
type Logger struct {
	level      Level
	jsonFormat bool
	sink       *sink
	fields     Fields
	component  string
}

// NewLogger creates a logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink:       &sink{output: os.Stdout},
		fields:     make(Fields),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	l := NewLogger(FATAL+1, false)
	l.SetOutput(io.Discard)
	return l
}

// NewFileLogger creates a logger that writes to <baseDir>/<component>/<subcomponent>.log
// and stdout. baseDir defaults to /var/log/greengrid, falling back to ./logs
// when that is not writable.
func NewFileLogger(baseDir, component, subComponent string, level Level, jsonFormat bool) (*Logger, error) {
	logPath := GetLogPath(baseDir, component, subComponent)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(logPath), err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	logger := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink:       &sink{output: io.MultiWriter(logFile, os.Stdout), logFile: logFile},
		fields:     make(Fields),
		component:  strings.TrimSuffix(component+"/"+subComponent, "/"),
	}
	logger.Info("Logger initialized", Fields{"component": logger.component, "path": logPath})
	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		merged[k] = v
	}

	var line string
	if l.jsonFormat {
		data, err := json.Marshal(LogEntry{
			Timestamp: time.Now().Format(time.RFC3339),
			Level:     level.String(),
			Message:   message,
			Fields:    merged,
		})
		if err != nil {
			data = []byte(fmt.Sprintf(`{"level":"ERROR","message":"failed to marshal log entry: %v"}`, err))
		}
		line = string(data)
	} else {
		line = fmt.Sprintf("[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), level.String(), message)
		if len(merged) > 0 {
			line += fmt.Sprintf(" %v", map[string]interface{}(merged))
		}
	}

	l.sink.mu.Lock()
	fmt.Fprintln(l.sink.output, line)
	l.sink.mu.Unlock()

	if level == FATAL {
		os.Exit(1)
	}
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) { l.log(DEBUG, message, first(fields)) }

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) { l.log(INFO, message, first(fields)) }

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) { l.log(WARN, message, first(fields)) }

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) { l.log(ERROR, message, first(fields)) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...Fields) { l.log(FATAL, message, first(fields)) }

// WithField returns a logger that adds key to every entry
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithFields returns a logger that adds fields to every entry
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		sink:       l.sink,
		fields:     merged,
		component:  l.component,
	}
}

// ParseLevel parses a log level string, defaulting to INFO
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.sink.logFile != nil {
		l.Info("Logger closing")
		return l.sink.logFile.Close()
	}
	return nil
}

// RotateIfNeeded rotates the log file if it exceeds maxSize bytes
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	l.sink.mu.Lock()
	if l.sink.logFile == nil {
		l.sink.mu.Unlock()
		return nil
	}

	info, err := l.sink.logFile.Stat()
	if err != nil {
		l.sink.mu.Unlock()
		return err
	}
	if info.Size() <= maxSize {
		l.sink.mu.Unlock()
		return nil
	}

	oldPath := l.sink.logFile.Name()
	backupPath := oldPath + "." + time.Now().Format("20060102-150405")
	l.sink.logFile.Close()
	if err := os.Rename(oldPath, backupPath); err != nil {
		l.sink.mu.Unlock()
		return err
	}
	newFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.sink.mu.Unlock()
		return err
	}
	l.sink.logFile = newFile
	l.sink.output = io.MultiWriter(newFile, os.Stdout)
	l.sink.mu.Unlock()

	l.Info("Log rotated", Fields{"from": oldPath, "to": backupPath})
	return nil
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}
	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// GetLogPath returns the log path for a component
func GetLogPath(baseDir, component, subComponent string) string {
	if baseDir == "" {
		baseDir = "/var/log/greengrid"
	}
	if !isWritable(baseDir) {
		baseDir = "./logs"
	}

	logFileName := component + ".log"
	if subComponent != "" {
		logFileName = subComponent + ".log"
	}
	return filepath.Join(baseDir, component, logFileName)
}
