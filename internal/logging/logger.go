package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a log level string
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format selects how log entries are rendered to the output writer.
type Format int

const (
	FormatJSON Format = iota
	FormatText
)

// ParseFormat parses a format name, defaulting to FormatJSON for anything
// other than "text".
func ParseFormat(s string) Format {
	if s == "text" {
		return FormatText
	}
	return FormatJSON
}

// Entry represents a log entry
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger handles structured logging, emitting either line-delimited JSON or
// a compact key=value text line depending on Config.Format.
type Logger struct {
	output io.Writer
	level  Level
	format Format
	mu     sync.Mutex
}

// Config configures the logger
type Config struct {
	Level  string
	Format string // json or text
	Output string // stdout, stderr, or file path
}

// New creates a new logger
func New(cfg Config) (*Logger, error) {
	var output io.Writer

	switch cfg.Output {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
	}

	return &Logger{
		output: output,
		level:  ParseLevel(cfg.Level),
		format: ParseFormat(cfg.Format),
	}, nil
}

// Log logs a message at the specified level
func (l *Logger) Log(level Level, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		Fields:    fields,
	}

	l.write(l.render(entry))
}

// render serializes an Entry per the logger's configured format.
func (l *Logger) render(entry Entry) []byte {
	if l.format == FormatText {
		return renderText(entry.Timestamp, entry.Level, entry.Message, entry.Fields)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil
	}
	return data
}

// renderText produces a logfmt-style line: timestamp, level and message as
// positional fields, then the remaining fields sorted for deterministic
// output, mirroring the key=value shape the JSON encoder already gives
// structured tooling.
func renderText(ts time.Time, level, msg string, fields map[string]interface{}) []byte {
	var b []byte
	b = append(b, "time="...)
	b = append(b, ts.Format(time.RFC3339Nano)...)
	b = append(b, " level="...)
	b = append(b, level...)
	b = append(b, " msg="...)
	b = append(b, fmt.Sprintf("%q", msg)...)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b = append(b, ' ')
		b = append(b, k...)
		b = append(b, '=')
		b = append(b, fmt.Sprintf("%v", fields[k])...)
	}
	return b
}

func (l *Logger) write(data []byte) {
	if data == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write(data)
	l.output.Write([]byte("\n"))
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.Log(LevelDebug, msg, fields)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.Log(LevelInfo, msg, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.Log(LevelWarn, msg, fields)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.Log(LevelError, msg, fields)
}

// RequestLog represents a single generate-request log entry.
type RequestLog struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	ClientIP    string    `json:"client_ip"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	APIKeyName  string    `json:"api_key_name,omitempty"`
	Backend     string    `json:"backend,omitempty"`
	Model       string    `json:"model,omitempty"`
	NumImages   int       `json:"num_images,omitempty"`
	QueueWaitMs float64   `json:"queue_wait_ms,omitempty"`
	StatusCode  int       `json:"status_code"`
	Duration    float64   `json:"duration_ms"`
	ErrorKind   string    `json:"error_kind,omitempty"`
}

// LogRequest logs a request with metadata
func (l *Logger) LogRequest(req RequestLog) {
	if LevelInfo < l.level {
		return
	}

	if l.format == FormatText {
		l.write(renderText(req.Timestamp, "info", fmt.Sprintf("%s %s", req.Method, req.Path), map[string]interface{}{
			"request_id":  req.RequestID,
			"client_ip":   req.ClientIP,
			"api_key":     req.APIKeyName,
			"backend":     req.Backend,
			"model":       req.Model,
			"num_images":  req.NumImages,
			"queue_wait":  req.QueueWaitMs,
			"status":      req.StatusCode,
			"duration_ms": req.Duration,
			"error_kind":  req.ErrorKind,
		}))
		return
	}

	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	l.write(data)
}

// Close closes the logger output if it's a file
func (l *Logger) Close() error {
	if closer, ok := l.output.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
