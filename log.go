package kvtable

import (
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// LogLevel is the severity of a log event.
type LogLevel int

// Supported log levels.
const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarn:
		return "WARN"
	case LogError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger receives structured events from sorters and filesets.
type Logger interface {
	Log(level LogLevel, event string, message string, details map[string]interface{})
}

type nopLogger struct{}

func (nopLogger) Log(LogLevel, string, string, map[string]interface{}) {}

type logEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component"`
	EventType string                 `json:"event_type"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type jsonLogger struct {
	mu        sync.Mutex
	enc       *json.Encoder
	component string
	min       LogLevel
}

// NewJSONLogger returns a Logger which writes one JSON object per event to
// w, dropping events below min.
func NewJSONLogger(w io.Writer, component string, min LogLevel) Logger {
	return &jsonLogger{
		enc:       json.NewEncoder(w),
		component: component,
		min:       min,
	}
}

func (l *jsonLogger) Log(level LogLevel, event string, message string, details map[string]interface{}) {
	if level < l.min {
		return
	}

	entry := logEntry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
		Component: l.component,
		EventType: event,
		Details:   details,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.enc.Encode(entry)
}
