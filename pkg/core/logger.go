package core

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel is the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the engine's structured logging interface.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

type defaultLogger struct {
	mu       sync.Mutex
	writer   io.Writer
	minLevel LogLevel
	keyvals  []any
}

// NewLogger creates a leveled key-value logger writing to w.
func NewLogger(w io.Writer, minLevel LogLevel) Logger {
	return &defaultLogger{writer: w, minLevel: minLevel}
}

// NewStdLogger creates a logger writing to stderr.
func NewStdLogger(minLevel LogLevel) Logger {
	return NewLogger(os.Stderr, minLevel)
}

func (l *defaultLogger) Debug(msg string, keyvals ...any) { l.log(LevelDebug, msg, keyvals...) }
func (l *defaultLogger) Info(msg string, keyvals ...any)  { l.log(LevelInfo, msg, keyvals...) }
func (l *defaultLogger) Warn(msg string, keyvals ...any)  { l.log(LevelWarn, msg, keyvals...) }
func (l *defaultLogger) Error(msg string, keyvals ...any) { l.log(LevelError, msg, keyvals...) }

func (l *defaultLogger) With(keyvals ...any) Logger {
	combined := make([]any, 0, len(l.keyvals)+len(keyvals))
	combined = append(combined, l.keyvals...)
	combined = append(combined, keyvals...)
	return &defaultLogger{writer: l.writer, minLevel: l.minLevel, keyvals: combined}
}

func (l *defaultLogger) log(level LogLevel, msg string, keyvals ...any) {
	if level < l.minLevel {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.writer, "%s [%s] %s", time.Now().Format("2006-01-02 15:04:05.000"), level, msg)
	for _, kv := range [][]any{l.keyvals, keyvals} {
		for i := 0; i+1 < len(kv); i += 2 {
			fmt.Fprintf(l.writer, " %v=%v", kv[i], kv[i+1])
		}
	}
	fmt.Fprintln(l.writer)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)    {}
func (nopLogger) Info(string, ...any)     {}
func (nopLogger) Warn(string, ...any)     {}
func (nopLogger) Error(string, ...any)    {}
func (n nopLogger) With(...any) Logger    { return n }

// NopLogger returns a logger that discards everything.
func NopLogger() Logger {
	return nopLogger{}
}
