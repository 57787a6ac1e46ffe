package logs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
	DEBUG Level = "DEBUG"
)

// levelPriority defines the priority of each log level
// higher value= more severe
var levelPriority = map[Level]int{
	DEBUG: 1,
	INFO:  2,
	WARN:  3,
	ERROR: 4,
}

var slogLevels = map[Level]slog.Level{
	DEBUG: slog.LevelDebug,
	INFO:  slog.LevelInfo,
	WARN:  slog.LevelWarn,
	ERROR: slog.LevelError,
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[l]; ok {
		return l
	}
	return INFO
}

type Entry struct {
	TimeStamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Logger keeps the most recent entries in memory for the health analyzer
// and forwards every recorded entry to a slog sink.
type Logger struct {
	mu      sync.Mutex
	entries []Entry
	maxSize int
	level   Level
	sink    *slog.Logger
	fields  []any
	parent  *Logger
}

// level: minimum log level to record(e.g., INFO, WARN, ERROR,DEBUG)
//
// maxsize:maximum number of log entries kept in memory
func NewLogger(maxSize int, level Level) *Logger {
	return &Logger{
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
		level:   level,
		sink:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

// NewJSONLogger is NewLogger with a slog JSON handler writing to w.
func NewJSONLogger(w io.Writer, maxSize int, level Level) *Logger {
	l := NewLogger(maxSize, level)
	l.sink = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevels[level]}))
	return l
}

// With returns a logger sharing the same buffer and sink that adds
// key/value fields to every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		parent: l.root(),
		level:  l.level,
		sink:   l.sink,
		fields: append(append([]any{}, l.fields...), args...),
	}
}

// log is the internal logging function
// it applies level filtering and ring buffer behavior
func (l *Logger) log(level Level, msg string, args []any) {
	//filter logs below the current level
	if levelPriority[level] < levelPriority[l.level] {
		return
	}

	all := args
	if len(l.fields) > 0 {
		all = append(append([]any{}, l.fields...), args...)
	}

	l.sink.Log(context.Background(), slogLevels[level], msg, all...)

	root := l.root()
	if root.maxSize <= 0 {
		return
	}
	root.mu.Lock()
	defer root.mu.Unlock()

	if len(root.entries) >= root.maxSize {
		//remove oldest entry(ring behavior)
		root.entries = root.entries[1:]
	}

	root.entries = append(root.entries, Entry{
		TimeStamp: time.Now(),
		Level:     level,
		Message:   msg,
		Fields:    toFields(all),
	})
}

func (l *Logger) root() *Logger {
	if l.parent != nil {
		return l.parent
	}
	return l
}

func toFields(args []any) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			out["!BADKEY"] = key
			break
		}
		out[key] = fmt.Sprint(args[i+1])
	}
	return out
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log(DEBUG, msg, args)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log(INFO, msg, args)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log(WARN, msg, args)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log(ERROR, msg, args)
}

func (l *Logger) GetLast(n int) []Entry {
	root := l.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	if n > len(root.entries) {
		out := make([]Entry, len(root.entries))
		copy(out, root.entries)
		return out
	}

	start := len(root.entries) - n
	out := make([]Entry, n)
	copy(out, root.entries[start:])
	return out
}
