package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLevel  = slog.LevelDebug
	handlerMutex sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// NewFileWriter returns a size-rotated log file writer.
func NewFileWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
}

// customHandler supports multiple outputs with level filtering
type customHandler struct {
	outs  []io.Writer // Can write to multiple outputs (stdout, file, etc.)
	mu    *sync.Mutex
	attrs []string // pre-formatted attributes from WithAttrs
	group string
}

// Handle implements slog.Handler
func (h *customHandler) Handle(ctx context.Context, record slog.Record) error {
	// Check if we should log this level
	handlerMutex.RLock()
	if record.Level < globalLevel {
		handlerMutex.RUnlock()
		return nil
	}
	handlerMutex.RUnlock()

	// Format the log message
	timestamp := record.Time.Format("15:04:05")
	levelStr := record.Level.String()
	message := record.Message

	attrs := append([]string(nil), h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	formattedLog := "[" + timestamp + "] [" + strings.ToUpper(levelStr) + "] " + message + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(formattedLog))
		}
	}
	return nil
}

func (h *customHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return key + "=" + a.Value.Resolve().String()
}

// WithAttrs implements slog.Handler
func (h *customHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.format(a))
	}
	return &next
}

// WithGroup implements slog.Handler
func (h *customHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

// Enabled implements slog.Handler
func (h *customHandler) Enabled(ctx context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

// New returns a logger writing to outputs without installing it as default.
func New(outputs ...io.Writer) *slog.Logger {
	return slog.New(&customHandler{outs: outputs, mu: &sync.Mutex{}})
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(New(outputs...))
}
