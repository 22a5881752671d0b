// Package logx provides component-scoped structured logging with context-aware debug logging.
package logx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Output formats accepted by LOG_FORMAT.
const (
	FormatAuto = ""
	FormatJSON = "json"
	FormatText = "text"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // Which domains to enable debug for (nil = all)
}

// Logger writes printf-style messages as structured records tagged with a component.
type Logger struct {
	component string
	attrs     []any
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

//nolint:gochecknoglobals // Process-wide logging configuration
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	level     = new(slog.LevelVar)
	handlerMu sync.RWMutex
	handler   slog.Handler
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
	SetOutput(os.Stderr)
}

// initDebugFromEnv initializes debug configuration from environment variables.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = false
	debugConfig.Domains = nil

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	// DEBUG_DOMAINS=retry,circuit
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}

	level.Set(levelFromEnv(debugConfig.Enabled))
}

func levelFromEnv(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds the slog handler used for w. FormatAuto picks a colored tint
// handler when w is a terminal and JSON otherwise.
func NewHandler(w io.Writer, format string) slog.Handler {
	switch format {
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case FormatText:
		return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.RFC3339Nano, NoColor: true})
	}

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// SetOutput routes all loggers to w, honoring LOG_FORMAT.
func SetOutput(w io.Writer) {
	SetHandler(NewHandler(w, strings.ToLower(os.Getenv("LOG_FORMAT"))))
}

// SetHandler replaces the handler shared by all loggers.
func SetHandler(h slog.Handler) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	handler = h
}

func currentHandler() slog.Handler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return handler
}

// SetLevel overrides the minimum level read from LOG_LEVEL. Unknown levels mean INFO.
func SetLevel(l Level) {
	switch Level(strings.ToUpper(string(l))) {
	case LevelDebug:
		level.Set(slog.LevelDebug)
	case LevelWarn:
		level.Set(slog.LevelWarn)
	case LevelError:
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// SetDebugConfig configures global debug logging.
func SetDebugConfig(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	level.Set(levelFromEnv(enabled))
}

// SetDebugDomains configures which domains should have debug logging enabled.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// WithRequestID returns a context whose debug records carry id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// With returns a logger that adds the given key/value pairs to every record.
func (l *Logger) With(args ...any) *Logger {
	attrs := make([]any, 0, len(l.attrs)+len(args))
	attrs = append(attrs, l.attrs...)
	attrs = append(attrs, args...)
	return &Logger{component: l.component, attrs: attrs}
}

func (l *Logger) log(ctx context.Context, lvl slog.Level, format string, args ...any) {
	h := currentHandler()
	if h == nil || !h.Enabled(ctx, lvl) {
		return
	}
	record := slog.NewRecord(time.Now(), lvl, fmt.Sprintf(format, args...), 0)
	record.AddAttrs(slog.String("component", l.component))
	if id := RequestID(ctx); id != "" {
		record.AddAttrs(slog.String("request_id", id))
	}
	record.Add(l.attrs...)
	_ = h.Handle(ctx, record)
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.component) {
		return
	}
	l.log(context.Background(), slog.LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(context.Background(), slog.LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(context.Background(), slog.LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(context.Background(), slog.LevelError, format, args...)
}

// InfoContext logs at info level, tagging the record with the request id in ctx.
func (l *Logger) InfoContext(ctx context.Context, format string, args ...any) {
	l.log(ctx, slog.LevelInfo, format, args...)
}

// WarnContext logs at warn level, tagging the record with the request id in ctx.
func (l *Logger) WarnContext(ctx context.Context, format string, args ...any) {
	l.log(ctx, slog.LevelWarn, format, args...)
}

// ErrorContext logs at error level, tagging the record with the request id in ctx.
func (l *Logger) ErrorContext(ctx context.Context, format string, args ...any) {
	l.log(ctx, slog.LevelError, format, args...)
}

// Debug logs a debug message with context and domain filtering.
//
// Environment variable control:
//
//	DEBUG=1                            # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=retry        # Enable debug only for the retry domain
//	DEBUG=1 DEBUG_DOMAINS=retry,circuit
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	NewLogger(domain).log(ctx, slog.LevelDebug, format, args...)
}

// DebugState logs a state transition for a domain, e.g. "State circuit llm-chat: OPEN - from CLOSED".
func DebugState(ctx context.Context, domain, action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	Debug(ctx, domain, "State %s: %s%s", action, state, extraInfo)
}

// Logger behind Errorf and Wrap.
var defaultLogger = NewLogger("system") //nolint:gochecknoglobals

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
//
//	if err != nil { return logx.Wrap(err, "db connect") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
