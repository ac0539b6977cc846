// Package logger provides the structured logger used across the scan registry service.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with request and scan scoped helpers.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	Output io.Writer

	// AddSource forces source locations even outside debug level.
	AddSource bool

	// Sampling thins out repetitive records such as progress polls.
	Sampling SamplingConfig
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stdout,
	}
}

// New creates a Logger. Sensitive attributes are redacted before encoding.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource || level == slog.LevelDebug,
		ReplaceAttr: redact,
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return &Logger{Logger: slog.New(NewSamplingHandler(h, cfg.Sampling))}
}

// NewDefault creates a Logger with DefaultConfig.
func NewDefault() *Logger {
	return New(DefaultConfig())
}

// NewNop creates a logger that discards all output.
func NewNop() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

const redacted = "[REDACTED]"

// Key fragments whose values never reach the log. Archive credentials and the
// JWT secret pass through config logging; tokens arrive on websocket upgrades.
var sensitiveFragments = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"bearer",
	"api_key",
	"jwt",
	"cookie",
	"access_key",
	"credential",
	"private_key",
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(key, fragment) {
			return slog.String(a.Key, redacted)
		}
	}
	if a.Value.Kind() == slog.KindString && hasBearerPrefix(a.Value.String()) {
		return slog.String(a.Key, redacted)
	}
	return a
}

func hasBearerPrefix(s string) bool {
	return len(s) > 7 && strings.EqualFold(s[:7], "bearer ")
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// ContextKey is the type of context keys read by WithContext.
type ContextKey string

// ContextKeyRequestID is set by the request id middleware.
const ContextKeyRequestID ContextKey = "request_id"

// WithContext returns a Logger tagged with the request id found in ctx.
// Scan ids are attached explicitly with WithScan.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(ContextKeyRequestID).(string); ok && id != "" {
		return &Logger{Logger: l.Logger.With(slog.String("request_id", id))}
	}
	return l
}

// WithScan returns a new Logger tagged with a scan id.
func (l *Logger) WithScan(scanID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("scan_id", scanID))}
}

// SetDefault sets this logger as the default slog logger.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "warning":
		return slog.LevelWarn
	default:
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}
