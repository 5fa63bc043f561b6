// Package logger builds the SDK's *slog.Logger and threads two pieces
// of SDK-specific behavior through it that a bare slog setup doesn't
// give you: per-fetch-cycle correlation IDs (WithFetchID/GetFetchID/
// FromContext) and a rate-limiting handler wrapper so a flapping
// dependency can't flood a host's log sink forever (spec §7), built
// on top of internal/domain's RateLimitedLogger.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/customfit/cf-client-go/internal/domain"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey namespaces values this package stores on a context.
type ContextKey string

// FetchIDKey is the context key for a fetch cycle's correlation ID.
const FetchIDKey ContextKey = "fetch_id"

// Config drives NewLogger's handler/writer selection.
type Config struct {
	Level      string
	Format     string
	Output     string
	Filename   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// NewLogger builds a *slog.Logger from cfg. Every Warn/Error record it
// emits passes through a rate-limiting layer backed by
// domain.RateLimitedLogger, so the same failing dependency logging on
// every retry attempt can't flood the sink past
// domain.RateLimitedLogger's per-tuple cap.
func NewLogger(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)
	writer := SetupWriter(cfg)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var inner slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		inner = slog.NewJSONHandler(writer, opts)
	} else {
		inner = slog.NewTextHandler(writer, opts)
	}

	return slog.New(newRateLimitingHandler(inner))
}

// ParseLevel maps a config string onto a slog.Level, defaulting
// anything unrecognized to Info rather than erroring, since a typo'd
// config value shouldn't prevent the SDK from starting up.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupWriter resolves cfg's output target. "file" without a filename
// falls back to stdout rather than failing construction outright.
func SetupWriter(cfg Config) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.Filename == "" {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}

// rateLimitingHandler wraps a slog.Handler, routing Warn-and-above
// records through a shared domain.RateLimitedLogger instead of
// forwarding every one of them straight to next. Records below Warn
// bypass the gate entirely — the cap only exists to stop failure
// noise, not to throttle routine Info/Debug chatter.
type rateLimitingHandler struct {
	next        slog.Handler
	rateLimited *domain.RateLimitedLogger
}

func newRateLimitingHandler(next slog.Handler) *rateLimitingHandler {
	return &rateLimitingHandler{
		next:        next,
		rateLimited: domain.NewRateLimitedLogger(slog.New(next)),
	}
}

func (h *rateLimitingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *rateLimitingHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < slog.LevelWarn {
		return h.next.Handle(ctx, record)
	}

	category := domain.CategoryInternal
	source := callerName(record.PC)

	var args []any
	record.Attrs(func(a slog.Attr) bool {
		args = append(args, a.Key, a.Value.Any())
		return true
	})
	if fetchID := GetFetchID(ctx); fetchID != "" {
		args = append(args, "fetch_id", fetchID)
	}

	h.rateLimited.Log(record.Level, category, source, record.Message, args...)
	return nil
}

func (h *rateLimitingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &rateLimitingHandler{next: h.next.WithAttrs(attrs), rateLimited: h.rateLimited}
}

func (h *rateLimitingHandler) WithGroup(name string) slog.Handler {
	return &rateLimitingHandler{next: h.next.WithGroup(name), rateLimited: h.rateLimited}
}

func callerName(pc uintptr) string {
	if pc == 0 {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	return fn.Name()
}

// GenerateFetchID generates a unique correlation ID for one fetch
// cycle, so every log line a HEAD/GET/POST round trip produces can be
// grepped back together.
func GenerateFetchID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("fetch_%d", time.Now().UnixNano())
	}
	return "fetch_" + hex.EncodeToString(buf)
}

// WithFetchID attaches a fetch cycle's correlation ID to ctx.
func WithFetchID(ctx context.Context, fetchID string) context.Context {
	return context.WithValue(ctx, FetchIDKey, fetchID)
}

// GetFetchID extracts the fetch cycle correlation ID from ctx, if any.
func GetFetchID(ctx context.Context) string {
	if fetchID, ok := ctx.Value(FetchIDKey).(string); ok {
		return fetchID
	}
	return ""
}

// FromContext returns a logger annotated with the context's fetch ID,
// so every log line emitted while servicing one FetchCycle call
// carries the same correlation ID without threading it through every
// function argument.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if fetchID := GetFetchID(ctx); fetchID != "" {
		return logger.With("fetch_id", fetchID)
	}
	return logger
}
