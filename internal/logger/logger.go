// Package logger builds the process-wide slog logger: JSON on stdout by default,
// or an OpenTelemetry log bridge when OTEL is enabled.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Options selects the handler.
type Options struct {
	Level       string
	OTEL        bool
	ServiceName string
	Output      io.Writer // JSON destination, stdout when nil
}

// Shutdown flushes buffered records. It is a no-op for the JSON handler.
type Shutdown func(context.Context) error

// New builds a logger and installs it as slog's default.
// If the OTEL exporter cannot be created it falls back to JSON.
func New(ctx context.Context, opts Options) (*slog.Logger, Shutdown, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	noop := func(context.Context) error { return nil }

	if opts.OTEL {
		l, shutdown, err := newOTEL(ctx, opts.ServiceName, levelVar)
		if err == nil {
			slog.SetDefault(l)
			return l, shutdown, nil
		}
		fmt.Fprintf(os.Stderr, "Failed to setup OTEL logging, falling back to JSON: %v\n", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	l := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(l)
	return l, noop, nil
}

func newOTEL(ctx context.Context, serviceName string, level slog.Leveler) (*slog.Logger, Shutdown, error) {
	if serviceName == "" {
		serviceName = "api4cep"
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := &levelHandler{
		level:   level,
		handler: otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider)),
	}
	return slog.New(handler), provider.Shutdown, nil
}

// levelHandler wraps a handler to filter by level
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// ParseLevel converts a level name to slog.Level. Empty means INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

// Fatal logs at FATAL, flushes and exits.
func Fatal(l *slog.Logger, shutdown Shutdown, msg string, args ...any) {
	l.Log(context.Background(), LevelFatal, msg, args...)
	if shutdown != nil {
		_ = shutdown(context.Background())
	}
	os.Exit(1)
}
