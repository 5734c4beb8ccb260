package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vigil/internal/config"
)

// OTELHook adds trace and span IDs to every log entry carrying a span context.
type OTELHook struct{}

// Run implements zerolog.Hook.
func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level >= zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// SetupLogging configures the global logger. debug overrides the configured level.
func SetupLogging(cfg config.LogConfig, service string, debug bool) error {
	return setupLogging(os.Stderr, cfg, service, debug)
}

func setupLogging(out io.Writer, cfg config.LogConfig, service string, debug bool) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	if debug {
		level = zerolog.DebugLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(level)

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out}
	}

	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})
	return nil
}
