package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger that knows the stackwire field names.
// Every With method returns a child; the receiver is never changed.
type Logger struct {
	z zerolog.Logger
}

type loggerKey struct{}

var timeFieldFormats = map[string]string{
	"":          time.RFC3339,
	"rfc3339":   time.RFC3339,
	"unix":      zerolog.TimeFormatUnix,
	"unixms":    zerolog.TimeFormatUnixMs,
	"unixmicro": zerolog.TimeFormatUnixMicro,
}

// NewLogger builds a logger from cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, err := openSink(cfg.Output)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	timeFormat, ok := timeFieldFormats[cfg.TimeFormat]
	if !ok {
		return nil, fmt.Errorf("unknown log time format %q", cfg.TimeFormat)
	}
	zerolog.TimeFieldFormat = timeFormat

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	z := zctx.Logger()

	if cfg.SampleEvery > 0 {
		z = z.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.Burst),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SampleEvery)},
		})
	}
	return &Logger{z: z}, nil
}

func openSink(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// NewNopLogger returns a logger that writes nothing.
func NewNopLogger() *Logger {
	return &Logger{z: zerolog.Nop()}
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, or a plain stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{z: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{z: fn(l.z.With()).Logger()}
}

// NewComponentLogger tags every line with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

func (l *Logger) WithRunID(runID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

func (l *Logger) WithResource(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("resource", name) })
}

func (l *Logger) WithPhase(phase string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("phase", phase) })
}

// WithCommand tags a command invocation.
func (l *Logger) WithCommand(resource, command, executionID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("resource", resource).Str("command", command).Str("execution_id", executionID)
	})
}

// WithSpan adds the trace and span ids of an active span.
func (l *Logger) WithSpan(traceID, spanID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Str("trace_id", traceID).Str("span_id", spanID)
	})
}

// WithField adds one arbitrary field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// Zerolog exposes the underlying logger for packages that take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.z
}

func (l *Logger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.z.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.z.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.z.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.z.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.z.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.z.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.z.Error().Msgf(format, args...) }
