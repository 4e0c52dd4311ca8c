// Package logger wraps zap with trace-aware, key-value structured logging.
package logger

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the log output format and verbosity.
type Config struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Service     string `mapstructure:"service"`
}

// Logger is the root logger handed to every component. Call New with a
// request context to obtain a trace-correlated entry.
type Logger struct {
	base *zap.SugaredLogger
}

// NewLogger builds the root logger. Production output is JSON to stdout,
// development output is console-encoded.
func NewLogger(cfg Config) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if cfg.Development {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(devCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), level)
	base := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	if cfg.Service != "" {
		base = base.With(zap.String("service", cfg.Service))
	}
	return &Logger{base: base.Sugar()}, nil
}

// NewNop returns a logger that discards everything. Test helper.
func NewNop() *Logger {
	return &Logger{base: zap.NewNop().Sugar()}
}

// New returns an entry carrying the trace and span ids of the context.
func (l *Logger) New(ctx context.Context) *Entry {
	s := l.base
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		s = s.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return &Entry{s: s}
}

// With returns a child logger with fields bound to every entry.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{base: l.base.With(kv...)}
}

// Sync flushes buffered entries. Call on shutdown.
func (l *Logger) Sync() {
	_ = l.base.Sync()
}

// Entry is a single-request logger with key-value fields.
type Entry struct {
	s *zap.SugaredLogger
}

func (e *Entry) Debug(msg string, kv ...interface{}) { e.s.Debugw(msg, kv...) }
func (e *Entry) Info(msg string, kv ...interface{})  { e.s.Infow(msg, kv...) }
func (e *Entry) Warn(msg string, kv ...interface{})  { e.s.Warnw(msg, kv...) }
func (e *Entry) Error(msg string, kv ...interface{}) { e.s.Errorw(msg, kv...) }
