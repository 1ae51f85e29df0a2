// Package wlog is the worker's structured logger: a rotating file (or
// stdout) zap sink whose level can be toggled at runtime by SIGUSR2,
// mirroring the reserved "toggle log verbosity" signal in the worker
// lifecycle.
package wlog

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger's sink and starting level.
type Options struct {
	Stdout     bool
	Level      string // "debug", "info", "warn", "error"
	Filename   string
	MaxSize    int // MB
	MaxAge     int // days
	MaxBackups int
}

// Logger wraps a zap.Logger plus the AtomicLevel that lets SIGUSR2 change
// verbosity without restarting the worker.
type Logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

func parseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// New builds a Logger from Options.
func New(opt Options) (*Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	var w zapcore.WriteSyncer
	if opt.Stdout || opt.Filename == "" {
		w = zapcore.AddSync(os.Stdout)
	} else {
		if err := os.MkdirAll(filepath.Dir(opt.Filename), 0o755); err != nil {
			return nil, err
		}
		w = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opt.Filename,
			MaxSize:    opt.MaxSize,
			MaxBackups: opt.MaxBackups,
			MaxAge:     opt.MaxAge,
			LocalTime:  true,
		})
	}

	level := zap.NewAtomicLevelAt(parseLevel(opt.Level))
	core := zapcore.NewCore(encoder, w, level)
	zl := zap.New(core, zap.AddCaller())
	return &Logger{zap: zl, level: level}, nil
}

// NewNop returns a logger that discards everything, for tests and loopback
// callers that don't want log noise.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

func (l *Logger) Debugw(msg string, kv ...any) { l.zap.Sugar().Debugw(msg, kv...) }
func (l *Logger) Infow(msg string, kv ...any)  { l.zap.Sugar().Infow(msg, kv...) }
func (l *Logger) Warnw(msg string, kv ...any)  { l.zap.Sugar().Warnw(msg, kv...) }
func (l *Logger) Errorw(msg string, kv ...any) { l.zap.Sugar().Errorw(msg, kv...) }

// ToggleLevel cycles Debug<->Info, the behavior bound to SIGUSR2: a quiet
// worker gets noisier, a noisy one quiets back down.
func (l *Logger) ToggleLevel() zapcore.Level {
	if l.level.Level() == zapcore.DebugLevel {
		l.level.SetLevel(zapcore.InfoLevel)
	} else {
		l.level.SetLevel(zapcore.DebugLevel)
	}
	return l.level.Level()
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.zap.Sync() }

// AccessLogEntry is the structured shape of one request's access log line
// (spec §4.4), logged as fields rather than a printf so it stays machine
// parseable.
type AccessLogEntry struct {
	ConnID    string
	Method    string
	Path      string
	Status    int
	BytesSent int64
	Elapsed   time.Duration
	Peer      string
}

// LogAccess emits one AccessLogEntry at info level.
func (l *Logger) LogAccess(e AccessLogEntry) {
	l.Infow("request",
		"conn_id", e.ConnID,
		"method", e.Method,
		"path", e.Path,
		"status", e.Status,
		"bytes_sent", e.BytesSent,
		"elapsed_ms", e.Elapsed.Milliseconds(),
		"peer", e.Peer,
	)
}
