// Package logger provides structured logging for the embedded storage
// engine.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with engine-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	// Set global log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// Create logger
	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "skdb").
		Logger()

	// Add caller information if requested
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// CoordinatorLogger returns a logger scoped to leader-election and RPC-proxy
// operations (component G), in place of the teacher's GrpcLogger.
func (l *Logger) CoordinatorLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "coordinator").
			Str("operation", operation).
			Logger(),
	}
}

// EngineLogger returns a logger scoped to one engine facade operation, in
// place of the teacher's DbLogger.
func (l *Logger) EngineLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "engine").
			Str("operation", operation).
			Logger(),
	}
}

// WalLogger returns a logger scoped to one write-ahead-log operation
// (append, flush, rotate, checkpoint). The teacher has no equivalent: its
// pkg/wal is never wired into anything that logs.
func (l *Logger) WalLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "wal").
			Str("operation", operation).
			Logger(),
	}
}

// LogGrpcRequest logs one coordinator gRPC request with structured fields,
// used by the GrpcMetricsInterceptor wired onto the leader's bufconn server.
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "coordinator").
		Str("method", method).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "coordinator").
			Str("method", method).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("gRPC request completed")
}

// LogEngineOperation logs an engine facade operation with structured
// duration and outcome fields, in place of the teacher's LogDbOperation.
func (l *Logger) LogEngineOperation(operation string, duration time.Duration, recordCount int, err error) {
	event := l.zlog.Debug().
		Str("component", "engine").
		Str("operation", operation).
		Dur("duration_ms", duration).
		Int("record_count", recordCount)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "engine").
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("engine operation completed")
}

// LogWalOperation logs a WAL append, flush, rotate or checkpoint with a
// structured duration field, following LogEngineOperation's shape.
func (l *Logger) LogWalOperation(operation string, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("component", "wal").
		Str("operation", operation).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "wal").
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("wal operation completed")
}

// LogMetaSync logs the meta page write at the end of Commit, following
// LogEngineOperation's shape.
func (l *Logger) LogMetaSync(duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("component", "engine").
		Str("operation", "meta_sync").
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "engine").
			Str("operation", "meta_sync").
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("meta sync completed")
}

// LogCoordinatorOperation logs a leader-election or RPC-proxy event with a
// structured duration field, following LogEngineOperation's shape.
func (l *Logger) LogCoordinatorOperation(operation string, duration time.Duration, err error) {
	event := l.zlog.Debug().
		Str("component", "coordinator").
		Str("operation", operation).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "coordinator").
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("coordinator operation completed")
}

// LogEngineOpen logs a database being opened.
func (l *Logger) LogEngineOpen(name, dataDir string) {
	l.zlog.Info().
		Str("event", "engine_open").
		Str("database", name).
		Str("data_dir", dataDir).
		Msg("opening database")
}

// LogEngineReady logs a database becoming ready to accept operations,
// reporting which mode (leader/follower/alt) it came up in.
func (l *Logger) LogEngineReady(name, mode string) {
	l.zlog.Info().
		Str("event", "engine_ready").
		Str("database", name).
		Str("mode", mode).
		Msg("database ready")
}

// LogEngineShutdown logs a database being closed.
func (l *Logger) LogEngineShutdown(name string) {
	l.zlog.Info().
		Str("event", "engine_shutdown").
		Str("database", name).
		Msg("database closing")
}

// LogPromotion logs a follower promoting itself to leader after the prior
// leader's lock was released.
func (l *Logger) LogPromotion(name string) {
	l.zlog.Warn().
		Str("event", "leader_promotion").
		Str("database", name).
		Msg("promoted to leader")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
